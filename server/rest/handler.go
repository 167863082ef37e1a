package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/queue"
)

type Handler struct {
	service *Service
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, internal.ErrNotFound), errors.Is(err, internal.ErrUnknownEngine):
		return http.StatusNotFound
	case errors.Is(err, internal.ErrNoEngineMatched):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrNotFinished):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, internal.ErrNetwork), errors.Is(err, internal.ErrVersionInfoUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{Error: err.Error(), Kind: internal.Kind(err)})
}

func (h *Handler) Exec() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var req internal.DownloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		if req.URL == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url is required"})
			return
		}

		id, err := h.service.Exec(req)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func (h *Handler) Running() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := h.service.Running(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := h.service.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.service.Cancel(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *Handler) Forget() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.service.Forget(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) CancelAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.service.CancelAll(); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type concurrency struct {
	Limit int `json:"limit"`
}

func (h *Handler) SetConcurrency() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var req concurrency
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		if err := h.service.SetConcurrency(req.Limit); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, concurrency{Limit: h.service.Concurrency()})
	}
}

func (h *Handler) Concurrency() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, concurrency{Limit: h.service.Concurrency()})
	}
}

func (h *Handler) Engines() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.service.Engines())
	}
}

func (h *Handler) ReloadEngines() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skipped := h.service.ReloadEngines(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"engines": h.service.Engines(),
			"skipped": skipped,
		})
	}
}

func (h *Handler) UpdateEngine() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := h.service.UpdateEngine(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) Versions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.service.Versions())
	}
}

func (h *Handler) ClearArchive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := h.service.ClearArchive()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

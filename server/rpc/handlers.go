package rpc

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 1 << 15,
}

type handler struct {
	rpc *rpc.Server
}

// request adapts a single JSON-RPC call read from r into a buffered
// response.
type request struct {
	r  io.Reader
	rw *bytes.Buffer
}

func (r *request) Read(p []byte) (int, error)  { return r.r.Read(p) }
func (r *request) Write(p []byte) (int, error) { return r.rw.Write(p) }
func (r *request) Close() error                { return nil }

// call returns the encoded response. A request that could not be decoded
// at all yields an error and no response.
func (h *handler) call(r io.Reader) (io.Reader, error) {
	req := &request{r: r, rw: &bytes.Buffer{}}
	if err := h.rpc.ServeRequest(jsonrpc.NewServerCodec(req)); err != nil && req.rw.Len() == 0 {
		return nil, err
	}
	return req.rw, nil
}

// WebSocket serves one call per websocket message.
func (h *handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("err", err))
		return
	}
	defer c.Close()

	for {
		mtype, reader, err := c.NextReader()
		if err != nil {
			break
		}

		res, err := h.call(reader)
		if err != nil {
			slog.Warn("malformed rpc request", slog.Any("err", err))
			break
		}

		writer, err := c.NextWriter(mtype)
		if err != nil {
			break
		}

		io.Copy(writer, res)
		writer.Close()
	}
}

func (h *handler) Post(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	res, err := h.call(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := io.Copy(w, res); err != nil {
		slog.Error("failed to write rpc response", slog.Any("err", err))
	}
}

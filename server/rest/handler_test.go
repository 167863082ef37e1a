package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/queue"
	"github.com/marcopiovanello/engine-dispatch/server/internal/versions"
	"github.com/marcopiovanello/engine-dispatch/server/updater"
)

type fakeScheduler struct {
	mu        sync.Mutex
	states    map[string]internal.DownloadState
	order     []string
	cancelled []string
	limit     int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{states: map[string]internal.DownloadState{}, limit: 2}
}

func (f *fakeScheduler) Submit(req internal.DownloadRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.URL == "ftp://nothing" {
		return "", fmt.Errorf("%w: %s", internal.ErrNoEngineMatched, req.URL)
	}
	id := fmt.Sprintf("id-%d", len(f.order))
	f.order = append(f.order, id)
	f.states[id] = internal.DownloadState{Id: id, URL: req.URL, Status: internal.StatusPending}
	return id, nil
}

func (f *fakeScheduler) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return internal.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeScheduler) Forget(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return internal.ErrNotFound
	}
	if !st.Status.IsTerminal() {
		return queue.ErrNotFinished
	}
	delete(f.states, id)
	return nil
}

func (f *fakeScheduler) Get(id string) (internal.DownloadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return st, internal.ErrNotFound
	}
	return st, nil
}

func (f *fakeScheduler) Snapshot() []internal.DownloadState {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []internal.DownloadState
	for _, id := range f.order {
		out = append(out, f.states[id])
	}
	return out
}

func (f *fakeScheduler) SetConcurrencyLimit(n int) error {
	if n < 1 {
		return queue.ErrInvalidLimit
	}
	f.mu.Lock()
	f.limit = n
	f.mu.Unlock()
	return nil
}

func (f *fakeScheduler) ConcurrencyLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

type fakeEngines struct {
	defs     []engines.Definition
	reloaded int
}

func (f *fakeEngines) All() []engines.Definition { return f.defs }

func (f *fakeEngines) Get(name string) (engines.Definition, bool) {
	for _, d := range f.defs {
		if d.Name == name {
			return d, true
		}
	}
	return engines.Definition{}, false
}

func (f *fakeEngines) Reload() []error {
	f.reloaded++
	return []error{errors.New("broken.yaml: invalid engine definition")}
}

type fakeVersions []versions.Record

func (f fakeVersions) All() []versions.Record { return f }

type fakeUpdater struct {
	err    error
	probed *int
}

func (f fakeUpdater) Probe(ctx context.Context, defs []engines.Definition) []versions.Record {
	if f.probed != nil {
		*f.probed += len(defs)
	}
	return nil
}

func (f fakeUpdater) Update(ctx context.Context, d engines.Definition) (updater.Outcome, error) {
	if f.err != nil {
		return updater.Outcome{Engine: d.Name}, f.err
	}
	return updater.Outcome{Engine: d.Name, Previous: "1.0", Current: "2.0", Updated: true}, nil
}

type fakeArchive struct{ n int }

func (f *fakeArchive) Clear() error { f.n = 0; return nil }
func (f *fakeArchive) Len() int     { return f.n }

type fixture struct {
	sched   *fakeScheduler
	engines *fakeEngines
	archive *fakeArchive
	router  chi.Router
}

func newFixture(up Updater) *fixture {
	f := &fixture{
		sched:   newFakeScheduler(),
		engines: &fakeEngines{defs: []engines.Definition{{Name: "yt-dlp", Executable: "yt-dlp"}}},
		archive: &fakeArchive{n: 3},
	}

	svc := NewService(&ContainerArgs{
		Scheduler: f.sched,
		Engines:   f.engines,
		Versions:  fakeVersions{{Engine: "yt-dlp", Installed: "1.0", Latest: "2.0"}},
		Updater:   up,
		Archive:   f.archive,
	})

	f.router = chi.NewRouter()
	f.router.Route("/api/v1", routes(&Handler{service: svc}))

	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestSubmitAndList(t *testing.T) {
	f := newFixture(fakeUpdater{})

	rec := f.do(t, http.MethodPost, "/api/v1/downloads", internal.DownloadRequest{URL: "https://example.com/v"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}

	var created map[string]string
	json.NewDecoder(rec.Body).Decode(&created)
	if created["id"] == "" {
		t.Fatal("missing id")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/downloads", nil)
	var states []internal.DownloadState
	json.NewDecoder(rec.Body).Decode(&states)
	if len(states) != 1 || states[0].Id != created["id"] {
		t.Errorf("unexpected snapshot %+v", states)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/downloads/"+created["id"], nil)
	if rec.Code != http.StatusOK {
		t.Errorf("unexpected status %d", rec.Code)
	}
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(fakeUpdater{})

	tests := []struct {
		name string
		body any
		want int
		kind string
	}{
		{"missing url", internal.DownloadRequest{}, http.StatusBadRequest, ""},
		{"malformed", "not an object", http.StatusBadRequest, ""},
		{"no engine", internal.DownloadRequest{URL: "ftp://nothing"}, http.StatusUnprocessableEntity, "NoEngineMatched"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/downloads", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("got %d, want %d", rec.Code, tt.want)
			}
			var res errorResponse
			json.NewDecoder(rec.Body).Decode(&res)
			if res.Kind != tt.kind {
				t.Errorf("got kind %q, want %q", res.Kind, tt.kind)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(fakeUpdater{})
	id, _ := f.sched.Submit(internal.DownloadRequest{URL: "https://example.com/v"})

	if rec := f.do(t, http.MethodDelete, "/api/v1/downloads/"+id, nil); rec.Code != http.StatusAccepted {
		t.Errorf("unexpected status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/downloads/unknown", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unexpected status %d", rec.Code)
	}
	if len(f.sched.cancelled) != 1 || f.sched.cancelled[0] != id {
		t.Errorf("unexpected cancellations %v", f.sched.cancelled)
	}
}

func TestCancelAllSkipsFinished(t *testing.T) {
	f := newFixture(fakeUpdater{})
	a, _ := f.sched.Submit(internal.DownloadRequest{URL: "https://example.com/a"})
	b, _ := f.sched.Submit(internal.DownloadRequest{URL: "https://example.com/b"})

	done := f.sched.states[b]
	done.Status = internal.StatusSucceeded
	f.sched.states[b] = done

	if rec := f.do(t, http.MethodDelete, "/api/v1/downloads", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if len(f.sched.cancelled) != 1 || f.sched.cancelled[0] != a {
		t.Errorf("unexpected cancellations %v", f.sched.cancelled)
	}
}

func TestConcurrency(t *testing.T) {
	f := newFixture(fakeUpdater{})

	rec := f.do(t, http.MethodPut, "/api/v1/concurrency", concurrency{Limit: 5})
	if rec.Code != http.StatusOK || f.sched.ConcurrencyLimit() != 5 {
		t.Fatalf("limit not applied: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/concurrency", concurrency{Limit: 0})
	if rec.Code != http.StatusBadRequest || f.sched.ConcurrencyLimit() != 5 {
		t.Errorf("invalid limit accepted: %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/concurrency", nil)
	var got concurrency
	json.NewDecoder(rec.Body).Decode(&got)
	if got.Limit != 5 {
		t.Errorf("unexpected limit %d", got.Limit)
	}
}

func TestEngines(t *testing.T) {
	var probed int
	f := newFixture(fakeUpdater{probed: &probed})

	rec := f.do(t, http.MethodPost, "/api/v1/engines/reload", nil)
	var res struct {
		Engines []engines.Definition `json:"engines"`
		Skipped []string             `json:"skipped"`
	}
	json.NewDecoder(rec.Body).Decode(&res)
	if f.engines.reloaded != 1 || len(res.Engines) != 1 || len(res.Skipped) != 1 {
		t.Errorf("unexpected reload response %+v", res)
	}
	if probed != 1 {
		t.Errorf("reloaded engines should be probed, got %d probes", probed)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/engines/yt-dlp/update", nil)
	var out updater.Outcome
	json.NewDecoder(rec.Body).Decode(&out)
	if rec.Code != http.StatusOK || !out.Updated || out.Current != "2.0" {
		t.Errorf("unexpected update response %d %+v", rec.Code, out)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/engines/missing/update", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unexpected status for unknown engine %d", rec.Code)
	}
}

func TestUpdateNetworkError(t *testing.T) {
	f := newFixture(fakeUpdater{err: fmt.Errorf("%w: connection refused", internal.ErrNetwork)})

	rec := f.do(t, http.MethodPost, "/api/v1/engines/yt-dlp/update", nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("unexpected status %d", rec.Code)
	}
}

func TestVersionsAndArchive(t *testing.T) {
	f := newFixture(fakeUpdater{})

	rec := f.do(t, http.MethodGet, "/api/v1/versions", nil)
	var recs []versions.Record
	json.NewDecoder(rec.Body).Decode(&recs)
	if len(recs) != 1 || recs[0].Latest != "2.0" {
		t.Errorf("unexpected versions %+v", recs)
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/archive", nil)
	var cleared map[string]int
	json.NewDecoder(rec.Body).Decode(&cleared)
	if cleared["removed"] != 3 || f.archive.Len() != 0 {
		t.Errorf("archive not cleared: %v", cleared)
	}
}

func TestForget(t *testing.T) {
	f := newFixture(fakeUpdater{})
	id, _ := f.sched.Submit(internal.DownloadRequest{URL: "https://example.com/v"})

	if rec := f.do(t, http.MethodPost, "/api/v1/downloads/"+id+"/forget", nil); rec.Code != http.StatusConflict {
		t.Errorf("pending request should not be forgotten: %d", rec.Code)
	}

	st := f.sched.states[id]
	st.Status = internal.StatusFailed
	f.sched.states[id] = st

	if rec := f.do(t, http.MethodPost, "/api/v1/downloads/"+id+"/forget", nil); rec.Code != http.StatusNoContent {
		t.Errorf("unexpected status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/downloads/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("forgotten request still visible: %d", rec.Code)
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/marcopiovanello/engine-dispatch/server/archiver"
	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/kv"
	"github.com/marcopiovanello/engine-dispatch/server/internal/parser"
	"github.com/marcopiovanello/engine-dispatch/server/internal/router"
	"github.com/marcopiovanello/engine-dispatch/server/internal/session"
	"golang.org/x/time/rate"
)

const stateTopic = "download:state"

var (
	ErrStopped      = errors.New("scheduler is shutting down")
	ErrInvalidLimit = errors.New("concurrency limit must be at least 1")
	ErrNotFinished  = errors.New("download has not finished yet")
)

type Definitions interface {
	All() []engines.Definition
}

type Archive interface {
	Contains(id string) bool
	Add(id string) error
}

type Config struct {
	Limit int
	// inactivity timeout of a session
	Timeout     time.Duration
	GracePeriod time.Duration
	// root directory of downloads
	DownloadPath string
	// record successful downloads in the archive
	AutoArchive bool
}

type job struct {
	req       internal.DownloadRequest
	state     internal.DownloadState
	def       engines.Definition
	archiveID string

	proc Process

	// cancelled by the user, as opposed to interrupted by a shutdown
	cancelRequested bool
	interrupted     bool
	// the engine reported the item as already downloaded
	archived  bool
	lastError string
	finished  bool

	progressLog rate.Sometimes
}

// Scheduler admits download requests in FIFO order, at most limit of them
// running at a time. All of its state is owned by a single coordinator
// goroutine, every mutation is a func executed there.
type Scheduler struct {
	cfg      Config
	engines  Definitions
	versions router.VersionLookup
	archive  Archive
	launcher Launcher
	table    *kv.Store
	bus      evbus.Bus

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}
	drained chan struct{}

	// state changes on their way to the bus, see relay
	updates   chan internal.DownloadState
	published chan internal.DownloadState
	delivered chan struct{}

	// coordinator owned
	limit   int
	pending []*job
	running map[string]*job
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(
	cfg Config,
	defs Definitions,
	lookup router.VersionLookup,
	archive Archive,
	launcher Launcher,
	table *kv.Store,
) *Scheduler {
	if cfg.Limit < 1 {
		cfg.Limit = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:      cfg,
		engines:  defs,
		versions: lookup,
		archive:  archive,
		launcher: launcher,
		table:    table,
		bus:      evbus.New(),
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		drained:  make(chan struct{}),

		updates:   make(chan internal.DownloadState),
		published: make(chan internal.DownloadState),
		delivered: make(chan struct{}),

		limit:   cfg.Limit,
		running: make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}

	go s.loop()
	go s.relay()
	go s.publish()

	return s
}

// relay buffers the state changes committed by the coordinator until the
// publisher takes them. It never blocks on the publisher, so a subscriber
// calling back into the scheduler cannot stall the coordinator.
func (s *Scheduler) relay() {
	defer close(s.published)

	var backlog []internal.DownloadState

	for {
		var (
			out  chan internal.DownloadState
			next internal.DownloadState
		)
		if len(backlog) > 0 {
			out = s.published
			next = backlog[0]
		}

		select {
		case st, ok := <-s.updates:
			if !ok {
				for _, st := range backlog {
					s.published <- st
				}
				return
			}
			backlog = append(backlog, st)
		case out <- next:
			backlog[0] = internal.DownloadState{}
			backlog = backlog[1:]
		}
	}
}

// publish delivers the changes in commit order. Transactional handlers
// see them one at a time.
func (s *Scheduler) publish() {
	defer close(s.delivered)
	for st := range s.published {
		s.bus.Publish(stateTopic, st)
	}
	s.bus.WaitAsync()
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the coordinator and waits for it.
func (s *Scheduler) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// post hands fn to the coordinator without waiting for it.
func (s *Scheduler) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.stopped:
	}
}

// Submit resolves the engine of req and enqueues it. Requests for which no
// engine can be resolved are rejected and never enter the queue.
func (s *Scheduler) Submit(req internal.DownloadRequest) (string, error) {
	j, err := s.prepare(req)
	if err != nil {
		return "", err
	}

	err = s.do(func() {
		if s.closing {
			err = ErrStopped
			return
		}
		s.enqueue(j)
	})

	return j.req.Id, err
}

func (s *Scheduler) prepare(req internal.DownloadRequest) (*job, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("%w: empty url", internal.ErrNoEngineMatched)
	}
	if req.Id == "" {
		req.Id = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = internal.ModeDownload
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.Params = argsSanitizer(req.Params)

	res, err := router.Resolve(req.URL, s.engines.All(), req.EngineOverride, s.versions)
	if err != nil {
		return nil, err
	}

	def, ok := pick(res.Candidates, req.Mode)
	if !ok {
		return nil, fmt.Errorf("%w: no engine for %s supports list mode", internal.ErrNoEngineMatched, req.URL)
	}

	archiveID := req.ArchiveID
	if archiveID == "" {
		archiveID = archiver.Identifier(def, req.URL)
	}

	return &job{
		req:       req,
		def:       def,
		archiveID: archiveID,
		state: internal.DownloadState{
			Id:        req.Id,
			URL:       req.URL,
			Engine:    def.Name,
			Mode:      req.Mode,
			Status:    internal.StatusPending,
			Progress:  internal.DownloadProgress{Percent: -1},
			Warning:   res.Warning,
			CreatedAt: req.CreatedAt,
		},
		progressLog: rate.Sometimes{Interval: time.Second},
	}, nil
}

func pick(candidates []engines.Definition, mode internal.Mode) (engines.Definition, bool) {
	if mode != internal.ModeList {
		return candidates[0], true
	}
	for _, d := range candidates {
		if d.SupportsList() {
			return d, true
		}
	}
	return engines.Definition{}, false
}

func (s *Scheduler) enqueue(j *job) {
	s.pending = append(s.pending, j)
	s.commit(j)

	slog.Info("download queued",
		slog.String("id", j.req.Id),
		slog.String("url", j.req.URL),
		slog.String("engine", j.def.Name),
	)

	s.admit()
}

// admit starts pending requests, head first, while slots are free.
func (s *Scheduler) admit() {
	for !s.closing && len(s.running) < s.limit && len(s.pending) > 0 {
		j := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]

		if j.req.Mode == internal.ModeDownload && !j.req.Force && s.archive != nil && s.archive.Contains(j.archiveID) {
			slog.Info("already in archive, skipping",
				slog.String("id", j.req.Id),
				slog.String("archive_id", j.archiveID),
			)
			s.finish(j, internal.StatusSkippedArchived, nil, "")
			continue
		}

		s.start(j)
	}
}

func (s *Scheduler) start(j *job) {
	dest := destination(j.req, s.cfg.DownloadPath)

	opts := session.Options{
		Timeout:     s.cfg.Timeout,
		GracePeriod: s.cfg.GracePeriod,
	}
	// engines without an output option write to their working directory
	if j.def.OutputOption == "" && j.req.Mode == internal.ModeDownload {
		opts.Dir = dest
	}

	if dest != "" && j.req.Mode == internal.ModeDownload {
		if err := os.MkdirAll(dest, os.ModePerm); err != nil {
			err = fmt.Errorf("%w: %w", internal.ErrLaunchFailed, err)
			s.finish(j, internal.StatusFailed, err, err.Error())
			return
		}
	}

	args := buildArgs(j.def, j.req, dest)

	slog.Info("requesting download",
		slog.String("id", j.req.Id),
		slog.String("engine", j.def.Name),
		slog.Any("params", args),
	)

	proc, err := s.launcher.Launch(s.ctx, j.def, args, opts)
	if err != nil {
		slog.Error("failed to start engine",
			slog.String("id", j.req.Id),
			slog.String("engine", j.def.Name),
			slog.Any("err", err),
		)
		s.finish(j, internal.StatusFailed, err, err.Error())
		return
	}

	j.proc = proc
	j.state.Status = internal.StatusRunning
	j.state.StartedAt = time.Now()
	s.running[j.req.Id] = j
	s.commit(j)

	go s.work(j, proc)
}

// work drains the session of one request, parsing stdout and stderr
// independently, and forwards the results to the coordinator.
func (s *Scheduler) work(j *job, proc Process) {
	var stdout, stderr parser.State

	for ev := range proc.Events() {
		if ev.Terminal {
			_, a := parser.Flush(stdout)
			_, b := parser.Flush(stderr)
			rest := append(a, b...)
			s.post(func() {
				s.apply(j, rest)
				s.exited(j, ev)
			})
			return
		}

		var parsed []parser.Event
		if ev.Stream == session.Stdout {
			stdout, parsed = parser.Consume(ev.Chunk, stdout)
		} else {
			stderr, parsed = parser.Consume(ev.Chunk, stderr)
		}

		if len(parsed) > 0 {
			s.post(func() { s.apply(j, parsed) })
		}
	}

	// closed without a terminal event
	s.post(func() {
		s.exited(j, session.Event{Terminal: true, State: session.StateCrashed, ExitCode: -1, Err: internal.ErrCrashed})
	})
}

func (s *Scheduler) apply(j *job, events []parser.Event) {
	if j.finished || len(events) == 0 {
		return
	}

	changed := false

	for _, ev := range events {
		switch ev.Kind {
		case parser.KindProgress:
			j.state.Progress = ev.Progress
			changed = true
			j.progressLog.Do(func() {
				slog.Info("download progress",
					slog.String("id", j.req.Id),
					slog.Float64("percent", ev.Progress.Percent),
					slog.String("speed", ev.Progress.Speed),
					slog.String("eta", ev.Progress.ETA),
				)
			})
		case parser.KindFormat:
			j.state.Formats = append(j.state.Formats, ev.Format)
			changed = true
		case parser.KindAlreadyInArchive:
			j.archived = true
		case parser.KindEngineError:
			j.lastError = ev.Message
			slog.Error("engine error",
				slog.String("id", j.req.Id),
				slog.String("engine", j.def.Name),
				slog.String("err", ev.Message),
			)
		case parser.KindRequiresUpdate:
			j.state.RequiresUpdate = ev.RequiredVersion
			changed = true
		default:
			slog.Debug("engine output", slog.String("id", j.req.Id), slog.String("line", ev.Line))
		}
	}

	if changed {
		s.commit(j)
	}
}

// exited records the terminal state of a running request. The first
// terminal event wins, anything observed later is discarded.
func (s *Scheduler) exited(j *job, ev session.Event) {
	if j.finished {
		return
	}

	delete(s.running, j.req.Id)

	code := ev.ExitCode
	j.state.ExitCode = &code

	switch {
	case ev.State == session.StateCancelled && j.interrupted && !j.cancelRequested:
		// resumed on the next start
		j.proc = nil
		j.state.Status = internal.StatusPending
		j.state.Reason = "interrupted by shutdown"
		j.state.ExitCode = nil
		j.state.Progress = internal.DownloadProgress{Percent: -1}
		s.commit(j)

	case ev.State == session.StateCancelled:
		s.finish(j, internal.StatusCancelled, nil, "")

	case ev.State == session.StateTimedOut:
		reason := fmt.Sprintf("engine unresponsive for %s", s.cfg.Timeout)
		if j.lastError != "" {
			reason += ": " + j.lastError
		}
		s.finish(j, internal.StatusFailed, internal.ErrUnresponsive, reason)

	case ev.State == session.StateCompleted && code == 0:
		if j.archived {
			s.finish(j, internal.StatusSkippedArchived, nil, "")
			break
		}
		s.record(j)
		j.state.Progress.Percent = 100
		s.finish(j, internal.StatusSucceeded, nil, "")

	default:
		reason := j.lastError
		if reason == "" {
			reason = "engine crashed"
		}
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("%w: exit code %d", internal.ErrCrashed, code)
		}
		s.finish(j, internal.StatusFailed, err, reason)
	}

	if s.closing && len(s.running) == 0 {
		s.markDrained()
	}

	s.admit()
}

func (s *Scheduler) record(j *job) {
	if !s.cfg.AutoArchive || s.archive == nil || j.req.Mode != internal.ModeDownload {
		return
	}
	if err := s.archive.Add(j.archiveID); err != nil {
		slog.Error("failed to record download in archive",
			slog.String("id", j.req.Id),
			slog.String("archive_id", j.archiveID),
			slog.Any("err", err),
		)
		j.state.Warning = "archive: " + err.Error()
	}
}

func (s *Scheduler) finish(j *job, status internal.Status, err error, reason string) {
	j.finished = true
	j.proc = nil
	j.state.Status = status
	j.state.FinishedAt = time.Now()
	j.state.Reason = reason
	j.state.ErrorKind = internal.Kind(err)

	s.commit(j)

	slog.Info("download finished",
		slog.String("id", j.req.Id),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
}

// commit makes the current state of j visible to readers and observers.
func (s *Scheduler) commit(j *job) {
	s.table.Set(j.req, j.state)
	s.updates <- j.state.Clone()
}

// Cancel removes a pending request from the queue or terminates the
// session of a running one. The request becomes cancelled once the
// session confirms termination. Cancelling a finished request is a no-op.
func (s *Scheduler) Cancel(id string) error {
	var err error

	doErr := s.do(func() {
		for i, j := range s.pending {
			if j.req.Id != id {
				continue
			}
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.finish(j, internal.StatusCancelled, nil, "")
			return
		}

		if j, ok := s.running[id]; ok {
			if !j.cancelRequested {
				j.cancelRequested = true
				go j.proc.Cancel()
			}
			return
		}

		if _, getErr := s.table.Get(id); getErr != nil {
			err = getErr
		}
	})

	if doErr != nil {
		return doErr
	}
	return err
}

// Forget drops a finished request from the table. Requests still pending
// or running are kept.
func (s *Scheduler) Forget(id string) error {
	var err error

	doErr := s.do(func() {
		st, getErr := s.table.Get(id)
		if getErr != nil {
			err = getErr
			return
		}
		if !st.Status.IsTerminal() {
			err = fmt.Errorf("%w: %s is %s", ErrNotFinished, id, st.Status)
			return
		}
		s.table.Delete(id)
	})

	if doErr != nil {
		return doErr
	}
	return err
}

// SetConcurrencyLimit changes the number of running slots. Requests
// already running are never preempted.
func (s *Scheduler) SetConcurrencyLimit(n int) error {
	if n < 1 {
		return ErrInvalidLimit
	}
	return s.do(func() {
		s.limit = n
		slog.Info("concurrency limit changed", slog.Int("limit", n))
		s.admit()
	})
}

func (s *Scheduler) ConcurrencyLimit() int {
	var n int
	if err := s.do(func() { n = s.limit }); err != nil {
		return s.cfg.Limit
	}
	return n
}

// Subscribe registers fn to be called asynchronously with a copy of every
// DownloadState change.
func (s *Scheduler) Subscribe(fn func(internal.DownloadState)) error {
	return s.bus.SubscribeAsync(stateTopic, fn, true)
}

func (s *Scheduler) Unsubscribe(fn func(internal.DownloadState)) error {
	return s.bus.Unsubscribe(stateTopic, fn)
}

func (s *Scheduler) Get(id string) (internal.DownloadState, error) {
	return s.table.Get(id)
}

// Snapshot returns the state of every known request, oldest first.
func (s *Scheduler) Snapshot() []internal.DownloadState {
	return s.table.All()
}

func (s *Scheduler) Counts() internal.Counts {
	var c internal.Counts
	for _, st := range s.table.All() {
		c.Total++
		switch st.Status {
		case internal.StatusPending:
			c.NotStarted++
		case internal.StatusRunning:
			c.Running++
		case internal.StatusSucceeded:
			c.Succeeded++
		case internal.StatusFailed:
			c.Failed++
		case internal.StatusCancelled:
			c.Cancelled++
		case internal.StatusSkippedArchived:
			c.Skipped++
		}
	}
	return c
}

// Restore brings back a persisted session: finished requests are kept as
// history, the others are queued again in their original order.
func (s *Scheduler) Restore(entries []kv.Entry) {
	for _, e := range entries {
		if e.State.Status.IsTerminal() {
			s.table.Set(e.Request, e.State)
			continue
		}

		j, err := s.prepare(e.Request)
		if err != nil {
			slog.Warn("failed to restore download",
				slog.String("id", e.Request.Id),
				slog.Any("err", err),
			)
			state := e.State
			state.Status = internal.StatusFailed
			state.Reason = err.Error()
			state.ErrorKind = internal.Kind(err)
			state.FinishedAt = time.Now()
			s.table.Set(e.Request, state)
			continue
		}

		if err := s.do(func() {
			if !s.closing {
				s.enqueue(j)
			}
		}); err != nil {
			return
		}
	}
}

func (s *Scheduler) markDrained() {
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
}

// Shutdown stops admitting requests and terminates the running sessions.
// Interrupted requests go back to pending so that a persisted session
// resumes them. It returns once every session is gone or ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	err := s.do(func() {
		s.closing = true
		for _, j := range s.running {
			j.interrupted = true
			go j.proc.Cancel()
		}
		if len(s.running) == 0 {
			s.markDrained()
		}
	})
	if err != nil {
		return nil
	}

	select {
	case <-s.drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.cancel()
	close(s.quit)
	<-s.stopped

	// the coordinator is gone, nothing commits anymore
	close(s.updates)
	select {
	case <-s.delivered:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	return err
}

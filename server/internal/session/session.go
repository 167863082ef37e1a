package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"golang.org/x/sys/unix"
)

type State int

const (
	StateSpawned State = iota
	StateRunning
	StateCompleted
	StateCrashed
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCrashed:
		return "crashed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timedOut"
	}
	return "unknown"
}

func (s State) IsTerminal() bool { return s >= StateCompleted }

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Event is either a raw output chunk of one stream or, exactly once and
// last, the terminal event of the session.
type Event struct {
	Stream   Stream
	Chunk    []byte
	Terminal bool
	State    State
	ExitCode int
	Err      error
}

type Options struct {
	Dir   string
	Env   []string
	Stdin io.Reader
	// no output and no exit within Timeout makes the engine unresponsive,
	// zero disables the watchdog
	Timeout time.Duration
	// time between SIGTERM and SIGKILL on cancellation
	GracePeriod time.Duration
}

const (
	readBufferSize     = 32 * 1024
	defaultGracePeriod = 5 * time.Second
)

type stopReason int

const (
	reasonNone stopReason = iota
	reasonCancel
	reasonTimeout
)

type exitInfo struct {
	code int
	err  error
	// exited on its own, as opposed to being killed by a signal
	exited bool
}

// Session supervises one engine process.
type Session struct {
	cmd  *exec.Cmd
	opts Options

	events    chan Event
	raw       chan Event
	exitCh    chan exitInfo
	cancelReq chan chan bool
	exited    chan struct{}
	done      chan struct{}

	mu     sync.Mutex
	state  State
	reason stopReason
	result Event
}

// StartEngine locates the executable of d and starts it with args.
func StartEngine(ctx context.Context, d engines.Definition, binDir string, args []string, opts Options) (*Session, error) {
	exe, err := d.ExecutablePath(binDir)
	if err != nil {
		return nil, err
	}
	return Start(ctx, exe, args, opts)
}

// Start spawns exe in its own process group. The returned session emits
// the output of the process on Events until it terminates. Cancelling ctx
// is equivalent to calling Cancel.
func Start(ctx context.Context, exe string, args []string, opts Options) (*Session, error) {
	if _, err := exec.LookPath(exe); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", internal.ErrExecutableNotFound, exe, err)
	}

	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	// engines may spawn children (yt-dlp runs ffmpeg), cancellation must
	// reach the whole process group
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", internal.ErrLaunchFailed, err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", internal.ErrLaunchFailed, err)
	}

	s := &Session{
		cmd:       cmd,
		opts:      opts,
		events:    make(chan Event, 64),
		raw:       make(chan Event),
		exitCh:    make(chan exitInfo, 1),
		cancelReq: make(chan chan bool),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateSpawned,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", internal.ErrLaunchFailed, exe, err)
	}

	slog.Debug("engine process started",
		slog.String("exe", exe),
		slog.Int("pid", cmd.Process.Pid),
		slog.Any("args", args),
	)

	s.setState(StateRunning)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.read(stdout, Stdout, &readers)
	go s.read(stderr, Stderr, &readers)
	go s.wait(&readers)
	go s.pump()

	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()

	return s, nil
}

func (s *Session) read(r io.Reader, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.raw <- Event{Stream: stream, Chunk: chunk}
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the process once both streams are drained.
func (s *Session) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := s.cmd.Wait()

	info := exitInfo{err: err, code: -1}
	if ps := s.cmd.ProcessState; ps != nil {
		info.code = ps.ExitCode()
		info.exited = ps.Exited()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		info.exited = false
	}

	close(s.exited)
	s.exitCh <- info
}

// pump is the only goroutine sending on s.events.
func (s *Session) pump() {
	var (
		suppressed bool
		timer      *time.Timer
		timeout    <-chan time.Time
	)

	if s.opts.Timeout > 0 {
		timer = time.NewTimer(s.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	stop := func(reason stopReason) {
		suppressed = true
		s.mu.Lock()
		if s.reason == reasonNone {
			s.reason = reason
		}
		s.mu.Unlock()
	}

	// a process that already exited keeps its own outcome, the output
	// still pending in the pipes is delivered as usual
	cancel := func(ack chan bool) {
		if hasExited(s.cmd.Process.Pid) {
			ack <- false
			return
		}
		stop(reasonCancel)
		ack <- true
	}

	for {
		select {
		case ev := <-s.raw:
			if timer != nil && !suppressed {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.opts.Timeout)
			}
			if suppressed {
				continue
			}
			for sent := false; !sent && !suppressed; {
				select {
				case s.events <- ev:
					sent = true
				case ack := <-s.cancelReq:
					cancel(ack)
				}
			}

		case ack := <-s.cancelReq:
			if suppressed {
				ack <- true
				continue
			}
			cancel(ack)

		case <-timeout:
			timeout = nil
			if suppressed {
				continue
			}
			stop(reasonTimeout)
			slog.Warn("engine unresponsive, terminating",
				slog.Int("pid", s.cmd.Process.Pid),
				slog.Duration("timeout", s.opts.Timeout),
			)
			go s.terminate()

		case info := <-s.exitCh:
			final := s.finish(info)
			s.events <- final
			close(s.events)
			close(s.done)
			return
		}
	}
}

func (s *Session) finish(info exitInfo) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{Terminal: true, ExitCode: info.code}

	switch {
	case s.reason == reasonTimeout:
		ev.State = StateTimedOut
		ev.Err = internal.ErrUnresponsive
	case s.reason == reasonCancel:
		ev.State = StateCancelled
		ev.Err = context.Canceled
	case info.exited:
		ev.State = StateCompleted
	default:
		ev.State = StateCrashed
		ev.Err = internal.ErrCrashed
		if info.err != nil {
			ev.Err = fmt.Errorf("%w: %w", internal.ErrCrashed, info.err)
		}
	}

	s.state = ev.State
	s.result = ev
	return ev
}

// Events streams the output chunks followed by one terminal event, then
// it is closed.
func (s *Session) Events() <-chan Event { return s.events }

// Cancel terminates the process group: SIGTERM first, SIGKILL after the
// grace period. It returns once the process is gone (or the kill was
// sent and a second grace period elapsed). No output event is delivered
// after Cancel returns. Calling it again, or after the process exited, is
// a no-op.
func (s *Session) Cancel() error {
	ack := make(chan bool, 1)

	select {
	case s.cancelReq <- ack:
		if !<-ack {
			return nil
		}
	case <-s.done:
		return nil
	}

	s.terminate()
	return nil
}

func (s *Session) terminate() {
	select {
	case <-s.exited:
		return
	default:
	}

	if err := s.signal(unix.SIGTERM); err != nil {
		slog.Warn("failed to send SIGTERM to engine", slog.Any("err", err))
	}

	select {
	case <-s.exited:
		return
	case <-time.After(s.opts.GracePeriod):
	}

	slog.Warn("engine ignored SIGTERM, killing", slog.Int("pid", s.cmd.Process.Pid))

	if err := s.signal(unix.SIGKILL); err != nil {
		slog.Warn("failed to send SIGKILL to engine", slog.Any("err", err))
	}

	select {
	case <-s.exited:
	case <-time.After(s.opts.GracePeriod):
		slog.Error("engine still not reaped after SIGKILL", slog.Int("pid", s.cmd.Process.Pid))
	}
}

func (s *Session) signal(sig unix.Signal) error {
	pid := s.cmd.Process.Pid

	pgid, err := unix.Getpgid(pid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Wait blocks until the terminal event has been emitted and returns it.
func (s *Session) Wait() Event {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) Pid() int { return s.cmd.Process.Pid }

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
)

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type output struct {
	stdout   strings.Builder
	stderr   strings.Builder
	terminal Event
	count    int
}

func collect(t *testing.T, s *Session) *output {
	t.Helper()
	out := &output{}
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				if out.count != 1 {
					t.Fatalf("expected exactly one terminal event, got %d", out.count)
				}
				return out
			}
			if ev.Terminal {
				out.count++
				out.terminal = ev
				continue
			}
			if out.count > 0 {
				t.Fatal("output after the terminal event")
			}
			if ev.Stream == Stdout {
				out.stdout.Write(ev.Chunk)
			} else {
				out.stderr.Write(ev.Chunk)
			}
		case <-timeout:
			t.Fatal("session did not terminate")
		}
	}
}

func TestCompleted(t *testing.T) {
	exe := script(t, `echo "to stdout"; echo "to stderr" >&2; exit 0`)

	s, err := Start(context.Background(), exe, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	out := collect(t, s)

	if out.terminal.State != StateCompleted || out.terminal.ExitCode != 0 {
		t.Errorf("unexpected terminal event %+v", out.terminal)
	}
	if out.stdout.String() != "to stdout\n" {
		t.Errorf("unexpected stdout %q", out.stdout.String())
	}
	if out.stderr.String() != "to stderr\n" {
		t.Errorf("unexpected stderr %q", out.stderr.String())
	}
	if s.State() != StateCompleted {
		t.Errorf("unexpected state %s", s.State())
	}
}

func TestNonZeroExit(t *testing.T) {
	exe := script(t, `echo "ERROR: boom" >&2; exit 3`)

	s, err := Start(context.Background(), exe, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	out := collect(t, s)
	if out.terminal.State != StateCompleted || out.terminal.ExitCode != 3 {
		t.Errorf("unexpected terminal event %+v", out.terminal)
	}
}

func TestArgumentsArePassed(t *testing.T) {
	exe := script(t, `for a in "$@"; do echo "$a"; done`)

	s, err := Start(context.Background(), exe, []string{"-f", "best video", "https://example.com"}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	out := collect(t, s)
	if out.stdout.String() != "-f\nbest video\nhttps://example.com\n" {
		t.Errorf("unexpected arguments %q", out.stdout.String())
	}
}

func TestCrashed(t *testing.T) {
	exe := script(t, `echo partial; kill -9 $$`)

	s, err := Start(context.Background(), exe, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	out := collect(t, s)
	if out.terminal.State != StateCrashed {
		t.Errorf("expected crashed, got %s", out.terminal.State)
	}
	if !errors.Is(out.terminal.Err, internal.ErrCrashed) {
		t.Errorf("expected ErrCrashed, got %v", out.terminal.Err)
	}
	if out.stdout.String() != "partial\n" {
		t.Errorf("output before the crash should be delivered, got %q", out.stdout.String())
	}
}

func TestCancelEscalatesToKill(t *testing.T) {
	exe := script(t, `trap '' TERM; while true; do echo tick; sleep 0.05; done`)

	s, err := Start(context.Background(), exe, nil, Options{GracePeriod: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	// wait for the engine to be producing output
	select {
	case <-s.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no output from engine")
	}

	start := time.Now()
	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("SIGTERM is ignored, cancel should have waited for the grace period")
	}

	// buffered chunks sent before Cancel returned may still be queued, the
	// terminal event must follow them directly and nothing is emitted after
	for ev := range s.Events() {
		if ev.Terminal {
			if ev.State != StateCancelled {
				t.Errorf("expected cancelled, got %s", ev.State)
			}
			break
		}
	}

	if err := s.Cancel(); err != nil {
		t.Errorf("second cancel should be a no-op, got %v", err)
	}
}

func TestNoOutputAfterCancel(t *testing.T) {
	exe := script(t, `while true; do echo tick; sleep 0.01; done`)

	s, err := Start(context.Background(), exe, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	<-s.Events()

	// stop draining while cancelling, then count what was queued before
	s.Cancel()
	queued := len(s.Events())

	var chunks int
	for ev := range s.Events() {
		if !ev.Terminal {
			chunks++
		}
	}

	if chunks > queued {
		t.Errorf("%d chunks were emitted after cancel returned", chunks-queued)
	}
	if s.Wait().State != StateCancelled {
		t.Errorf("expected cancelled, got %s", s.Wait().State)
	}
}

func TestInactivityTimeout(t *testing.T) {
	exe := script(t, `echo started; sleep 30`)

	s, err := Start(context.Background(), exe, nil, Options{
		Timeout:     300 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	out := collect(t, s)
	if out.terminal.State != StateTimedOut {
		t.Errorf("expected timedOut, got %s", out.terminal.State)
	}
	if !errors.Is(out.terminal.Err, internal.ErrUnresponsive) {
		t.Errorf("expected ErrUnresponsive, got %v", out.terminal.Err)
	}
}

func TestOutputKeepsWatchdogQuiet(t *testing.T) {
	exe := script(t, `for i in 1 2 3 4 5 6; do echo $i; sleep 0.1; done`)

	s, err := Start(context.Background(), exe, nil, Options{Timeout: 400 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	out := collect(t, s)
	if out.terminal.State != StateCompleted {
		t.Errorf("steady output must not time out, got %s", out.terminal.State)
	}
}

func TestContextCancellation(t *testing.T) {
	exe := script(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, exe, nil, Options{GracePeriod: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	cancel()

	out := collect(t, s)
	if out.terminal.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", out.terminal.State)
	}
}

func TestExecutableNotFound(t *testing.T) {
	_, err := Start(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, Options{})
	if !errors.Is(err, internal.ErrExecutableNotFound) {
		t.Errorf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestLaunchFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-executable")
	if err := os.WriteFile(path, []byte("garbage"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := Start(context.Background(), path, nil, Options{})
	if !errors.Is(err, internal.ErrLaunchFailed) {
		t.Errorf("expected ErrLaunchFailed, got %v", err)
	}
}

func TestCancelAfterExitKeepsCompletion(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("exit detection without reaping needs waitid")
	}

	exe := script(t, `i=0; while [ $i -lt 300 ]; do echo "line $i"; i=$((i+1)); done`)

	s, err := Start(context.Background(), exe, nil, Options{GracePeriod: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	// nobody reads the events until the process is gone
	deadline := time.Now().Add(5 * time.Second)
	for !hasExited(s.Pid()) {
		if time.Now().After(deadline) {
			t.Fatal("process did not exit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}

	out := collect(t, s)
	if out.terminal.State != StateCompleted || out.terminal.ExitCode != 0 || out.terminal.Err != nil {
		t.Errorf("cancel after exit should be a no-op, got %+v", out.terminal)
	}
	if n := strings.Count(out.stdout.String(), "\n"); n != 300 {
		t.Errorf("expected the whole output, got %d lines", n)
	}
}

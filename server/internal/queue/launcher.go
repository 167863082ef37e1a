package queue

import (
	"context"

	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/session"
)

// Process is a running engine as seen by the scheduler.
type Process interface {
	Events() <-chan session.Event
	Cancel() error
}

type Launcher interface {
	Launch(ctx context.Context, d engines.Definition, args []string, opts session.Options) (Process, error)
}

// SessionLauncher starts real engine processes, looking up executables in
// BinDir before $PATH.
type SessionLauncher struct {
	BinDir string
}

func (l SessionLauncher) Launch(ctx context.Context, d engines.Definition, args []string, opts session.Options) (Process, error) {
	s, err := session.StartEngine(ctx, d, l.BinDir, args, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

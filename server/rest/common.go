package rest

import (
	"context"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/versions"
	"github.com/marcopiovanello/engine-dispatch/server/updater"
)

type Scheduler interface {
	Submit(req internal.DownloadRequest) (string, error)
	Cancel(id string) error
	Forget(id string) error
	Get(id string) (internal.DownloadState, error)
	Snapshot() []internal.DownloadState
	SetConcurrencyLimit(n int) error
	ConcurrencyLimit() int
}

type Engines interface {
	All() []engines.Definition
	Get(name string) (engines.Definition, bool)
	Reload() []error
}

type Versions interface {
	All() []versions.Record
}

type Updater interface {
	Update(ctx context.Context, d engines.Definition) (updater.Outcome, error)
	Probe(ctx context.Context, defs []engines.Definition) []versions.Record
}

type Archive interface {
	Clear() error
	Len() int
}

type ContainerArgs struct {
	Scheduler Scheduler
	Engines   Engines
	Versions  Versions
	Updater   Updater
	Archive   Archive
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/marcopiovanello/engine-dispatch/server/archiver"
	"github.com/marcopiovanello/engine-dispatch/server/config"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/kv"
	"github.com/marcopiovanello/engine-dispatch/server/internal/queue"
	"github.com/marcopiovanello/engine-dispatch/server/internal/versions"
	"github.com/marcopiovanello/engine-dispatch/server/updater"
)

const versionsDatabase = "engine-dispatch.db"

// App is the set of long lived components shared by the http server and
// the one shot cli commands.
type App struct {
	Table     *kv.Store
	Engines   *engines.Store
	Versions  *versions.Store
	Archive   *archiver.Archive
	Updater   *updater.Updater
	Scheduler *queue.Scheduler
}

func Open(conf *config.Config) (*App, error) {
	vs, err := versions.NewStore(filepath.Join(conf.Paths.LocalDatabasePath, versionsDatabase))
	if err != nil {
		return nil, err
	}

	archive, err := archiver.Open(conf.Paths.ArchivePath)
	if err != nil {
		vs.Close()
		return nil, err
	}

	defs := engines.NewStore(conf.Paths.EnginesPath)
	defs.Reload()

	table := kv.NewStore()

	scheduler := queue.New(queue.Config{
		Limit:        conf.Server.QueueSize,
		Timeout:      conf.Scheduler.Timeout,
		GracePeriod:  conf.Scheduler.GracePeriod,
		DownloadPath: conf.Paths.DownloadPath,
		AutoArchive:  conf.Scheduler.AutoArchive,
	}, defs, vs, archive, queue.SessionLauncher{BinDir: conf.Paths.BinariesPath}, table)

	up := updater.New(updater.Config{
		BinDir:         conf.Paths.BinariesPath,
		RequestTimeout: conf.Updater.RequestTimeout,
		Parallelism:    conf.Updater.Parallelism,
	}, vs)

	// installed versions gate the routing, know them before the first request
	up.Probe(context.Background(), defs.All())

	return &App{
		Table:     table,
		Engines:   defs,
		Versions:  vs,
		Archive:   archive,
		Updater:   up,
		Scheduler: scheduler,
	}, nil
}

// Resume queues again the requests left unfinished by the previous run.
func (a *App) Resume(dir string) error {
	entries, err := kv.Restore(dir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		slog.Info("restoring previous session", slog.Int("entries", len(entries)))
	}
	a.Scheduler.Restore(entries)
	return nil
}

// Shutdown stops the scheduler. With a non empty dir the resulting session
// is persisted there before the stores are closed.
func (a *App) Shutdown(ctx context.Context, dir string) error {
	var errs []error

	if err := a.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}

	if dir != "" {
		if err := a.Table.Persist(dir); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.Archive.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Versions.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

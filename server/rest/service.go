package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/versions"
	"github.com/marcopiovanello/engine-dispatch/server/updater"
)

type Service struct {
	scheduler Scheduler
	engines   Engines
	versions  Versions
	updater   Updater
	archive   Archive
}

func NewService(args *ContainerArgs) *Service {
	return &Service{
		scheduler: args.Scheduler,
		engines:   args.Engines,
		versions:  args.Versions,
		updater:   args.Updater,
		archive:   args.Archive,
	}
}

func (s *Service) Exec(req internal.DownloadRequest) (string, error) {
	return s.scheduler.Submit(req)
}

func (s *Service) Cancel(id string) error {
	return s.scheduler.Cancel(id)
}

// Forget removes a finished request from the history.
func (s *Service) Forget(id string) error {
	return s.scheduler.Forget(id)
}

// CancelAll cancels every request that has not finished yet.
func (s *Service) CancelAll() error {
	var errs []error
	for _, st := range s.scheduler.Snapshot() {
		if st.Status.IsTerminal() {
			continue
		}
		if err := s.scheduler.Cancel(st.Id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) Running(ctx context.Context) ([]internal.DownloadState, error) {
	select {
	case <-ctx.Done():
		return nil, context.Canceled
	default:
		return s.scheduler.Snapshot(), nil
	}
}

func (s *Service) Get(id string) (internal.DownloadState, error) {
	return s.scheduler.Get(id)
}

func (s *Service) SetConcurrency(n int) error {
	return s.scheduler.SetConcurrencyLimit(n)
}

func (s *Service) Concurrency() int {
	return s.scheduler.ConcurrencyLimit()
}

func (s *Service) Engines() []engines.Definition {
	return s.engines.All()
}

// ReloadEngines returns the definitions that were skipped. The installed
// versions of the reloaded engines are probed again.
func (s *Service) ReloadEngines(ctx context.Context) []string {
	errs := s.engines.Reload()
	s.updater.Probe(ctx, s.engines.All())

	skipped := make([]string, 0, len(errs))
	for _, err := range errs {
		skipped = append(skipped, err.Error())
	}
	return skipped
}

func (s *Service) UpdateEngine(ctx context.Context, name string) (updater.Outcome, error) {
	d, ok := s.engines.Get(name)
	if !ok {
		return updater.Outcome{}, fmt.Errorf("%w: %s", internal.ErrUnknownEngine, name)
	}

	out, err := s.updater.Update(ctx, d)
	if err != nil {
		slog.Error("engine update failed", slog.String("engine", name), slog.Any("err", err))
	}
	return out, err
}

func (s *Service) Versions() []versions.Record {
	return s.versions.All()
}

// ClearArchive empties the archive and returns how many entries it held.
func (s *Service) ClearArchive() (int, error) {
	n := s.archive.Len()
	if err := s.archive.Clear(); err != nil {
		return 0, err
	}
	slog.Info("archive cleared", slog.Int("entries", n))
	return n, nil
}

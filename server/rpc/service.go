package rpc

import (
	"context"
	"log/slog"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/versions"
	"github.com/marcopiovanello/engine-dispatch/server/rest"
	"github.com/marcopiovanello/engine-dispatch/server/status"
	"github.com/marcopiovanello/engine-dispatch/server/updater"
)

type Service struct {
	svc          *rest.Service
	downloadPath string
}

type Running []internal.DownloadState

type NoArgs struct{}

// Exec queues a request.
// The result of the execution is the id assigned to it.
func (s *Service) Exec(args internal.DownloadRequest, result *string) error {
	id, err := s.svc.Exec(args)
	if err != nil {
		return err
	}

	*result = id
	return nil
}

// Formats queues a list mode request, the formats show up in its state.
func (s *Service) Formats(args internal.DownloadRequest, result *string) error {
	args.Mode = internal.ModeList
	return s.Exec(args, result)
}

// Progress retrieves the state of a specific request given its Id
func (s *Service) Progress(args internal.DownloadRequest, state *internal.DownloadState) error {
	st, err := s.svc.Get(args.Id)
	if err != nil {
		return err
	}

	*state = st
	return nil
}

// Running retrieves the state of every known request
func (s *Service) Running(args NoArgs, running *Running) error {
	res, err := s.svc.Running(context.Background())
	if err != nil {
		return err
	}

	*running = res
	return nil
}

// Kill cancels a request given its id
func (s *Service) Kill(args string, killed *string) error {
	slog.Info("cancelling download", slog.String("id", args))

	if err := s.svc.Cancel(args); err != nil {
		slog.Info("failed cancelling download", slog.String("id", args), slog.Any("err", err))
		return err
	}

	*killed = args
	return nil
}

// KillAll cancels every request that has not finished
func (s *Service) KillAll(args NoArgs, killed *string) error {
	slog.Info("cancelling all downloads")
	return s.svc.CancelAll()
}

// Clear removes a finished request from the history
func (s *Service) Clear(args string, cleared *string) error {
	slog.Info("clearing download", slog.String("id", args))

	if err := s.svc.Forget(args); err != nil {
		return err
	}

	*cleared = args
	return nil
}

func (s *Service) SetLimit(args int, limit *int) error {
	if err := s.svc.SetConcurrency(args); err != nil {
		return err
	}

	*limit = s.svc.Concurrency()
	return nil
}

func (s *Service) Engines(args NoArgs, defs *[]engines.Definition) error {
	*defs = s.svc.Engines()
	return nil
}

func (s *Service) Versions(args NoArgs, records *[]versions.Record) error {
	*records = s.svc.Versions()
	return nil
}

// UpdateExecutable installs the latest release of the named engine
func (s *Service) UpdateExecutable(args string, out *updater.Outcome) error {
	res, err := s.svc.UpdateEngine(context.Background(), args)
	*out = res
	return err
}

// FreeSpace in bytes of the download filesystem
func (s *Service) FreeSpace(args NoArgs, free *uint64) error {
	freeSpace, err := status.FreeSpace(s.downloadPath)
	if err != nil {
		return err
	}

	*free = freeSpace
	return nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/marcopiovanello/engine-dispatch/server/config"
	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/rest"
	"github.com/marcopiovanello/engine-dispatch/server/rpc"
	"github.com/marcopiovanello/engine-dispatch/server/status"
	"github.com/marcopiovanello/engine-dispatch/server/ws"
)

// extra time given to the shutdown on top of the engines grace periods
const shutdownSlack = 5 * time.Second

func Run(ctx context.Context) error {
	conf := config.Instance()

	app, err := Open(conf)
	if err != nil {
		return err
	}

	if err := app.Resume(conf.Paths.SessionFilePath); err != nil {
		slog.Error("failed to restore session", slog.Any("err", err))
	}

	reprobe := func(defs []engines.Definition) { app.Updater.Probe(ctx, defs) }
	if err := app.Engines.Watch(ctx, reprobe); err != nil {
		slog.Warn("engine definitions won't be reloaded on change", slog.Any("err", err))
	}

	if conf.Updater.CheckOnStartup {
		go func() {
			if _, err := app.Updater.CheckAll(ctx, app.Engines.All()); err != nil {
				slog.Warn("update check failed", slog.Any("err", err))
			}
		}()
	}

	hub, err := ws.NewHub(app.Scheduler)
	if err != nil {
		return err
	}

	srv, err := newServer(app, hub)
	if err != nil {
		return err
	}

	var (
		network = "tcp"
		address = fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
	)

	// support unix sockets
	if strings.HasPrefix(conf.Server.Host, "/") {
		network = "unix"
		address = conf.Server.Host
		os.Remove(address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		slog.Error("failed to listen", slog.String("err", err.Error()))
		app.Shutdown(context.Background(), "")
		return err
	}

	slog.Info("engine-dispatch started",
		slog.String("address", address),
		slog.String("version", internal.AppVersion),
		slog.Int("engines", len(app.Engines.All())),
	)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http server stopped", slog.String("err", err.Error()))
		}
	}

	return gracefulShutdown(srv, app, hub)
}

func newServer(app *App, hub *ws.Hub) (*http.Server, error) {
	conf := config.Instance()

	args := &rest.ContainerArgs{
		Scheduler: app.Scheduler,
		Engines:   app.Engines,
		Versions:  app.Versions,
		Updater:   app.Updater,
		Archive:   app.Archive,
	}

	rpcRouter, err := rpc.ApplyRouter(rpc.Container(rest.ProvideService(args), conf.Paths.DownloadPath))
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.Use(corsMiddleware.Handler)

	base := strings.TrimSuffix(conf.Server.BaseURL, "/")

	r.Route(base+"/rpc", rpcRouter)

	// REST API handlers
	r.Route(base+"/api/v1", rest.ApplyRouter(args))

	// Live state feed
	r.Route(base+"/ws", ws.ApplyRouter(hub))

	// Status
	r.Route(base+"/status", status.ApplyRouter(app.Scheduler, conf.Paths.DownloadPath))

	return &http.Server{Handler: r}, nil
}

func gracefulShutdown(srv *http.Server, app *App, hub *ws.Hub) error {
	conf := config.Instance()

	ctx, cancel := context.WithTimeout(context.Background(), 2*conf.Scheduler.GracePeriod+shutdownSlack)
	defer cancel()

	hub.Close()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := app.Shutdown(ctx, conf.Paths.SessionFilePath); err != nil {
		errs = append(errs, err)
	}

	slog.Info("shutdown complete")

	return errors.Join(errs...)
}

package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/marcopiovanello/engine-dispatch/server/config"
)

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Setup makes a text handler writing to stdout, and to a daily rotated
// file when enabled, the default logger. The returned func releases the
// log file.
func Setup(ctx context.Context, conf *config.Config) (func(), error) {
	logWriters := []io.Writer{os.Stdout}
	cleanup := func() {}

	// file based logging
	if conf.Logging.EnableFileLogging {
		logger, err := NewRotableLogger(conf.Logging.LogPath)
		if err != nil {
			return cleanup, err
		}

		go func() {
			ticker := time.NewTicker(time.Hour * 24)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := logger.Rotate(); err != nil {
						slog.Error("failed to rotate log file", slog.Any("err", err))
					}
				}
			}
		}()

		logWriters = append(logWriters, logger)
		cleanup = func() { logger.Close() }
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(logWriters...), &slog.HandlerOptions{
		Level: ParseLevel(conf.Logging.Level),
	}))

	// make the new logger the default one with all the new writers
	slog.SetDefault(logger)

	return cleanup, nil
}

package engines

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the store whenever a file of its directory changes, until
// ctx is cancelled. Bursts of events (editors writing temp files) are
// collapsed into a single reload.
func (s *Store) Watch(ctx context.Context, onReload func([]Definition)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := w.Add(s.dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		var (
			timer *time.Timer
			fire  = make(chan struct{}, 1)
		)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op == fsnotify.Chmod {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				slog.Info("engine definitions changed, reloading", slog.String("dir", s.dir))
				s.Reload()
				if onReload != nil {
					onReload(s.All())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("engine watcher error", slog.Any("err", err))
			}
		}
	}()

	return nil
}

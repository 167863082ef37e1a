package archiver

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
)

type opKind int

const (
	opAdd opKind = iota
	opClear
)

type op struct {
	kind opKind
	id   string
	res  chan error
}

// Archive is the durable set of identifiers of completed downloads.
// It is backed by a flat file with one identifier per line. Every write
// goes through a single goroutine, readers only touch the memory set.
type Archive struct {
	path string

	mu  sync.RWMutex
	ids map[string]struct{}

	ch     chan op
	done   chan struct{}
	closed sync.Once
}

// Open loads the archive file at path, creating it on the first Add.
// A file that cannot be read is logged and the archive starts empty.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", internal.ErrArchiveIO, err)
	}

	a := &Archive{
		path: path,
		ids:  make(map[string]struct{}),
		ch:   make(chan op),
		done: make(chan struct{}),
	}

	if err := a.load(); err != nil {
		slog.Error("failed to read archive, starting empty",
			slog.String("path", path),
			slog.Any("err", err),
		)
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", internal.ErrArchiveIO, err)
	}

	go a.writer(fd)

	return a, nil
}

func (a *Archive) load() error {
	fd, err := os.Open(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer fd.Close()

	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			a.ids[id] = struct{}{}
		}
	}

	return scanner.Err()
}

// the only goroutine writing to the archive file
func (a *Archive) writer(fd *os.File) {
	defer close(a.done)

	for m := range a.ch {
		switch m.kind {
		case opAdd:
			m.res <- a.append(fd, m.id)
		case opClear:
			var err error
			fd, err = a.truncate(fd)
			m.res <- err
		}
	}

	if fd != nil {
		fd.Close()
	}
}

func (a *Archive) append(fd *os.File, id string) error {
	if a.Contains(id) {
		return nil
	}
	if fd == nil {
		return fmt.Errorf("%w: archive file is not open", internal.ErrArchiveIO)
	}

	if _, err := fd.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("%w: %w", internal.ErrArchiveIO, err)
	}

	a.mu.Lock()
	a.ids[id] = struct{}{}
	a.mu.Unlock()

	slog.Info("archived download", slog.String("id", id))
	return nil
}

func (a *Archive) truncate(fd *os.File) (*os.File, error) {
	if fd != nil {
		fd.Close()
	}

	nfd, err := os.OpenFile(a.path, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", internal.ErrArchiveIO, err)
	}

	a.mu.Lock()
	a.ids = make(map[string]struct{})
	a.mu.Unlock()

	slog.Info("archive cleared", slog.String("path", a.path))
	return nfd, nil
}

func (a *Archive) Contains(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[normalize(id)]
	return ok
}

// Add records id. Adding an id twice is a no-op. When Add returns without
// error the id is durable on disk and visible to Contains.
func (a *Archive) Add(id string) error {
	id = normalize(id)
	if id == "" {
		return errors.New("empty archive identifier")
	}
	return a.send(op{kind: opAdd, id: id})
}

// Clear removes every identifier, only ever called on explicit user action.
func (a *Archive) Clear() error {
	return a.send(op{kind: opClear})
}

func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}

func (a *Archive) Path() string { return a.path }

func (a *Archive) send(m op) (err error) {
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("%w: archive closed", internal.ErrArchiveIO)
		}
	}()

	m.res = make(chan error, 1)
	a.ch <- m
	return <-m.res
}

func (a *Archive) Close() error {
	a.closed.Do(func() { close(a.ch) })
	<-a.done
	return nil
}

// identifiers are line based
func normalize(id string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(id))
}

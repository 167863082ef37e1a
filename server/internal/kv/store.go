package kv

import (
	"cmp"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
)

const sessionFile = "session.dat"

// In-Memory Thread-Safe Key-Value Storage of download requests and their
// state with optional persistence. The scheduler is the only writer,
// everybody else reads copies.
type Store struct {
	table map[string]Entry
	mu    sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		table: make(map[string]Entry),
	}
}

// Get the state of a download given its id
func (m *Store) Get(id string) (internal.DownloadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.table[id]
	if !ok {
		return internal.DownloadState{}, fmt.Errorf("%w: %s", internal.ErrNotFound, id)
	}

	return entry.State.Clone(), nil
}

// Store a request with its current state and return its id
func (m *Store) Set(req internal.DownloadRequest, state internal.DownloadState) string {
	m.mu.Lock()
	m.table[req.Id] = Entry{Request: req, State: state.Clone()}
	m.mu.Unlock()

	return req.Id
}

// Removes a download, given its id
func (m *Store) Delete(id string) {
	m.mu.Lock()
	delete(m.table, id)
	m.mu.Unlock()
}

// Returns a copy of every stored state, oldest request first
func (m *Store) All() []internal.DownloadState {
	m.mu.RLock()
	states := make([]internal.DownloadState, 0, len(m.table))
	for _, v := range m.table {
		states = append(states, v.State.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(states, func(a, b internal.DownloadState) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})

	return states
}

func (m *Store) entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]Entry, 0, len(m.table))
	for _, v := range m.table {
		entries = append(entries, v)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return a.Request.CreatedAt.Compare(b.Request.CreatedAt)
	})

	return entries
}

// Persist the database in a single file named "session.dat" inside dir
func (m *Store) Persist(dir string) error {
	session := Session{Entries: m.entries()}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Join(errors.New("failed to persist session"), err)
	}

	sf := filepath.Join(dir, sessionFile)

	fd, err := os.Create(sf)
	if err != nil {
		return errors.Join(errors.New("failed to persist session"), err)
	}
	defer fd.Close()

	if err := gob.NewEncoder(fd).Encode(session); err != nil {
		return errors.Join(errors.New("failed to persist session"), err)
	}

	return nil
}

// Restore reads a persisted session. A missing file is not an error, it
// just yields nothing to restore.
func Restore(dir string) ([]Entry, error) {
	fd, err := os.Open(filepath.Join(dir, sessionFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Join(errors.New("failed to restore session"), err)
	}
	defer fd.Close()

	var session Session

	if err := gob.NewDecoder(fd).Decode(&session); err != nil {
		return nil, errors.Join(errors.New("failed to restore session"), err)
	}

	return session.Entries, nil
}

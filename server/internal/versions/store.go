package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the per engine version bookkeeping refreshed by the updater.
type Record struct {
	Engine    string    `json:"engine"`
	Installed string    `json:"installed"`
	Latest    string    `json:"latest"`
	CheckedAt time.Time `json:"checked_at"`
	// the version command failed, the engine is probably not usable
	Broken bool `json:"broken"`
}

// HasUpdate reports whether a newer published version is known.
func (r Record) HasUpdate() bool {
	return Valid(r.Installed) && Valid(r.Latest) && Compare(r.Installed, r.Latest) < 0
}

const schema = `CREATE TABLE IF NOT EXISTS engine_versions (
	engine     TEXT PRIMARY KEY,
	installed  TEXT NOT NULL DEFAULT '',
	latest     TEXT NOT NULL DEFAULT '',
	checked_at INTEGER NOT NULL DEFAULT 0,
	broken     INTEGER NOT NULL DEFAULT 0
)`

// Store keeps VersionRecords in sqlite with a read-through memory cache so
// the router can consult it on every resolve without touching the disk.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]Record
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	s := &Store{db: db, cache: make(map[string]Record)}

	if err := s.load(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT engine, installed, latest, checked_at, broken FROM engine_versions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	for rows.Next() {
		var (
			r       Record
			checked int64
		)
		if err := rows.Scan(&r.Engine, &r.Installed, &r.Latest, &checked, &r.Broken); err != nil {
			return err
		}
		if checked > 0 {
			r.CheckedAt = time.Unix(checked, 0)
		}
		s.cache[r.Engine] = r
	}

	return rows.Err()
}

// Get returns the record of the given engine.
func (s *Store) Get(engine string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[engine]
	return r, ok
}

func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.cache))
	for _, r := range s.cache {
		records = append(records, r)
	}
	return records
}

// Put upserts a record.
func (s *Store) Put(ctx context.Context, r Record) error {
	if r.Engine == "" {
		return errors.New("version record without engine name")
	}

	var checked int64
	if !r.CheckedAt.IsZero() {
		checked = r.CheckedAt.Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_versions (engine, installed, latest, checked_at, broken)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(engine) DO UPDATE SET
			installed = excluded.installed,
			latest = excluded.latest,
			checked_at = excluded.checked_at,
			broken = excluded.broken`,
		r.Engine, r.Installed, r.Latest, checked, r.Broken,
	)
	if err != nil {
		return fmt.Errorf("failed to save version record for %s: %w", r.Engine, err)
	}

	s.mu.Lock()
	s.cache[r.Engine] = r
	s.mu.Unlock()

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

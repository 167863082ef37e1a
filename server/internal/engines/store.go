package engines

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
)

var extensions = []string{".yaml", ".yml", ".json"}

type set struct {
	ordered []Definition
	byName  map[string]int
}

// Store owns the loaded engine definitions. Reload swaps the whole set at
// once, readers either see the old set or the new one.
type Store struct {
	dir  string
	defs atomic.Pointer[set]
}

func NewStore(dir string) *Store {
	s := &Store{dir: dir}
	s.defs.Store(&set{byName: map[string]int{}})
	return s
}

func (s *Store) Dir() string { return s.dir }

// Load parses every source independently. A malformed source is reported
// in the returned errors and skipped, it never prevents the others from
// loading. Definitions keep the order of sources; a duplicated name keeps
// the first declaration.
func Load(sources []string) ([]Definition, []error) {
	var (
		defs []Definition
		errs []error
		seen = make(map[string]string)
	)

	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", internal.ErrConfig, src, err))
			continue
		}

		d, err := Parse(src, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if prev, ok := seen[d.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: %s: engine %q already declared in %s", internal.ErrConfig, src, d.Name, prev))
			continue
		}

		seen[d.Name] = src
		defs = append(defs, d)
	}

	return defs, errs
}

// Sources lists the definition files of dir sorted by file name, which is
// the declaration order used by the router.
func Sources(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var sources []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !slices.Contains(extensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		sources = append(sources, filepath.Join(dir, e.Name()))
	}

	slices.Sort(sources)
	return sources, nil
}

// Reload reads the definition directory again and atomically replaces the
// in-memory set. Entries that fail to parse are logged and returned.
// If the directory itself cannot be read the current set is kept.
func (s *Store) Reload() []error {
	sources, err := Sources(s.dir)
	if err != nil {
		slog.Error("failed to list engine definitions", slog.String("dir", s.dir), slog.Any("err", err))
		return []error{errors.Join(internal.ErrConfig, err)}
	}

	defs, errs := Load(sources)
	for _, err := range errs {
		slog.Warn("skipping engine definition", slog.Any("err", err))
	}

	s.Replace(defs)

	slog.Info("engine definitions loaded",
		slog.String("dir", s.dir),
		slog.Int("count", len(defs)),
		slog.Int("skipped", len(errs)),
	)

	return errs
}

// Replace installs defs as the current set.
func (s *Store) Replace(defs []Definition) {
	next := &set{
		ordered: slices.Clone(defs),
		byName:  make(map[string]int, len(defs)),
	}
	for i, d := range next.ordered {
		next.byName[d.Name] = i
	}
	s.defs.Store(next)
}

func (s *Store) Get(name string) (Definition, bool) {
	cur := s.defs.Load()
	i, ok := cur.byName[name]
	if !ok {
		return Definition{}, false
	}
	return cur.ordered[i], true
}

// All returns the definitions in declaration order.
func (s *Store) All() []Definition {
	return slices.Clone(s.defs.Load().ordered)
}

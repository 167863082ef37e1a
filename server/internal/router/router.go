package router

import (
	"fmt"
	"log/slog"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/versions"
)

// VersionLookup gives access to the known installed version of an engine.
type VersionLookup interface {
	Get(engine string) (versions.Record, bool)
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	// The first candidate is the default choice.
	Candidates []engines.Definition
	// Set when an explicitly selected engine would have been excluded.
	Warning string
}

// Resolve selects the engines able to handle url, in declaration order.
// An explicit override naming a loaded engine is returned alone, even if
// its rules do not match or its installed version is below the declared
// minimum (a warning is attached in that case). Engines that are gated
// out are skipped from rule matching.
func Resolve(url string, defs []engines.Definition, override string, lookup VersionLookup) (Resolution, error) {
	if override != "" {
		for _, d := range defs {
			if d.Name != override {
				continue
			}

			var res Resolution
			res.Candidates = []engines.Definition{d}

			if reason, gated := Gated(d, lookup); gated {
				res.Warning = fmt.Sprintf("%s selected explicitly: %s", d.Name, reason)
				slog.Warn("using gated engine by explicit request",
					slog.String("engine", d.Name),
					slog.String("reason", reason),
				)
			}

			return res, nil
		}
		return Resolution{}, fmt.Errorf("%w: %s", internal.ErrUnknownEngine, override)
	}

	var res Resolution

	for _, d := range defs {
		if !d.Match(url) {
			continue
		}
		if reason, gated := Gated(d, lookup); gated {
			slog.Warn("engine excluded from candidates",
				slog.String("engine", d.Name),
				slog.String("url", url),
				slog.String("reason", reason),
			)
			continue
		}
		res.Candidates = append(res.Candidates, d)
	}

	if len(res.Candidates) == 0 {
		return Resolution{}, fmt.Errorf("%w: %s", internal.ErrNoEngineMatched, url)
	}

	return res, nil
}

// Gated reports whether d must be excluded from automatic selection: its
// version command is known to fail, or its installed version is below the
// declared minimum. An unknown installed version is not gated.
func Gated(d engines.Definition, lookup VersionLookup) (string, bool) {
	if lookup == nil {
		return "", false
	}

	rec, ok := lookup.Get(d.Name)
	if !ok {
		return "", false
	}

	if rec.Broken {
		return "version information unavailable, engine may be broken", true
	}

	if d.MinimumVersion == "" || !versions.Valid(rec.Installed) {
		return "", false
	}

	if versions.Compare(rec.Installed, d.MinimumVersion) < 0 {
		return fmt.Sprintf("installed version %s is below the required minimum %s", rec.Installed, d.MinimumVersion), true
	}

	return "", false
}

package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
	"github.com/marcopiovanello/engine-dispatch/server/internal/versions"
	"golang.org/x/sync/errgroup"
)

// RecordStore persists the outcome of the version checks.
type RecordStore interface {
	Get(engine string) (versions.Record, bool)
	Put(ctx context.Context, r versions.Record) error
}

type Config struct {
	// directory managed engines are installed into
	BinDir string
	// applies to metadata requests and version commands, not to downloads
	RequestTimeout time.Duration
	// concurrent checks in CheckAll
	Parallelism int
}

type Updater struct {
	client      *http.Client
	store       RecordStore
	binDir      string
	timeout     time.Duration
	parallelism int
}

// Outcome describes what Update did.
type Outcome struct {
	Engine   string `json:"engine"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Path     string `json:"path"`
	// false when the installed version was already the latest
	Updated bool `json:"updated"`
}

func New(cfg Config, store RecordStore) *Updater {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 4
	}

	return &Updater{
		client:      &http.Client{},
		store:       store,
		binDir:      cfg.BinDir,
		timeout:     cfg.RequestTimeout,
		parallelism: cfg.Parallelism,
	}
}

// InstalledVersion runs the engine with its version argument.
func (u *Updater) InstalledVersion(ctx context.Context, d engines.Definition) (string, error) {
	exe, err := d.ExecutablePath(u.binDir)
	if err != nil {
		return "", err
	}
	return u.runVersion(ctx, d, exe)
}

func (u *Updater) runVersion(ctx context.Context, d engines.Definition, exe string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	var stdout bytes.Buffer

	cmd := exec.CommandContext(ctx, exe, strings.Fields(d.VersionArgument)...)
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s %s: %w", internal.ErrVersionInfoUnavailable, exe, d.VersionArgument, err)
	}

	v := d.ParseVersion(stdout.String())
	if v == "" {
		return "", fmt.Errorf("%w: no version in the output of %s", internal.ErrVersionInfoUnavailable, exe)
	}

	return v, nil
}

// observe fills the installed part of rec by running the engine. An
// engine whose version command fails is marked broken, a missing one is
// only logged.
func (u *Updater) observe(ctx context.Context, d engines.Definition, rec *versions.Record) {
	installed, err := u.InstalledVersion(ctx, d)
	switch {
	case err == nil:
		rec.Installed = installed
	case errors.Is(err, internal.ErrExecutableNotFound):
		slog.Warn("engine not installed", slog.String("engine", d.Name))
	default:
		rec.Broken = true
		slog.Error("engine version command failed", slog.String("engine", d.Name), slog.Any("err", err))
	}
}

func (u *Updater) fresh(d engines.Definition) versions.Record {
	rec := versions.Record{Engine: d.Name, CheckedAt: time.Now()}
	if prev, ok := u.store.Get(d.Name); ok {
		rec.Latest = prev.Latest
	}
	return rec
}

func (u *Updater) persist(ctx context.Context, rec versions.Record) {
	if err := u.store.Put(ctx, rec); err != nil {
		slog.Error("failed to persist version record", slog.String("engine", rec.Engine), slog.Any("err", err))
	}
}

// Probe records the installed version of every engine in defs without
// contacting any release endpoint. It runs whenever the definitions are
// (re)loaded so that version gating applies from the first request.
func (u *Updater) Probe(ctx context.Context, defs []engines.Definition) []versions.Record {
	records := make([]versions.Record, len(defs))

	var g errgroup.Group
	g.SetLimit(u.parallelism)

	for i, d := range defs {
		g.Go(func() error {
			records[i] = u.probe(ctx, d)
			return nil
		})
	}

	g.Wait()
	return records
}

func (u *Updater) probe(ctx context.Context, d engines.Definition) versions.Record {
	rec := u.fresh(d)
	u.observe(ctx, d, &rec)
	u.persist(ctx, rec)

	slog.Debug("engine probed",
		slog.String("engine", d.Name),
		slog.String("installed", rec.Installed),
		slog.Bool("broken", rec.Broken),
	)
	return rec
}

// CheckVersion refreshes the VersionRecord of d: the installed version
// from the engine itself, the latest one from its release endpoint. The
// record is persisted even if the network part fails.
func (u *Updater) CheckVersion(ctx context.Context, d engines.Definition) (versions.Record, error) {
	rec := u.fresh(d)
	u.observe(ctx, d, &rec)

	var checkErr error

	if d.ReleaseURL == "" {
		checkErr = fmt.Errorf("%w: %s has no release url", internal.ErrVersionInfoUnavailable, d.Name)
	} else if r, err := u.fetchRelease(ctx, d.ReleaseURL); err != nil {
		checkErr = err
	} else {
		rec.Latest = r.TagName
	}

	u.persist(ctx, rec)

	if checkErr != nil {
		return rec, checkErr
	}

	slog.Info("engine version checked",
		slog.String("engine", d.Name),
		slog.String("installed", rec.Installed),
		slog.String("latest", rec.Latest),
		slog.Bool("update", rec.HasUpdate()),
	)

	return rec, nil
}

// CheckAll checks every engine that declares a release url, a few at a
// time. Failures are reported per engine and never stop the others. The
// engines without a release url only get their installed version
// recorded and are left out of the result.
func (u *Updater) CheckAll(ctx context.Context, defs []engines.Definition) ([]versions.Record, error) {
	var (
		records = make([]versions.Record, len(defs))
		errs    = make([]error, len(defs))
		checked = make([]bool, len(defs))
	)

	var g errgroup.Group
	g.SetLimit(u.parallelism)

	for i, d := range defs {
		if d.ReleaseURL == "" {
			slog.Debug("no release url, recording the installed version only", slog.String("engine", d.Name))
			g.Go(func() error {
				u.probe(ctx, d)
				return nil
			})
			continue
		}
		g.Go(func() error {
			records[i], errs[i] = u.CheckVersion(ctx, d)
			checked[i] = true
			return nil
		})
	}

	g.Wait()

	var out []versions.Record
	for i := range defs {
		if checked[i] {
			out = append(out, records[i])
		}
	}

	return out, errors.Join(errs...)
}

// Update installs the latest release of d. The new executable is written
// next to the old one, verified by running its version command, then
// renamed over it: running sessions keep the binary they were started
// with, the next ones get the new one.
func (u *Updater) Update(ctx context.Context, d engines.Definition) (Outcome, error) {
	out := Outcome{Engine: d.Name}

	if d.ReleaseURL == "" {
		return out, fmt.Errorf("%w: %s has no release url", internal.ErrVersionInfoUnavailable, d.Name)
	}

	target, err := d.ExecutablePath(u.binDir)
	if err != nil {
		if u.binDir == "" || d.Path != "" {
			return out, err
		}
		target = filepath.Join(u.binDir, d.Executable)
	} else if v, err := u.runVersion(ctx, d, target); err == nil {
		out.Previous = v
	}
	out.Path = target

	r, err := u.fetchRelease(ctx, d.ReleaseURL)
	if err != nil {
		return out, err
	}

	if out.Previous != "" && versions.Valid(r.TagName) && versions.Compare(out.Previous, r.TagName) >= 0 {
		out.Current = out.Previous
		slog.Info("engine already up to date", slog.String("engine", d.Name), slog.String("version", out.Current))
		return out, nil
	}

	var picked *asset
	for i := range r.Assets {
		if d.MatchAsset(r.Assets[i].Name) {
			picked = &r.Assets[i]
			break
		}
	}
	if picked == nil {
		return out, fmt.Errorf("%w: no matching asset in release %s", internal.ErrVersionInfoUnavailable, r.TagName)
	}

	slog.Info("updating engine",
		slog.String("engine", d.Name),
		slog.String("from", out.Previous),
		slog.String("to", r.TagName),
		slog.String("asset", picked.Name),
	)

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return out, err
	}

	staged, err := u.stage(ctx, d, picked, dir)
	if err != nil {
		return out, err
	}
	defer os.Remove(staged)

	v, err := u.runVersion(ctx, d, staged)
	if err != nil {
		return out, fmt.Errorf("downloaded executable is not usable: %w", err)
	}

	if err := os.Rename(staged, target); err != nil {
		return out, fmt.Errorf("failed to replace %s: %w", target, err)
	}

	out.Current = v
	out.Updated = true

	u.persist(ctx, versions.Record{Engine: d.Name, Installed: v, Latest: r.TagName, CheckedAt: time.Now()})

	slog.Info("engine updated", slog.String("engine", d.Name), slog.String("version", v))

	return out, nil
}

// stage downloads the asset into dir and returns the path of an executable
// temporary file ready to be renamed into place. Staging in the target
// directory keeps the final rename on a single filesystem.
func (u *Updater) stage(ctx context.Context, d engines.Definition, a *asset, dir string) (string, error) {
	dl, err := os.CreateTemp(dir, "."+d.Executable+"-*.download")
	if err != nil {
		return "", err
	}
	defer os.Remove(dl.Name())

	if err := u.download(ctx, a.BrowserDownloadURL, dl); err != nil {
		dl.Close()
		return "", err
	}
	if err := dl.Close(); err != nil {
		return "", err
	}

	kind := kindOf(a.Name)
	if kind == plainBinary {
		staged := dl.Name() + ".new"
		if err := os.Rename(dl.Name(), staged); err != nil {
			return "", err
		}
		return staged, os.Chmod(staged, 0755)
	}

	exe, err := os.CreateTemp(dir, "."+d.Executable+"-*.new")
	if err != nil {
		return "", err
	}

	member := d.ArchiveExecutable
	if member == "" {
		member = d.Executable
	}

	if err := extract(dl.Name(), kind, member, exe); err != nil {
		exe.Close()
		os.Remove(exe.Name())
		return "", fmt.Errorf("failed to extract %s: %w", a.Name, err)
	}
	if err := exe.Close(); err != nil {
		os.Remove(exe.Name())
		return "", err
	}

	return exe.Name(), os.Chmod(exe.Name(), 0755)
}

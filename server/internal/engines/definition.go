package engines

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/versions"
	"gopkg.in/yaml.v3"
)

// A single url matching rule. Exactly one of Contains or Regex is set.
type Rule struct {
	Contains string `yaml:"contains,omitempty" json:"contains,omitempty"`
	Regex    string `yaml:"regex,omitempty" json:"regex,omitempty"`

	re *regexp.Regexp
}

func (r Rule) Match(url string) bool {
	if r.re != nil {
		return r.re.MatchString(url)
	}
	return r.Contains != "" && strings.Contains(url, r.Contains)
}

// Definition describes one pluggable engine. Values are immutable once
// loaded and are shared by value, the compiled regular expressions they
// point to are safe for concurrent use.
type Definition struct {
	Name       string `yaml:"name" json:"name"`
	Executable string `yaml:"executable" json:"executable"`
	// fixed install path, overrides the lookup in the binaries directory and $PATH
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	MinimumVersion     string `yaml:"minimum_version,omitempty" json:"minimum_version,omitempty"`
	RequiredAppVersion string `yaml:"required_app_version,omitempty" json:"required_app_version,omitempty"`

	Rules []Rule `yaml:"rules" json:"rules"`

	DownloadOptions []string `yaml:"download_options,omitempty" json:"download_options,omitempty"`
	// list mode is supported only when this is not empty
	ListOptions []string `yaml:"list_options,omitempty" json:"list_options,omitempty"`
	// option used to pass the destination directory (e.g. "-P"), empty means cwd
	OutputOption string `yaml:"output_option,omitempty" json:"output_option,omitempty"`
	// option used to pass the output file name (e.g. "-o"), renames are ignored when empty
	RenameOption string `yaml:"rename_option,omitempty" json:"rename_option,omitempty"`

	VersionArgument string `yaml:"version_argument,omitempty" json:"version_argument,omitempty"`
	VersionLine     int    `yaml:"version_line,omitempty" json:"version_line,omitempty"`
	VersionPosition int    `yaml:"version_position,omitempty" json:"version_position,omitempty"`

	// github style "releases/latest" endpoint
	ReleaseURL   string `yaml:"release_url,omitempty" json:"release_url,omitempty"`
	AssetPattern string `yaml:"asset_pattern,omitempty" json:"asset_pattern,omitempty"`
	// path of the executable inside a release archive
	ArchiveExecutable string `yaml:"archive_executable,omitempty" json:"archive_executable,omitempty"`

	// regex with one capture group used to derive the archive identifier from a url
	ArchivePattern string `yaml:"archive_pattern,omitempty" json:"archive_pattern,omitempty"`

	Source string `yaml:"-" json:"source"`

	archiveRe *regexp.Regexp
	assetRe   *regexp.Regexp
}

func (d Definition) SupportsList() bool { return len(d.ListOptions) > 0 }

// Match reports whether any of the rules accepts the url.
func (d Definition) Match(url string) bool {
	for _, r := range d.Rules {
		if r.Match(url) {
			return true
		}
	}
	return false
}

// ArchiveKey extracts the site specific id of url, if the engine declares
// an archive pattern and it matches.
func (d Definition) ArchiveKey(url string) (string, bool) {
	if d.archiveRe == nil {
		return "", false
	}
	m := d.archiveRe.FindStringSubmatch(url)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// MatchAsset reports whether a release asset name is the one to download.
func (d Definition) MatchAsset(name string) bool {
	if d.assetRe == nil {
		return name == d.Executable
	}
	return d.assetRe.MatchString(name)
}

// ExecutablePath locates the engine executable: the fixed path if declared,
// otherwise binDir, otherwise $PATH.
func (d Definition) ExecutablePath(binDir string) (string, error) {
	if d.Path != "" {
		if _, err := os.Stat(d.Path); err != nil {
			return "", fmt.Errorf("%w: %s: %w", internal.ErrExecutableNotFound, d.Path, err)
		}
		return d.Path, nil
	}

	if binDir != "" {
		candidate := filepath.Join(binDir, d.Executable)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, nil
		}
	}

	p, err := exec.LookPath(d.Executable)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", internal.ErrExecutableNotFound, d.Executable, err)
	}
	return p, nil
}

// ParseVersion extracts the installed version from the output of the
// version command according to VersionLine and VersionPosition.
func (d Definition) ParseVersion(output string) string {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	if d.VersionLine >= len(lines) {
		return ""
	}
	fields := strings.Fields(lines[d.VersionLine])
	if d.VersionPosition >= len(fields) {
		return ""
	}
	return fields[d.VersionPosition]
}

// Parse decodes and validates a single engine definition. Both yaml and
// json documents are accepted.
func Parse(source string, data []byte) (Definition, error) {
	var d Definition

	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("%w: %s: %w", internal.ErrConfig, source, err)
	}

	d.Source = source

	if err := d.compile(); err != nil {
		return Definition{}, fmt.Errorf("%w: %s: %w", internal.ErrConfig, source, err)
	}

	return d, nil
}

func (d *Definition) compile() error {
	var errs []error

	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		errs = append(errs, errors.New("missing name"))
	}
	if d.Executable == "" && d.Path == "" {
		errs = append(errs, errors.New("missing executable"))
	}
	if d.Executable == "" {
		d.Executable = filepath.Base(d.Path)
	}
	if d.VersionArgument == "" {
		d.VersionArgument = "--version"
	}
	if d.MinimumVersion != "" && !versions.Valid(d.MinimumVersion) {
		errs = append(errs, fmt.Errorf("invalid minimum_version %q", d.MinimumVersion))
	}
	if d.RequiredAppVersion != "" && versions.Compare(internal.AppVersion, d.RequiredAppVersion) < 0 {
		errs = append(errs, fmt.Errorf("requires application version %s, running %s", d.RequiredAppVersion, internal.AppVersion))
	}

	for i := range d.Rules {
		r := &d.Rules[i]
		switch {
		case r.Regex != "" && r.Contains != "":
			errs = append(errs, fmt.Errorf("rule %d: contains and regex are mutually exclusive", i))
		case r.Regex != "":
			re, err := regexp.Compile(r.Regex)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
				continue
			}
			r.re = re
		case r.Contains == "":
			errs = append(errs, fmt.Errorf("rule %d is empty", i))
		}
	}

	if d.ArchivePattern != "" {
		re, err := regexp.Compile(d.ArchivePattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive_pattern: %w", err))
		} else if re.NumSubexp() < 1 {
			errs = append(errs, errors.New("archive_pattern needs a capture group"))
		} else {
			d.archiveRe = re
		}
	}

	if d.AssetPattern != "" {
		re, err := regexp.Compile(d.AssetPattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("asset_pattern: %w", err))
		} else {
			d.assetRe = re
		}
	}

	return errors.Join(errs...)
}

package engines

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
)

const ytdlp = `
name: yt-dlp
executable: yt-dlp
minimum_version: "2023.01.01"
rules:
  - contains: youtube.com
  - regex: '^https?://(www\.)?vimeo\.com/\d+'
download_options: ["--newline"]
list_options: ["-F"]
archive_pattern: 'v=([A-Za-z0-9_-]{11})'
`

const wget = `{
	"name": "wget",
	"executable": "wget",
	"rules": [{"contains": "http"}]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSkipsMalformed(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-yt-dlp.yaml", ytdlp)
	writeFile(t, dir, "20-broken.yaml", "name: [unterminated")
	writeFile(t, dir, "30-wget.json", wget)
	writeFile(t, dir, "40-badregex.yaml", "name: bad\nexecutable: bad\nrules:\n  - regex: '('\n")
	writeFile(t, dir, "README.md", "not an engine")

	s := NewStore(dir)
	errs := s.Reload()

	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	for _, err := range errs {
		if !errors.Is(err, internal.ErrConfig) {
			t.Errorf("expected ErrConfig, got %v", err)
		}
	}

	all := s.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(all))
	}
	if all[0].Name != "yt-dlp" || all[1].Name != "wget" {
		t.Errorf("unexpected declaration order: %s, %s", all[0].Name, all[1].Name)
	}

	if _, ok := s.Get("bad"); ok {
		t.Error("malformed definition should not be loaded")
	}

	d, ok := s.Get("yt-dlp")
	if !ok {
		t.Fatal("yt-dlp not loaded")
	}
	if !d.SupportsList() {
		t.Error("yt-dlp should support list mode")
	}
	if d.VersionArgument != "--version" {
		t.Errorf("expected default version argument, got %q", d.VersionArgument)
	}
}

func TestLoadDuplicateKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "name: dup\nexecutable: first\nrules: [{contains: x}]\n")
	writeFile(t, dir, "b.yaml", "name: dup\nexecutable: second\nrules: [{contains: x}]\n")

	sources, err := Sources(dir)
	if err != nil {
		t.Fatal(err)
	}

	defs, errs := Load(sources)
	if len(defs) != 1 || len(errs) != 1 {
		t.Fatalf("expected 1 definition and 1 error, got %d and %d", len(defs), len(errs))
	}
	if defs[0].Executable != "first" {
		t.Errorf("expected the first declaration to win, got %s", defs[0].Executable)
	}
}

func TestReloadReplacesSet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "yt-dlp.yaml", ytdlp)

	s := NewStore(dir)
	s.Reload()

	old, _ := s.Get("yt-dlp")

	os.Remove(filepath.Join(dir, "yt-dlp.yaml"))
	writeFile(t, dir, "wget.json", wget)
	s.Reload()

	if _, ok := s.Get("yt-dlp"); ok {
		t.Error("yt-dlp should be gone after reload")
	}
	if _, ok := s.Get("wget"); !ok {
		t.Error("wget should be loaded after reload")
	}

	// values handed out before the reload are unaffected
	if old.Name != "yt-dlp" || !old.Match("https://www.youtube.com/watch?v=abc") {
		t.Error("previously obtained definition changed")
	}
}

func TestReloadMissingDirKeepsSet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wget.json", wget)

	s := NewStore(dir)
	s.Reload()

	s.dir = filepath.Join(dir, "nope")
	if errs := s.Reload(); len(errs) != 1 {
		t.Fatalf("expected a single error, got %v", errs)
	}
	if _, ok := s.Get("wget"); !ok {
		t.Error("current set should be kept when the directory is unreadable")
	}
}

func TestDefinitionHelpers(t *testing.T) {
	d, err := Parse("inline", []byte(ytdlp))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"contains rule", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"regex rule", "https://vimeo.com/12345", true},
		{"regex anchored", "https://example.com/?u=https://vimeo.com/1", false},
		{"no rule", "https://example.com/file.zip", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Match(tt.url); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}

	key, ok := d.ArchiveKey("https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=1")
	if !ok || key != "dQw4w9WgXcQ" {
		t.Errorf("unexpected archive key %q %v", key, ok)
	}

	d.VersionLine = 0
	d.VersionPosition = 1
	if v := d.ParseVersion("yt-dlp 2024.08.06\nother"); v != "2024.08.06" {
		t.Errorf("unexpected version %q", v)
	}
	if v := d.ParseVersion(""); v != "" {
		t.Errorf("expected empty version, got %q", v)
	}
}

func TestParseRequiredAppVersion(t *testing.T) {
	_, err := Parse("future", []byte("name: future\nexecutable: f\nrequired_app_version: \"99.0\"\nrules: [{contains: x}]\n"))
	if !errors.Is(err, internal.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestBundledDefinitions(t *testing.T) {
	sources, err := Sources(filepath.Join("..", "..", "..", "engines"))
	if err != nil {
		t.Fatal(err)
	}

	defs, errs := Load(sources)
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	if len(defs) != 2 || defs[0].Name != "gallery-dl" || defs[1].Name != "yt-dlp" {
		t.Fatalf("unexpected bundled engines %+v", defs)
	}

	yt := defs[1]
	if !yt.Match("https://www.youtube.com/watch?v=dQw4w9WgXcQ") || !yt.SupportsList() {
		t.Error("yt-dlp should accept any http url and support list mode")
	}
	if key, ok := yt.ArchiveKey("https://youtu.be/dQw4w9WgXcQ"); !ok || key != "dQw4w9WgXcQ" {
		t.Errorf("unexpected archive key %q", key)
	}
	if !defs[0].Match("https://www.instagram.com/p/abc/") || defs[0].Match("https://example.com") {
		t.Error("unexpected gallery-dl rules")
	}
}

package logging

import (
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	l, err := NewRotableLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	l.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	l.Write([]byte("before\n"))
	if err := l.Rotate(); err != nil {
		t.Fatal(err)
	}
	l.Write([]byte("after\n"))

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(current) != "after\n" {
		t.Errorf("unexpected current log %q", current)
	}

	fd, err := os.Open(filepath.Join(dir, "app.2024-05-01T100000.log.gz"))
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close()

	zr, err := gzip.NewReader(fd)
	if err != nil {
		t.Fatal(err)
	}
	archived, _ := io.ReadAll(zr)
	if string(archived) != "before\n" {
		t.Errorf("unexpected archived log %q", archived)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

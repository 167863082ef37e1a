package parser

import (
	"reflect"
	"testing"
)

func consumeAll(chunks ...string) []Event {
	var (
		st     State
		events []Event
		evs    []Event
	)
	for _, c := range chunks {
		st, evs = Consume([]byte(c), st)
		events = append(events, evs...)
	}
	_, evs = Flush(st)
	return append(events, evs...)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
		want Event
	}{
		{
			name: "yt-dlp progress",
			line: "[download]  45.3% of 10.00MiB at  1.23MiB/s ETA 00:05",
			kind: KindProgress,
		},
		{
			name: "aria2c progress",
			line: "[#2089b0 400KiB/33MiB(1%) CN:1 DL:115KiB ETA:4m28s]",
			kind: KindProgress,
		},
		{
			name: "json template progress",
			line: `{"eta":12,"percentage":" 42.0%","speed":2048}`,
			kind: KindProgress,
		},
		{
			name: "engine error",
			line: "ERROR: [youtube] abc: Video unavailable",
			kind: KindEngineError,
		},
		{
			name: "archived",
			line: "[download] abc has already been recorded in the archive",
			kind: KindAlreadyInArchive,
		},
		{
			name: "plain",
			line: "[youtube] Extracting URL: https://www.youtube.com/watch?v=x",
			kind: KindLog,
		},
		{
			name: "percent without context",
			line: "compression ratio 45%",
			kind: KindLog,
		},
		{
			name: "garbage",
			line: "\x00\x01{not json",
			kind: KindLog,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := consumeAll(tt.line + "\n")
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
			}
			if events[0].Kind != tt.kind {
				t.Errorf("expected %s, got %s", tt.kind, events[0].Kind)
			}
		})
	}
}

func TestProgressValues(t *testing.T) {
	events := consumeAll("[download]  45.3% of 10.00MiB at  1.23MiB/s ETA 00:05\n")
	p := events[0].Progress

	if p.Percent != 45.3 {
		t.Errorf("expected 45.3, got %v", p.Percent)
	}
	if p.Speed != "1.23MiB/s" {
		t.Errorf("unexpected speed %q", p.Speed)
	}
	if p.SpeedBytes == 0 {
		t.Error("expected speed in bytes")
	}
	if p.ETA != "00:05" {
		t.Errorf("unexpected eta %q", p.ETA)
	}

	events = consumeAll(`{"eta":75,"percentage":"100.0%","speed":1048576}` + "\n")
	p = events[0].Progress
	if p.Percent != 100 || p.SpeedBytes != 1048576 || p.ETA != "01:15" {
		t.Errorf("unexpected template progress %+v", p)
	}

	events = consumeAll("[download]    1.00MiB at  500.00KiB/s (00:02)\n")
	if events[0].Kind != KindProgress || events[0].Progress.Percent != -1 {
		t.Errorf("expected indeterminate progress, got %+v", events[0])
	}
}

func TestRequiresUpdate(t *testing.T) {
	events := consumeAll("ERROR: this site requires version 2024.10.22 or newer\n")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Kind != KindRequiresUpdate || events[0].RequiredVersion != "2024.10.22" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].Kind != KindEngineError || events[1].Message != "this site requires version 2024.10.22 or newer" {
		t.Errorf("unexpected second event %+v", events[1])
	}

	events = consumeAll("warning: minimum required version is 1.26.0\n")
	if events[0].Kind != KindRequiresUpdate || events[0].RequiredVersion != "1.26.0" {
		t.Errorf("unexpected event %+v", events[0])
	}
}

const formatTable = `[info] Available formats for dQw4w9WgXcQ:
ID  EXT   RESOLUTION FPS │   FILESIZE   TBR PROTO │ VCODEC
─────────────────────────────────────────────────────────
139 m4a   audio only     │    1.18MiB   49k https │ audio only
137 mp4   1920x1080   25 │   79.07MiB 3230k https │ avc1.640028
[info] done
`

const formatTableWithWarning = `ID  EXT   RESOLUTION FPS │   FILESIZE   TBR PROTO │ VCODEC
─────────────────────────────────────────────────────────
hls-1080p mp4 1920x1080 30 │ ~ 2.10GiB 4500k m3u8 │ avc1.64002a
WARNING: ffmpeg not found, some formats unavailable
251 webm audio only │ 3.01MiB 130k https │ audio only
`

func TestFormatRows(t *testing.T) {
	var rows []Event
	for _, ev := range consumeAll(formatTable) {
		if ev.Kind == KindFormat {
			rows = append(rows, ev)
		}
	}

	if len(rows) != 2 {
		t.Fatalf("expected 2 format rows, got %d", len(rows))
	}

	if rows[0].Format.FormatCode != "139" || rows[0].Format.Extension != "m4a" || rows[0].Format.Resolution != "audio only" {
		t.Errorf("unexpected row %+v", rows[0].Format)
	}
	if rows[1].Format.FormatCode != "137" || rows[1].Format.Resolution != "1920x1080" {
		t.Errorf("unexpected row %+v", rows[1].Format)
	}
	if rows[1].Format.Note == "" {
		t.Error("expected a note")
	}

	rows = rows[:0]
	for _, ev := range consumeAll(formatTableWithWarning) {
		if ev.Kind == KindFormat {
			rows = append(rows, ev)
		}
	}
	if len(rows) != 1 || rows[0].Format.FormatCode != "hls-1080p" {
		t.Errorf("a warning should end the table, got %+v", rows)
	}
}

func TestSplitChunksAreEquivalent(t *testing.T) {
	input := "[download] Destination: a.mp4\r[download]  10.0% of 1.00MiB at 100.00KiB/s ETA 00:09\r\n" +
		"ERROR: boom\n" + formatTable + "trailing line without newline"

	whole := consumeAll(input)

	for i := 1; i < len(input); i++ {
		split := consumeAll(input[:i], input[i:])
		if !reflect.DeepEqual(whole, split) {
			t.Fatalf("split at %d differs:\nwhole: %+v\nsplit: %+v", i, whole, split)
		}
	}
}

func TestPartialLineIsBuffered(t *testing.T) {
	st, events := Consume([]byte("[download]  50.0% of"), State{})
	if len(events) != 0 {
		t.Fatalf("incomplete line should not produce events, got %+v", events)
	}

	_, events = Consume([]byte(" 2.00MiB at 1.00MiB/s ETA 00:01\n"), st)
	if len(events) != 1 || events[0].Kind != KindProgress || events[0].Progress.Percent != 50 {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestStateIsNotShared(t *testing.T) {
	st, _ := Consume([]byte("partial"), State{})

	a, _ := Consume([]byte(" one\n"), st)
	_, evs := Consume([]byte(" two\n"), st)

	if len(evs) != 1 || evs[0].Line != "partial two" {
		t.Errorf("reused state produced %+v", evs)
	}
	if len(a.partial) != 0 {
		t.Error("line should be consumed")
	}
}

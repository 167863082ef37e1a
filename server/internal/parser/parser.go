package parser

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/marcopiovanello/engine-dispatch/server/internal"
)

type Kind int

const (
	KindLog Kind = iota
	KindProgress
	KindFormat
	KindAlreadyInArchive
	KindEngineError
	KindRequiresUpdate
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "ProgressUpdate"
	case KindFormat:
		return "FormatRow"
	case KindAlreadyInArchive:
		return "AlreadyInArchive"
	case KindEngineError:
		return "EngineError"
	case KindRequiresUpdate:
		return "RequiresUpdate"
	}
	return "PlainLogLine"
}

// Event is a normalized piece of engine output.
type Event struct {
	Kind            Kind
	Progress        internal.DownloadProgress
	Format          internal.FormatRow
	Message         string
	RequiredVersion string
	Line            string
}

// lines longer than this are flushed as they are, engines printing
// megabytes without a newline should not grow the buffer forever
const maxLineLength = 64 * 1024

// State is the per stream parser state. The zero value is ready to use.
type State struct {
	partial []byte
	inTable bool
}

// Consume feeds a raw chunk of output. Complete lines (terminated by \n or
// \r) are classified, an incomplete trailing line is kept in the returned
// state until a later chunk completes it. Consume never fails: anything
// that is not recognized becomes a KindLog event.
func Consume(chunk []byte, st State) (State, []Event) {
	var events []Event

	data := chunk
	if len(st.partial) > 0 {
		data = append(append([]byte(nil), st.partial...), chunk...)
	}

	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx < 0 {
			break
		}
		events = st.line(string(data[:idx]), events)
		data = data[idx+1:]
	}

	if len(data) > maxLineLength {
		events = st.line(string(data), events)
		data = nil
	}

	// the chunk buffer belongs to the caller
	st.partial = append([]byte(nil), data...)

	return st, events
}

// Flush classifies whatever is left in the buffer, used once the stream
// reached EOF.
func Flush(st State) (State, []Event) {
	var events []Event
	if len(st.partial) > 0 {
		events = st.line(string(st.partial), events)
	}
	st.partial = nil
	return st, events
}

var (
	percentRe = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)
	speedRe   = regexp.MustCompile(`(?i)(~?\s*\d+(?:\.\d+)?\s*[KMGT]?i?B/s)`)
	aria2DLRe = regexp.MustCompile(`DL:(\d+(?:\.\d+)?[KMGT]?i?B)`)
	etaRe     = regexp.MustCompile(`(?i)ETA[:\s]+(\d+(?::\d+)+|[\dhms]+|unknown)`)

	requiresRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)requires?\s+(?:at\s+least\s+)?version\s+v?(\d+(?:\.\d+)+)`),
		regexp.MustCompile(`(?i)requires?\s+(?:at\s+least\s+)?v?(\d+(?:\.\d+)+)\s+or\s+(?:newer|later|above)`),
		regexp.MustCompile(`(?i)minimum\s+(?:required\s+)?version(?:\s+is)?:?\s+v?(\d+(?:\.\d+)+)`),
	}

	archivedMarkers = []string{
		"has already been recorded in the archive",
		"has already been recorded in archive",
		"has already been downloaded",
		"already exists in archive",
	}

	errorPrefixes = []string{"error:", "[error]", "fatal:"}

	// "WARNING:", "Note:" and the like end a format table
	labelRe      = regexp.MustCompile(`^[A-Za-z]+:$`)
	formatCodeRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+-]*$`)
	extensionRe  = regexp.MustCompile(`^[a-z0-9]{2,5}$`)
)

// yt-dlp --progress-template output, see the download options of the
// bundled yt-dlp definition
type progressTemplate struct {
	Percentage string   `json:"percentage"`
	Speed      *float64 `json:"speed"`
	Eta        *float64 `json:"eta"`
}

func (st *State) line(raw string, events []Event) []Event {
	line := strings.TrimSpace(raw)
	if line == "" {
		return events
	}

	if ev, ok := parseTemplate(line); ok {
		return append(events, ev)
	}

	lower := strings.ToLower(line)

	for _, re := range requiresRe {
		if m := re.FindStringSubmatch(line); m != nil {
			events = append(events, Event{Kind: KindRequiresUpdate, RequiredVersion: m[1], Line: line})
			break
		}
	}

	for _, p := range errorPrefixes {
		if strings.HasPrefix(lower, p) {
			msg := strings.TrimSpace(line[len(p):])
			return append(events, Event{Kind: KindEngineError, Message: msg, Line: line})
		}
	}

	for _, m := range archivedMarkers {
		if strings.Contains(lower, m) {
			return append(events, Event{Kind: KindAlreadyInArchive, Line: line})
		}
	}

	if ev, ok := st.parseFormat(line); ok {
		return append(events, ev)
	}

	if ev, ok := parseProgress(line); ok {
		return append(events, ev)
	}

	return append(events, Event{Kind: KindLog, Line: line})
}

func parseTemplate(line string) (Event, bool) {
	if !strings.HasPrefix(line, "{") {
		return Event{}, false
	}

	var t progressTemplate
	if err := json.Unmarshal([]byte(line), &t); err != nil || t.Percentage == "" {
		return Event{}, false
	}

	p := internal.DownloadProgress{Percent: -1}

	if m := percentRe.FindStringSubmatch(t.Percentage); m != nil {
		p.Percent = clampPercent(m[1])
	}

	if t.Speed != nil && *t.Speed > 0 {
		p.SpeedBytes = uint64(*t.Speed)
		p.Speed = humanize.IBytes(p.SpeedBytes) + "/s"
	}

	if t.Eta != nil && *t.Eta >= 0 {
		p.ETA = formatSeconds(int(*t.Eta))
	}

	return Event{Kind: KindProgress, Progress: p, Line: line}, true
}

func parseProgress(line string) (Event, bool) {
	isDownloadLine := strings.HasPrefix(line, "[download]")

	speed := speedRe.FindStringSubmatch(line)
	if speed == nil {
		speed = aria2DLRe.FindStringSubmatch(line)
	}
	eta := etaRe.FindStringSubmatch(line)
	percent := percentRe.FindStringSubmatch(line)

	if percent == nil && !(isDownloadLine && speed != nil) {
		return Event{}, false
	}
	if percent != nil && !isDownloadLine && speed == nil && eta == nil {
		return Event{}, false
	}

	p := internal.DownloadProgress{Percent: -1}
	if percent != nil {
		p.Percent = clampPercent(percent[1])
	}

	if speed != nil {
		p.Speed = strings.Join(strings.Fields(strings.TrimPrefix(strings.TrimSpace(speed[1]), "~")), "")
		if !strings.HasSuffix(p.Speed, "/s") {
			p.Speed += "/s"
		}
		if b, err := humanize.ParseBytes(strings.TrimSuffix(p.Speed, "/s")); err == nil {
			p.SpeedBytes = b
		}
	}

	if eta != nil {
		p.ETA = eta[1]
	}

	return Event{Kind: KindProgress, Progress: p, Line: line}, true
}

var tableSeparators = strings.NewReplacer("│", " ", "|", " ")

func (st *State) parseFormat(line string) (Event, bool) {
	fields := strings.Fields(tableSeparators.Replace(line))

	if isFormatHeader(fields) {
		st.inTable = true
		return Event{Kind: KindLog, Line: line}, true
	}

	if !st.inTable {
		return Event{}, false
	}

	if strings.HasPrefix(line, "[") || (len(fields) > 0 && labelRe.MatchString(fields[0])) {
		st.inTable = false
		return Event{}, false
	}

	if strings.Trim(line, "-─ ") == "" {
		return Event{Kind: KindLog, Line: line}, true
	}

	if len(fields) < 3 || !formatCodeRe.MatchString(fields[0]) || !extensionRe.MatchString(fields[1]) {
		return Event{}, false
	}

	row := internal.FormatRow{
		FormatCode: fields[0],
		Extension:  fields[1],
	}

	rest := fields[2:]
	if len(rest) >= 2 && rest[0] == "audio" && rest[1] == "only" {
		row.Resolution = "audio only"
		rest = rest[2:]
	} else {
		row.Resolution = rest[0]
		rest = rest[1:]
	}
	row.Note = strings.Join(rest, " ")

	return Event{Kind: KindFormat, Format: row, Line: line}, true
}

func isFormatHeader(fields []string) bool {
	if len(fields) < 2 {
		return false
	}
	switch {
	case fields[0] == "ID" && fields[1] == "EXT":
		return true
	case fields[0] == "format" && len(fields) > 2 && fields[1] == "code" && fields[2] == "extension":
		return true
	}
	return false
}

func clampPercent(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}
	return min(max(f, 0), 100)
}

func formatSeconds(total int) string {
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return strconv.Itoa(h) + ":" + pad(m) + ":" + pad(s)
	}
	return pad(m) + ":" + pad(s)
}

func pad(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

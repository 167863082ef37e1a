package internal

import (
	"time"
)

type Mode string

const (
	ModeDownload Mode = "download"
	ModeList     Mode = "list"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusSkippedArchived Status = "skipped_archived"
)

// Terminal states never transition again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkippedArchived:
		return true
	}
	return false
}

// Used to unmarshal the request coming from the control api or the cli.
// Once admitted by the scheduler it is never modified.
type DownloadRequest struct {
	Id             string    `json:"id"`
	URL            string    `json:"url"`
	EngineOverride string    `json:"engine,omitempty"`
	Mode           Mode      `json:"mode,omitempty"`
	Params         []string  `json:"params,omitempty"`
	Path           string    `json:"path,omitempty"`
	Rename         string    `json:"rename,omitempty"`
	ArchiveID      string    `json:"archive_id,omitempty"`
	Force          bool      `json:"force,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type DownloadProgress struct {
	// -1 means indeterminate
	Percent    float64 `json:"percent"`
	Speed      string  `json:"speed,omitempty"`
	SpeedBytes uint64  `json:"speed_bytes,omitempty"`
	ETA        string  `json:"eta,omitempty"`
}

type FormatRow struct {
	FormatCode string `json:"format_code"`
	Extension  string `json:"extension"`
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

// Mutable companion of a DownloadRequest. Values of this type handed out to
// observers are copies.
type DownloadState struct {
	Id             string           `json:"id"`
	URL            string           `json:"url"`
	Engine         string           `json:"engine,omitempty"`
	Mode           Mode             `json:"mode"`
	Status         Status           `json:"status"`
	Progress       DownloadProgress `json:"progress"`
	Reason         string           `json:"reason,omitempty"`
	ErrorKind      string           `json:"error_kind,omitempty"`
	Warning        string           `json:"warning,omitempty"`
	RequiresUpdate string           `json:"requires_update,omitempty"`
	ExitCode       *int             `json:"exit_code,omitempty"`
	Formats        []FormatRow      `json:"formats,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      time.Time        `json:"started_at,omitempty"`
	FinishedAt     time.Time        `json:"finished_at,omitempty"`
}

func (s DownloadState) Clone() DownloadState {
	c := s
	if s.Formats != nil {
		c.Formats = append([]FormatRow(nil), s.Formats...)
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	return c
}

type Counts struct {
	NotStarted int `json:"not_started"`
	Running    int `json:"running"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Skipped    int `json:"skipped"`
	Total      int `json:"total"`
}

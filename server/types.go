package server

import "github.com/marcopiovanello/engine-dispatch/server/internal"

// Request and state types re-exported for the command line, which lives
// outside of server and cannot import its internal packages.
type (
	DownloadRequest = internal.DownloadRequest
	DownloadState   = internal.DownloadState
	Status          = internal.Status
	Mode            = internal.Mode
)

const (
	ModeDownload = internal.ModeDownload
	ModeList     = internal.ModeList

	StatusFailed          = internal.StatusFailed
	StatusSkippedArchived = internal.StatusSkippedArchived
)

func Version() string { return internal.AppVersion }

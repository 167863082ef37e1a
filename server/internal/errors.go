package internal

import "errors"

var (
	// ErrConfig marks a malformed engine definition, the entry is skipped
	ErrConfig = errors.New("invalid engine definition")

	// ErrNoEngineMatched is returned when no engine accepts the url
	ErrNoEngineMatched = errors.New("no engine matched the url")

	// ErrUnknownEngine is returned when an explicit override names an engine that is not loaded
	ErrUnknownEngine = errors.New("unknown engine")

	ErrExecutableNotFound = errors.New("engine executable not found")
	ErrLaunchFailed       = errors.New("engine launch failed")

	// ErrUnresponsive is reported when an engine produced neither output nor exit in time
	ErrUnresponsive = errors.New("engine unresponsive")

	ErrCrashed = errors.New("engine crashed")

	ErrNetwork                = errors.New("network error")
	ErrVersionInfoUnavailable = errors.New("version info unavailable")

	ErrArchiveIO = errors.New("archive i/o error")

	ErrNotFound = errors.New("no download found for the given id")
)

// Kind returns the short name of the taxonomy error wrapped by err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrNoEngineMatched):
		return "NoEngineMatched"
	case errors.Is(err, ErrUnknownEngine):
		return "UnknownEngine"
	case errors.Is(err, ErrExecutableNotFound):
		return "EngineExecutableNotFound"
	case errors.Is(err, ErrLaunchFailed):
		return "EngineLaunchFailed"
	case errors.Is(err, ErrUnresponsive):
		return "EngineUnresponsive"
	case errors.Is(err, ErrCrashed):
		return "EngineCrashed"
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	case errors.Is(err, ErrVersionInfoUnavailable):
		return "VersionInfoUnavailable"
	case errors.Is(err, ErrArchiveIO):
		return "ArchiveIOError"
	}
	return "Error"
}

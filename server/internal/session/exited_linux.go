package session

import (
	"errors"

	"golang.org/x/sys/unix"
)

// hasExited reports whether the process has terminated, without reaping
// it: cmd.Wait still collects the status once the output is drained.
func hasExited(pid int) bool {
	var info unix.Siginfo
	err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
	if errors.Is(err, unix.ECHILD) {
		// already reaped
		return true
	}
	return err == nil && info.Signo == int32(unix.SIGCHLD)
}

//go:build linux

package worker

import (
	"errors"

	"golang.org/x/sys/unix"
)

// waitExited blocks until pid has exited, leaving it a zombie (WNOWAIT) so
// the caller still owns the pid until cmd.Wait collects it.
func waitExited(pid int) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == nil {
			return true
		}
		if !errors.Is(err, unix.EINTR) {
			return false
		}
	}
}

package process

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// signalGroup delivers sig to the process group led by pid, falling back to
// the single process when pid is not a group leader. A process that is already
// gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		if err := syscall.Kill(-pid, sig); err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// pollInterval is how often TerminatePID checks whether a foreign process has exited.
const pollInterval = 50 * time.Millisecond

// TerminatePID stops a process this binary did not spawn. It cannot be reaped
// from here, so exit is detected by polling alive. Returns whether SIGKILL was
// needed.
func TerminatePID(pid int, graceful, kill time.Duration, alive func(int) bool) (bool, error) {
	if graceful <= 0 {
		graceful = DefaultGracefulTimeout
	}
	if kill <= 0 {
		kill = DefaultKillTimeout
	}
	if !alive(pid) {
		return false, nil
	}

	if err := signalGroup(pid, syscall.SIGINT); err != nil {
		return false, fmt.Errorf("signal %d: %w", pid, err)
	}
	if waitGone(pid, graceful, alive) {
		return false, nil
	}

	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return true, fmt.Errorf("kill %d: %w", pid, err)
	}
	if waitGone(pid, kill, alive) {
		return true, nil
	}
	return true, ErrKillFailed
}

func waitGone(pid int, timeout time.Duration, alive func(int) bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !alive(pid)
}

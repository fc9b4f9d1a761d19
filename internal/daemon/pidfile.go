package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pidFileName is the well-known PID file inside the data directory.
const pidFileName = "pibrain.pid"

// ErrAlreadyRunning indicates another live daemon owns the PID file.
var ErrAlreadyRunning = errors.New("daemon: already running")

// PIDFile guards against two daemons sharing one data directory.
type PIDFile struct {
	path string
}

// AcquirePIDFile claims the PID file at path. A stale file left by a dead
// process is silently replaced; a file owned by a live process is an error
// naming that pid.
func AcquirePIDFile(path string) (*PIDFile, error) {
	raw, readErr := os.ReadFile(path)
	if readErr == nil {
		pid, parseErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if parseErr == nil && pid != os.Getpid() && processAlive(pid) {
			return nil, fmt.Errorf("%w: pid %d holds %s", ErrAlreadyRunning, pid, path)
		}
	} else if !errors.Is(readErr, os.ErrNotExist) {
		return nil, fmt.Errorf("read pid file: %w", readErr)
	}

	writeErr := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	if writeErr != nil {
		return nil, fmt.Errorf("write pid file: %w", writeErr)
	}

	return &PIDFile{path: path}, nil
}

// Release removes the PID file. Safe to call once at shutdown.
func (p *PIDFile) Release() error {
	err := os.Remove(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}

	return nil
}

// processAlive probes a pid with signal 0. EPERM means the process exists
// but belongs to another user, which still counts as alive.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	sigErr := proc.Signal(syscall.Signal(0))

	return sigErr == nil || errors.Is(sigErr, syscall.EPERM)
}

// Package enginemgmt sends the local engine process a termination signal
// during nuclear resync and confirms it has exited, the way the teacher's
// host package manages container processes with golang.org/x/sys/unix.
// The controller never launches the engine process itself — that remains
// an external boot wrapper's job — but it must be able to ask the process
// it shares a data directory with to stop before that directory is wiped.
package enginemgmt

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNoPIDFile is returned when the configured PID file does not exist,
// e.g. because the engine process already exited.
var ErrNoPIDFile = errors.New("enginemgmt: pid file not found")

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if os.IsNotExist(err) {
		return 0, ErrNoPIDFile
	}
	if err != nil {
		return 0, errors.Wrap(err, "reading pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrap(err, "parsing pid file")
	}
	return pid, nil
}

// Terminate sends SIGTERM to the process named by pidFile, the same signal
// the engine treats as a request for a clean shutdown.
func Terminate(pidFile string) error {
	pid, err := readPID(pidFile)
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return nil
		}
		return err
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "signaling pid %d", pid)
	}
	return nil
}

// alive reports whether pid still exists, using signal 0, which performs
// no actual signaling and only checks for existence and permission.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil
}

// WaitExited polls until the process named by pidFile is gone or the grace
// period elapses. It returns nil once the process has exited (or was
// never running), and a non-nil error if it is still alive when the grace
// period or ctx expires.
func WaitExited(ctx context.Context, pidFile string, grace time.Duration) error {
	pid, err := readPID(pidFile)
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !alive(pid) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("enginemgmt: pid %d still alive after %s", pid, grace)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package runlock provides host-wide mutual exclusion for pipeline runs.
// The filesystem lock (exclusive-create file carrying the owner PID) is
// the cross-process half; the dispatch lock row in the database is the
// transactionally consistent half. Neither is relied on alone.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultPath is the well-known lock file location relative to the
// working directory.
const DefaultPath = "runtime/global_run.lock"

// DefaultStaleThreshold is how long a job may sit in status=running
// before the reaper will consider its lock stale.
const DefaultStaleThreshold = 4 * time.Hour

// ErrHeld is returned by TryAcquire when another live process owns the
// lock. Use HolderPID to learn the owner.
var ErrHeld = errors.New("run lock held")

// Lock is a filesystem PID lock.
type Lock struct {
	path string
}

// New creates a lock handle at path. DefaultPath when empty.
func New(path string) *Lock {
	if path == "" {
		path = DefaultPath
	}
	return &Lock{path: path}
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// TryAcquire attempts an exclusive-create of the lock file containing
// pid. Returns ErrHeld when the file already exists and its recorded
// process is still alive; a dead holder is reaped in place and
// acquisition retried once.
func (l *Lock) TryAcquire(pid int) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(file, "%d\n", pid)
			cerr := file.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("open lock file: %w", err)
		}

		holder, herr := l.HolderPID()
		if herr == nil && holder > 0 && pidAlive(holder) {
			return fmt.Errorf("%w by pid %d", ErrHeld, holder)
		}
		// Holder is gone or the file is unreadable garbage; clear and retry.
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			return fmt.Errorf("clear stale lock: %w", rerr)
		}
	}
	return fmt.Errorf("%w: lock contended", ErrHeld)
}

// Release unlinks the lock file. Only the owner should call this; a
// missing file is not an error.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// HolderPID reads the PID recorded in the lock file. Returns 0 with no
// error when the file does not exist.
func (l *Lock) HolderPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s does not contain a PID: %w", l.path, err)
	}
	return pid, nil
}

// ReapIfStale clears the lock when its recorded PID is no longer alive.
// Reports whether the lock was cleared. PID-reuse races are tolerated
// because callers only invoke this after observing the corresponding job
// as running beyond the stale threshold.
func (l *Lock) ReapIfStale() (bool, error) {
	holder, err := l.HolderPID()
	if err != nil {
		// Unreadable lock file: treat as stale.
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			return false, rerr
		}
		return true, nil
	}
	if holder == 0 {
		return false, nil
	}
	if pidAlive(holder) {
		return false, nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// PIDAlive reports whether the process exists. Exposed for the
// dispatcher's reconcile sweep.
func PIDAlive(pid int) bool { return pidAlive(pid) }

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// Probe failure: assume alive, the reaper will retry next sweep.
		return true
	}
	return alive
}

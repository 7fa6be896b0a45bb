package store

import (
	"fmt"
	"os"
	"time"
)

// writeLocker is a cross-process advisory file lock guarding the
// write path, grounded on the teacher's internal/db/lock.go. Like
// that file it uses a 5ms/50ms acquisition backoff; the constants here
// are unchanged from the teacher since this is the same concern (lock
// acquisition, not network retry).
type writeLocker struct {
	lockPath string
	lockFile *os.File
}

const (
	lockDefaultTimeout = 500 * time.Millisecond
	lockInitialBackoff = 5 * time.Millisecond
	lockMaxBackoff     = 50 * time.Millisecond
)

func newWriteLocker(lockPath string) (*writeLocker, error) {
	return &writeLocker{lockPath: lockPath}, nil
}

// acquire blocks until the lock is obtained or lockDefaultTimeout
// elapses, using exponential backoff between attempts.
func (l *writeLocker) acquire() error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(lockDefaultTimeout)
	backoff := lockInitialBackoff
	for {
		if err := tryLock(f); err == nil {
			l.lockFile = f
			_ = writeHolder(f)
			return nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return fmt.Errorf("timed out after %s waiting for write lock", lockDefaultTimeout)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > lockMaxBackoff {
			backoff = lockMaxBackoff
		}
	}
}

func (l *writeLocker) release() {
	if l.lockFile == nil {
		return
	}
	unlock(l.lockFile)
	l.lockFile.Close()
	l.lockFile = nil
}

// writeHolder records the current process's PID and timestamp in the
// lock file for diagnostics, matching the teacher's writeHolder.
func writeHolder(f *os.File) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d acquired_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

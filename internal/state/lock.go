package state

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Fantasim/rebalancer/internal/config"
)

// Lock acquires an exclusive, non-blocking advisory lock on a well-known
// file inside the state directory. The state document on disk is the
// cross-process source of truth for the single in-flight job; the lock
// file closes the gap the document alone leaves open — two processes
// pointed at the same state directory could otherwise both believe they
// own the single job slot and race to mutate the live document. Call once
// at startup, before LoadOrInit. The returned closer releases the lock and
// must be held open for the lifetime of the process.
func (s *Store) Lock() (func() error, error) {
	path := filepath.Join(s.dir, config.StateLockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, config.StateFilePerm)
	if err != nil {
		return nil, fmt.Errorf("state: open lock file %q: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, config.ErrAlreadyRunning
		}
		return nil, fmt.Errorf("state: flock %q: %w", path, err)
	}

	return func() error {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			f.Close()
			return fmt.Errorf("state: unlock %q: %w", path, err)
		}
		return f.Close()
	}, nil
}

package lock

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/storage/pkg/lockfile"
	"github.com/pkg/errors"
)

// FileLocker is a Locker backed by a POSIX lock on a file, so several
// processes sharing one port contend on the same lock.
type FileLocker struct {
	lockPath string
	lock     *lockfile.LockFile

	state sync.Mutex
	held  bool
}

// NewFileLocker opens (creating if needed) the lock file at path.
func NewFileLocker(path string) (*FileLocker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0711); err != nil {
		return nil, errors.Wrapf(err, "creating lock directory for %s", path)
	}
	l, err := lockfile.GetLockFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error acquiring lock file %s", path)
	}
	return &FileLocker{
		lockPath: path,
		lock:     l,
	}, nil
}

// ID returns the path of the lock file.
func (l *FileLocker) ID() string {
	return l.lockPath
}

// Lock locks the lock.
func (l *FileLocker) Lock() error {
	l.lock.Lock()
	l.state.Lock()
	l.held = true
	l.state.Unlock()
	return nil
}

// Unlock unlocks the lock.
func (l *FileLocker) Unlock() error {
	l.state.Lock()
	defer l.state.Unlock()
	if !l.held {
		return errors.Wrapf(define.ErrLockNotHeld, "unlocking %s", l.lockPath)
	}
	l.held = false
	l.lock.Unlock()
	return nil
}

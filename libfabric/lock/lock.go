package lock

import (
	"path/filepath"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
)

// Locker serializes use of a shared resource, such as the process-wide
// management datagram port.
// All Locker implementations must maintain mutex semantics - the lock only
// allows one caller in the critical section at a time.
// Lockers are not reentrant: a holder that calls Lock() again deadlocks.
type Locker interface {
	// ID retrieves the lock's ID.
	ID() string
	// Lock locks the lock.
	// This call MUST block until it successfully acquires the lock or
	// encounters a fatal error.
	Lock() error
	// Unlock unlocks the lock.
	// A call to Unlock() on a lock that is already unlocked lock MUST
	// error.
	Unlock() error
}

const (
	// MutexLockType is an in-process lock
	MutexLockType = "mutex"
	// FileLockType is a POSIX file lock shared between processes
	FileLockType = "file"
)

// New returns a Locker of the given type. The path is only used by file
// locks.
func New(lockType, path string) (Locker, error) {
	switch lockType {
	case "", MutexLockType:
		return NewMutexLocker(), nil
	case FileLockType:
		if path == "" {
			return nil, errors.Wrapf(define.ErrInvalidArg, "file lock requires a path")
		}
		return NewFileLocker(filepath.Clean(path))
	default:
		return nil, errors.Wrapf(define.ErrInvalidArg, "unknown lock type %s", lockType)
	}
}

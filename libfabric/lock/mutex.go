package lock

import (
	"sync"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
)

// MutexLocker is a Locker confined to the current process.
type MutexLocker struct {
	mu    sync.Mutex
	state sync.Mutex
	held  bool
}

// NewMutexLocker returns an unlocked in-process lock.
func NewMutexLocker() *MutexLocker {
	return new(MutexLocker)
}

// ID returns the lock's ID.
func (l *MutexLocker) ID() string {
	return MutexLockType
}

// Lock locks the lock.
func (l *MutexLocker) Lock() error {
	l.mu.Lock()
	l.state.Lock()
	l.held = true
	l.state.Unlock()
	return nil
}

// Unlock unlocks the lock.
func (l *MutexLocker) Unlock() error {
	l.state.Lock()
	if !l.held {
		l.state.Unlock()
		return errors.Wrapf(define.ErrLockNotHeld, "unlocking mutex lock")
	}
	l.held = false
	l.state.Unlock()
	l.mu.Unlock()
	return nil
}

package shpd

import (
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

// PDHandle is a protection domain together with how this process holds it.
// An owned domain was allocated here and is destroyed on release. An
// imported domain is borrowed from the peer through a received descriptor;
// releasing it only drops the reference and closes the descriptor.
type PDHandle struct {
	pd  verbs.PD
	own define.Ownership
	fd  int
}

// OwnedPD wraps a domain allocated by this process.
func OwnedPD(pd verbs.PD) PDHandle {
	return PDHandle{pd: pd, own: define.Owned, fd: -1}
}

// ImportedPD wraps a domain imported through fd.
func ImportedPD(pd verbs.PD, fd int) PDHandle {
	return PDHandle{pd: pd, own: define.Imported, fd: fd}
}

// PD returns the protection domain.
func (h PDHandle) PD() verbs.PD {
	return h.pd
}

// Ownership reports how the domain is held.
func (h PDHandle) Ownership() define.Ownership {
	return h.own
}

// Valid reports whether the handle refers to a domain.
func (h PDHandle) Valid() bool {
	return h.pd != nil
}

// ReleasePolicy bounds the attempts to deallocate an owned domain that is
// still referenced.
type ReleasePolicy struct {
	Retries int
	Delay   time.Duration
	Clock   clock.Clock
}

// DefaultReleasePolicy retries DefaultDeallocRetries times,
// DefaultDeallocDelay apart.
func DefaultReleasePolicy() ReleasePolicy {
	return ReleasePolicy{
		Retries: define.DefaultDeallocRetries,
		Delay:   define.DefaultDeallocDelay,
		Clock:   clock.RealClock{},
	}
}

// Release gives the domain back according to its ownership.
func (h PDHandle) Release(policy ReleasePolicy) error {
	if h.pd == nil {
		return nil
	}
	if h.own == define.Imported {
		h.pd.Unimport()
		if h.fd >= 0 {
			if err := unix.Close(h.fd); err != nil {
				return errors.Wrapf(err, "closing imported pd descriptor %d", h.fd)
			}
		}
		logrus.Debugf("Released imported PD %d", h.pd.Handle())
		return nil
	}

	if policy.Retries <= 0 {
		policy.Retries = 1
	}
	if policy.Clock == nil {
		policy.Clock = clock.RealClock{}
	}
	var err error
	for attempt := 1; attempt <= policy.Retries; attempt++ {
		if err = h.pd.Dealloc(); err == nil {
			logrus.Debugf("PD %d deallocated", h.pd.Handle())
			return nil
		}
		if attempt < policy.Retries {
			logrus.Warnf("Couldn't deallocate PD %d: %v. Retry in %s", h.pd.Handle(), err, policy.Delay)
			policy.Clock.Sleep(policy.Delay)
		}
	}
	return errors.Wrapf(define.ErrPDBusy, "after %d attempts: %v", policy.Retries, err)
}

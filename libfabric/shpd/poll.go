package shpd

import (
	"context"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Poller re-evaluates a condition at a fixed interval until it holds.
type Poller struct {
	Clock    clock.Clock
	Interval time.Duration
}

// NewPoller returns a poller using clk, or the real clock if clk is nil.
// A non-positive interval selects DefaultPollInterval.
func NewPoller(clk clock.Clock, interval time.Duration) Poller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = define.DefaultPollInterval
	}
	return Poller{Clock: clk, Interval: interval}
}

// Until calls cond until it reports true or fails, sleeping one interval
// between calls. It gives up with ErrWaitTimeout once ctx is done.
func (p Poller) Until(ctx context.Context, cond func() (bool, error)) error {
	if p.Clock == nil {
		p = NewPoller(nil, p.Interval)
	}
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(define.ErrWaitTimeout, "%v", err)
		}
		p.Clock.Sleep(p.Interval)
	}
}

package pingpong

import (
	"context"
	"runtime"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/pkg/errors"
)

// Run exchanges messages until iters sends and iters receives have
// completed. The client sends first; each side sends again once both its
// previous send and a receive have completed. progress, if set, is called
// with the receive count after every receive.
func (c *Context) Run(ctx context.Context, progress func(received int)) (Stats, error) {
	c.pending = recvWRID
	if c.Role() == define.ClientRole {
		if err := c.postSend(); err != nil {
			return Stats{}, errors.Wrapf(err, "couldn't post send")
		}
		c.pending |= sendWRID
	}

	start := c.clock.Now()
	rcnt, scnt := 0, 0
	for rcnt < c.iters || scnt < c.iters {
		if c.useEvents {
			cq, err := c.channel.GetEvent(ctx)
			if err != nil {
				return Stats{}, errors.Wrapf(err, "failed to get cq event")
			}
			c.numEvents++
			if cq != c.cq {
				return Stats{}, errors.Wrapf(define.ErrInternal, "CQ event for unknown CQ")
			}
			if err := c.cq.ReqNotify(); err != nil {
				return Stats{}, errors.Wrapf(err, "couldn't request CQ notification")
			}
		}

		wcs, err := c.poll(ctx)
		if err != nil {
			return Stats{}, err
		}
		for _, wc := range wcs {
			if wc.Status != verbs.WCSuccess {
				return Stats{}, errors.Wrapf(define.ErrWorkCompletion, "failed status %s (%d) for wr_id %d", wc.Status, int(wc.Status), wc.ID)
			}
			switch wc.ID {
			case sendWRID:
				scnt++
			case recvWRID:
				c.routs--
				if c.routs <= 1 {
					c.routs += c.postRecv(c.rxDepth - c.routs)
					if c.routs < c.rxDepth {
						return Stats{}, errors.Errorf("couldn't post receive (%d)", c.routs)
					}
				}
				rcnt++
				if progress != nil {
					progress(rcnt)
				}
			default:
				return Stats{}, errors.Wrapf(define.ErrInternal, "completion for unknown wr_id %d", wc.ID)
			}

			c.pending &^= int(wc.ID)
			if scnt < c.iters && c.pending == 0 {
				if err := c.postSend(); err != nil {
					return Stats{}, errors.Wrapf(err, "couldn't post send")
				}
				c.pending = recvWRID | sendWRID
			}
		}
	}

	return Stats{
		Size:    c.size,
		Iters:   c.iters,
		Elapsed: c.clock.Since(start),
	}, nil
}

// poll returns up to two completions. Without events it spins until at
// least one is available or ctx is done.
func (c *Context) poll(ctx context.Context) ([]verbs.WorkCompletion, error) {
	for {
		wcs, err := c.cq.Poll(2)
		if err != nil {
			return nil, errors.Wrapf(err, "poll CQ failed")
		}
		if c.useEvents || len(wcs) > 0 {
			return wcs, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runtime.Gosched()
	}
}

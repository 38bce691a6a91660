package pingpong

import (
	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/shpd"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// ContextOption is a functional option which alters the pingpong context
// before it is set up.
type ContextOption func(*Context) error

// WithServerName makes the context the client of the server at name.
// Without it the context is the server.
func WithServerName(name string) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		c.serverName = name
		return nil
	}
}

// WithPort sets the TCP port of the address exchange. It also names the
// local descriptor socket.
func WithPort(port int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if port < 0 || port > 65535 {
			return errors.Wrapf(define.ErrInvalidArg, "port %d", port)
		}
		c.port = port
		return nil
	}
}

// WithIBPort sets the device port.
func WithIBPort(port int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if port < 0 {
			return errors.Wrapf(define.ErrInvalidArg, "ib port %d", port)
		}
		c.ibPort = port
		return nil
	}
}

// WithSize sets the message size.
func WithSize(size int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if size <= 0 {
			return errors.Wrapf(define.ErrInvalidArg, "message size %d", size)
		}
		c.size = size
		return nil
	}
}

// WithMTU sets the path MTU in bytes.
func WithMTU(bytes int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		mtu := verbs.MTUFromBytes(bytes)
		if mtu == 0 {
			return errors.Wrapf(define.ErrInvalidArg, "mtu %d", bytes)
		}
		c.mtu = mtu
		return nil
	}
}

// WithRxDepth sets the number of receives kept posted.
func WithRxDepth(depth int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if depth <= 0 {
			return errors.Wrapf(define.ErrInvalidArg, "rx depth %d", depth)
		}
		c.rxDepth = depth
		return nil
	}
}

// WithIters sets the number of exchanges.
func WithIters(iters int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if iters <= 0 {
			return errors.Wrapf(define.ErrInvalidArg, "iterations %d", iters)
		}
		c.iters = iters
		return nil
	}
}

// WithSL sets the service level.
func WithSL(sl int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if sl < 0 || sl > 15 {
			return errors.Wrapf(define.ErrInvalidArg, "service level %d", sl)
		}
		c.sl = uint8(sl)
		return nil
	}
}

// WithGIDIndex selects the local GID. A negative index uses no GID.
func WithGIDIndex(index int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		c.gidIndex = index
		return nil
	}
}

// WithShmKey sets the key of the shared segment.
func WithShmKey(key int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		c.shmKey = key
		return nil
	}
}

// WithEvents waits for completion events instead of busy polling.
func WithEvents(events bool) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		c.useEvents = events
		return nil
	}
}

// WithSocketDir sets the directory of the local descriptor socket.
func WithSocketDir(dir string) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		c.socketDir = dir
		return nil
	}
}

// WithClock sets the clock used for rendezvous waits and timing.
func WithClock(clk clock.Clock) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if clk == nil {
			return errors.Wrapf(define.ErrInvalidArg, "nil clock")
		}
		c.clock = clk
		return nil
	}
}

// WithPoller sets how the client waits for the shared segment and for the
// descriptor socket.
func WithPoller(p shpd.Poller) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		c.poller = p
		return nil
	}
}

// WithSegmentProvider sets where the shared segment lives. The default is
// System V shared memory.
func WithSegmentProvider(p shpd.Provider) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if p == nil {
			return errors.Wrapf(define.ErrInvalidArg, "nil segment provider")
		}
		c.provider = p
		return nil
	}
}

// WithReleasePolicy bounds the attempts to deallocate the protection
// domain on close.
func WithReleasePolicy(policy shpd.ReleasePolicy) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		c.release = policy
		return nil
	}
}

// WithPageSize overrides the page size the shared buffers are aligned to.
func WithPageSize(size int) ContextOption {
	return func(c *Context) error {
		if c.valid {
			return define.ErrContextFinalized
		}
		if size <= 0 || size&(size-1) != 0 {
			return errors.Wrapf(define.ErrInvalidArg, "page size %d", size)
		}
		c.pageSize = size
		return nil
	}
}

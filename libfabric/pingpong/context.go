// Package pingpong runs a reliable-connection ping-pong between two
// processes that share one protection domain and one memory registration.
// The server allocates the domain, registers a shared segment and hands
// both to the client; each side then drives its own queue pair.
package pingpong

import (
	"context"
	"net"
	"os"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/exchange"
	"github.com/containers/fabrickit/libfabric/shpd"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/containers/fabrickit/pkg/errorhandling"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

const (
	recvWRID = 1
	sendWRID = 2
)

// Context holds every resource of one side of a session.
type Context struct {
	valid bool

	serverName string
	port       int
	ibPort     int
	size       int
	mtu        verbs.MTU
	rxDepth    int
	iters      int
	sl         uint8
	gidIndex   int
	shmKey     int
	useEvents  bool
	socketDir  string
	pageSize   int
	clock      clock.Clock
	poller     shpd.Poller
	provider   shpd.Provider
	release    shpd.ReleasePolicy

	device  verbs.Device
	context verbs.Context
	// shared is the second context of the server. The protection domain
	// is exported into its descriptor, which is what the client receives.
	shared   verbs.Context
	channel  verbs.CompChannel
	pd       shpd.PDHandle
	pdHandle uint32
	mr       verbs.MR
	lkey     uint32
	cq       verbs.CQ
	qp       verbs.QP
	seg      shpd.Segment
	sock     *net.UnixConn
	// failed is set once the record was marked failed. The segment then
	// outlives the server so the client can still observe the status.
	failed bool

	// buf is this side's message buffer inside the segment, and bufAddr
	// the address work requests use for it: always expressed in the
	// server's mapping, since that is what the registration covers.
	buf     []byte
	bufAddr uint64

	local     exchange.Record
	pending   int
	routs     int
	numEvents int
	closed    bool
}

func newContext() *Context {
	return &Context{
		port:      define.DefaultPingpongPort,
		ibPort:    1,
		size:      4096,
		mtu:       verbs.MTU1024,
		rxDepth:   500,
		iters:     1000,
		gidIndex:  -1,
		shmKey:    define.DefaultShmKey,
		socketDir: define.DefaultSocketDir,
		pageSize:  os.Getpagesize(),
		clock:     clock.RealClock{},
		provider:  shpd.SysVProvider{},
		release:   shpd.DefaultReleasePolicy(),
	}
}

// NewContext opens dev and sets up one side of a session: the shared
// segment, the protection domain (allocated by the server, imported by the
// client), the completion queue and a queue pair in the INIT state. On
// failure everything acquired so far is released.
func NewContext(ctx context.Context, dev verbs.Device, options ...ContextOption) (_ *Context, retErr error) {
	c := newContext()
	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, errors.Wrapf(err, "error configuring pingpong context")
		}
	}
	if c.poller.Clock == nil {
		c.poller = shpd.NewPoller(c.clock, c.poller.Interval)
	}
	c.device = dev
	c.valid = true

	defer func() {
		if retErr != nil {
			if err := c.teardown(); err != nil {
				logrus.Errorf("Releasing partially set up context: %v", err)
			}
		}
	}()

	var err error
	c.context, err = dev.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't get context for %s", dev.Name())
	}

	if c.useEvents {
		c.channel, err = c.context.CreateCompChannel()
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't create completion channel")
		}
	}

	layout := shpd.Layout{Size: c.size, PageSize: c.pageSize}
	segSize := shpd.SegmentSize(c.size, c.pageSize)
	if c.Role() == define.ServerRole {
		if err := c.publish(layout, segSize); err != nil {
			return nil, err
		}
	} else {
		seg, view, err := shpd.Await(ctx, c.provider, c.shmKey, segSize, c.poller)
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't get shm working")
		}
		c.seg = seg
		c.lkey = view.LKey()
		off := layout.ClientOffset()
		c.buf = seg.Bytes()[off : off+c.size]
		c.bufAddr = view.ServerBase() + uint64(off)
	}

	fill := byte(0x7b)
	if c.Role() == define.ServerRole {
		fill++
	}
	for i := range c.buf {
		c.buf[i] = fill
	}

	c.cq, err = c.context.CreateCQ(c.rxDepth+1, c.channel)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't create CQ")
	}

	if err := c.openSocket(ctx); err != nil {
		return nil, errors.Wrapf(err, "couldn't open UNIX socket")
	}
	if err := c.sharePD(); err != nil {
		return nil, errors.Wrapf(err, "couldn't share PD")
	}

	c.qp, err = c.pd.PD().CreateQP(verbs.QPInitAttr{
		SendCQ: c.cq,
		RecvCQ: c.cq,
		Cap: verbs.QPCap{
			MaxSendWR:  1,
			MaxRecvWR:  c.rxDepth,
			MaxSendSGE: 1,
			MaxRecvSGE: 1,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't create QP")
	}
	if err := c.qp.Modify(verbs.QPAttr{
		State:       verbs.QPSInit,
		PKeyIndex:   0,
		PortNum:     c.ibPort,
		AccessFlags: 0,
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to modify QP to INIT")
	}
	logrus.Debugf("%s context on %s ready, QP %#06x", c.Role(), dev.Name(), c.qp.Num())
	return c, nil
}

// publish allocates and exports the protection domain, creates the shared
// segment and registers it. The record is marked failed if the
// registration does not succeed, so a waiting client gives up.
func (c *Context) publish(layout shpd.Layout, segSize int) error {
	var err error
	c.shared, err = c.device.Open()
	if err != nil {
		return errors.Wrapf(err, "couldn't get shared context for %s", c.device.Name())
	}
	pd, err := c.context.AllocPD()
	if err != nil {
		return errors.Wrapf(err, "couldn't allocate PD")
	}
	c.pd = shpd.OwnedPD(pd)
	c.pdHandle, err = c.context.ExportPD(pd, c.shared.FD())
	if err != nil {
		return errors.Wrapf(err, "couldn't export PD to fd")
	}

	seg, record, err := shpd.Create(c.provider, c.shmKey, segSize)
	if err != nil {
		return err
	}
	c.seg = seg
	off := layout.ServerOffset()
	c.buf = seg.Bytes()[off : off+c.size]
	c.bufAddr = seg.Addr() + uint64(off)

	c.mr, err = pd.RegMR(seg.Bytes(), seg.Addr(), verbs.AccessLocalWrite)
	if err != nil {
		record.MarkFailed()
		c.failed = true
		return errors.Wrapf(err, "couldn't register MR")
	}
	c.lkey = c.mr.LKey()
	record.Publish(shpd.MRDescriptor{
		Addr:   c.mr.Addr(),
		Length: c.mr.Length(),
		Handle: c.mr.Handle(),
		LKey:   c.mr.LKey(),
		RKey:   c.mr.RKey(),
	})
	logrus.Debugf("Published MR lkey %#x on shm key %d", c.lkey, c.shmKey)
	return nil
}

func (c *Context) openSocket(ctx context.Context) error {
	path := shpd.SocketPath(c.socketDir, c.port)
	var err error
	if c.Role() == define.ServerRole {
		c.sock, err = shpd.AcceptOne(ctx, path)
	} else {
		c.sock, err = shpd.Dial(ctx, path, c.poller)
	}
	return err
}

func (c *Context) sharePD() error {
	if c.Role() == define.ServerRole {
		return shpd.SendPD(c.sock, shpd.PDExport{FD: c.shared.FD(), Handle: c.pdHandle})
	}
	exp, err := shpd.RecvPD(c.sock)
	if err != nil {
		return err
	}
	pd, err := c.context.ImportPD(exp.FD, exp.Handle)
	if err != nil {
		if cerr := unix.Close(exp.FD); cerr != nil {
			logrus.Errorf("Closing received descriptor: %v", cerr)
		}
		return errors.Wrapf(err, "couldn't import PD")
	}
	c.pd = shpd.ImportedPD(pd, exp.FD)
	c.pdHandle = exp.Handle
	return nil
}

// Role reports which side of the session this context is.
func (c *Context) Role() define.Role {
	if c.serverName == "" {
		return define.ServerRole
	}
	return define.ClientRole
}

// Buffer returns this side's message buffer.
func (c *Context) Buffer() []byte {
	return c.buf
}

// Iters returns the configured number of exchanges.
func (c *Context) Iters() int {
	return c.iters
}

// QPNum returns the number of the queue pair.
func (c *Context) QPNum() uint32 {
	return c.qp.Num()
}

// teardown releases what NewContext acquired, in reverse order, without
// retrying. It keeps going past failures.
func (c *Context) teardown() error {
	var errs []error
	if c.qp != nil {
		if err := c.qp.Destroy(); err != nil {
			errs = append(errs, errors.Wrapf(err, "destroying QP"))
		}
	}
	if c.sock != nil {
		if err := c.sock.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "closing UNIX socket"))
		}
	}
	if c.cq != nil {
		if err := c.cq.Destroy(); err != nil {
			errs = append(errs, errors.Wrapf(err, "destroying CQ"))
		}
	}
	if c.mr != nil {
		if err := c.mr.Dereg(); err != nil {
			errs = append(errs, errors.Wrapf(err, "deregistering MR"))
		}
	}
	if c.seg != nil {
		if err := c.deleteSegment(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.pd.Release(shpd.ReleasePolicy{Retries: 1, Clock: c.clock}); err != nil {
		errs = append(errs, errors.Wrapf(err, "releasing PD"))
	}
	if c.shared != nil {
		if err := c.shared.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "closing shared context"))
		}
	}
	if c.channel != nil {
		if err := c.channel.Destroy(); err != nil {
			errs = append(errs, errors.Wrapf(err, "destroying completion channel"))
		}
	}
	if c.context != nil {
		if err := c.context.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "closing context"))
		}
	}
	c.closed = true
	return errorhandling.JoinErrors(errs)
}

// deleteSegment detaches the segment; the server also removes it unless the
// record was marked failed.
func (c *Context) deleteSegment() error {
	if err := c.seg.Detach(); err != nil {
		return errors.Wrapf(err, "couldn't detach shm")
	}
	if c.failed {
		logrus.Warnf("Leaving shm %d with a failed record for the peer; remove it before reusing the key", c.shmKey)
		return nil
	}
	if c.Role() == define.ServerRole {
		if err := c.seg.Remove(); err != nil {
			return errors.Wrapf(err, "removing shm %d", c.shmKey)
		}
	}
	return nil
}

// Close releases the session. The server closes its shared context first.
// Destruction stops at the first failure of the queue pair, completion
// queue, registration or segment, since everything after depends on them;
// the protection domain is released with the configured retry policy.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.numEvents > 0 {
		c.cq.AckEvents(c.numEvents)
		c.numEvents = 0
	}
	var errs []error
	if c.shared != nil {
		if err := c.shared.Close(); err != nil {
			logrus.Errorf("Couldn't close shared context: %v", err)
			errs = append(errs, err)
		}
	}
	if c.sock != nil {
		if err := c.sock.Close(); err != nil {
			logrus.Debugf("Closing UNIX socket: %v", err)
		}
	}

	if err := c.qp.Destroy(); err != nil {
		return errors.Wrapf(err, "couldn't destroy QP")
	}
	if err := c.cq.Destroy(); err != nil {
		return errors.Wrapf(err, "couldn't destroy CQ")
	}
	if c.mr != nil {
		if err := c.mr.Dereg(); err != nil {
			return errors.Wrapf(err, "couldn't deregister MR")
		}
	}
	if err := c.deleteSegment(); err != nil {
		return errors.Wrapf(err, "couldn't destroy shared memory")
	}
	if err := c.pd.Release(c.release); err != nil {
		logrus.Errorf("Couldn't deallocate PD: %v", err)
		errs = append(errs, err)
	} else {
		logrus.Debugf("PD deallocated")
	}
	if c.channel != nil {
		if err := c.channel.Destroy(); err != nil {
			return errors.Wrapf(err, "couldn't destroy completion channel")
		}
	}
	if err := c.context.Close(); err != nil {
		return errors.Wrapf(err, "couldn't release context")
	}
	return errorhandling.JoinErrors(errs)
}

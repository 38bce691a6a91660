package pingpong

import (
	"context"
	"math/rand/v2"
	"net"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/exchange"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LocalAddress queries the port and returns the address the peer needs to
// reach this queue pair. The packet sequence number is drawn at random.
func (c *Context) LocalAddress() (exchange.Record, error) {
	attr, err := c.context.QueryPort(c.ibPort)
	if err != nil {
		return exchange.Record{}, errors.Wrapf(err, "couldn't get port info")
	}
	if attr.LinkLayer == verbs.LinkLayerInfiniBand && attr.LID == 0 {
		return exchange.Record{}, errors.Wrapf(define.ErrInvalidArg, "couldn't get local LID")
	}
	local := exchange.Record{
		LID: attr.LID,
		QPN: c.qp.Num(),
		PSN: rand.Uint32() & 0xffffff,
	}
	if c.gidIndex >= 0 {
		local.GID, err = c.context.QueryGID(c.ibPort, c.gidIndex)
		if err != nil {
			return exchange.Record{}, errors.Wrapf(err, "could not get local gid for gid index %d", c.gidIndex)
		}
	}
	c.local = local
	return local, nil
}

// Connect moves the queue pair through RTR to RTS towards remote.
func (c *Context) Connect(remote exchange.Record) error {
	attr := verbs.QPAttr{
		State:           verbs.QPSRTR,
		PathMTU:         c.mtu,
		DestQPN:         remote.QPN,
		RQPSN:           remote.PSN,
		MaxDestRDAtomic: 1,
		MinRNRTimer:     12,
		AH: verbs.AHAttr{
			DLID:    remote.LID,
			SL:      c.sl,
			PortNum: c.ibPort,
		},
	}
	if remote.GID.InterfaceID() != 0 {
		attr.AH.IsGlobal = true
		attr.AH.HopLimit = 1
		attr.AH.DGID = remote.GID
		attr.AH.SGIDIndex = c.gidIndex
	}
	if err := c.qp.Modify(attr); err != nil {
		return errors.Wrapf(err, "failed to modify QP to RTR")
	}

	attr.State = verbs.QPSRTS
	attr.Timeout = 14
	attr.RetryCount = 7
	attr.RNRRetry = 7
	attr.SQPSN = c.local.PSN
	attr.MaxRDAtomic = 1
	if err := c.qp.Modify(attr); err != nil {
		return errors.Wrapf(err, "failed to modify QP to RTS")
	}
	logrus.Debugf("QP %#06x connected to %#06x", c.qp.Num(), remote.QPN)
	return nil
}

// ExchangeAddresses trades addresses with the peer over TCP and connects
// the queue pair. The server connects as soon as it has read the client's
// record, before replying; the client connects after the exchange.
func (c *Context) ExchangeAddresses(ctx context.Context, local exchange.Record) (exchange.Record, error) {
	c.local = local
	if c.Role() == define.ClientRole {
		remote, err := exchange.Client(ctx, c.serverName, c.port, local)
		if err != nil {
			return exchange.Record{}, err
		}
		if err := c.Connect(remote); err != nil {
			return exchange.Record{}, err
		}
		return remote, nil
	}

	l, err := exchange.Listen(ctx, c.port)
	if err != nil {
		return exchange.Record{}, err
	}
	return c.ExchangeOn(ctx, l, local)
}

// ExchangeOn is the server side of ExchangeAddresses on an existing
// listener, which is closed once a client has connected.
func (c *Context) ExchangeOn(ctx context.Context, l net.Listener, local exchange.Record) (exchange.Record, error) {
	c.local = local
	return exchange.Serve(ctx, l, local, c.Connect)
}

// PostReceives fills the receive queue and, when waiting on events, arms
// the completion queue. It must precede the address exchange so that the
// peer's first message finds a receive posted.
func (c *Context) PostReceives() error {
	c.routs = c.postRecv(c.rxDepth)
	if c.routs < c.rxDepth {
		return errors.Errorf("couldn't post receive (%d)", c.routs)
	}
	if c.useEvents {
		if err := c.cq.ReqNotify(); err != nil {
			return errors.Wrapf(err, "couldn't request CQ notification")
		}
	}
	return nil
}

// postRecv posts up to n receives and returns how many were posted.
func (c *Context) postRecv(n int) int {
	wr := verbs.RecvWR{
		ID:  recvWRID,
		SGE: verbs.SGE{Addr: c.bufAddr, Length: uint32(c.size), LKey: c.lkey},
	}
	for i := 0; i < n; i++ {
		if err := c.qp.PostRecv(wr); err != nil {
			logrus.Debugf("Posting receive %d of %d: %v", i+1, n, err)
			return i
		}
	}
	return n
}

func (c *Context) postSend() error {
	return c.qp.PostSend(verbs.SendWR{
		ID:       sendWRID,
		SGE:      verbs.SGE{Addr: c.bufAddr, Length: uint32(c.size), LKey: c.lkey},
		Signaled: true,
	})
}

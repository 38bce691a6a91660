package overlay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handler answers one request. It returns the buffers to send back, in
// order; none means the request is dropped.
type Handler func(req mad.UMAD) []mad.UMAD

// Responder answers overlay requests on a UDP socket.
type Responder struct {
	conn    *net.UDPConn
	handler Handler

	mu     sync.Mutex
	closed bool
}

// Listen binds a responder to addr. Use port 0 for an ephemeral port.
func Listen(addr string, handler Handler) (*Responder, error) {
	if handler == nil {
		return nil, errors.New("overlay: nil handler")
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving overlay address %s", addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	return &Responder{conn: conn, handler: handler}, nil
}

// NewResponder serves on an already bound socket, such as one passed in
// by socket activation.
func NewResponder(conn net.PacketConn, handler Handler) (*Responder, error) {
	if handler == nil {
		return nil, errors.New("overlay: nil handler")
	}
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return nil, errors.Errorf("overlay: %T is not a UDP socket", conn)
	}
	return &Responder{conn: udp, handler: handler}, nil
}

// Addr returns the address the responder is bound to.
func (r *Responder) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Serve answers requests until ctx is done or the responder is closed.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	frame := make([]byte, maxFrame)
	for {
		n, from, err := r.conn.ReadFromUDP(frame)
		if err != nil {
			if r.isClosed() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			return errors.Wrapf(err, "reading overlay request")
		}
		req, err := decodeFrame(frame[:n])
		if err != nil {
			logrus.Debugf("Dropping overlay datagram from %s: %v", from, err)
			continue
		}
		req = append(mad.UMAD(nil), req...)
		if len(req) < mad.BufferSize {
			req = append(req, make([]byte, mad.BufferSize-len(req))...)
		}
		for _, reply := range r.handler(req) {
			if _, err := r.conn.WriteToUDP(encodeFrame(reply), from); err != nil {
				logrus.Warnf("Replying to %s: %v", from, err)
			}
		}
	}
}

// Close stops the responder.
func (r *Responder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.conn.Close()
}

func (r *Responder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// EchoOptions shapes the replies of EchoHandler.
type EchoOptions struct {
	// Status is written into the class status of every reply.
	Status uint16
	// Drop ignores the first Drop requests.
	Drop int
	// ForeignFirst sends a reply with an unrelated transaction id ahead of
	// each real reply.
	ForeignFirst bool
	// NoBuffer marks replies with the ENOMEM completion status.
	NoBuffer bool
	// Fill, if set, writes the reply payload.
	Fill func(m []byte)
}

// EchoHandler answers each request with itself, turned into a response:
// the response bit is set and the transaction id is echoed.
func EchoHandler(opts EchoOptions) Handler {
	var seen atomic.Int64
	return func(req mad.UMAD) []mad.UMAD {
		if n := seen.Add(1); n <= int64(opts.Drop) {
			logrus.Debugf("Dropping request %d of %d", n, opts.Drop)
			return nil
		}
		reply := append(mad.UMAD(nil), req...)
		m := reply.MAD()
		m[3] |= mad.MethodResponse
		status := opts.Status
		if mad.Class(m) == mad.ClassSMIDirect {
			status = status&0x7fff | 0x8000
		}
		mad.SetStatus(m, status)
		if opts.Fill != nil {
			opts.Fill(m)
		}
		reply.SetStatus(0)
		if opts.NoBuffer {
			reply.SetStatus(uint32(unix.ENOMEM))
		}

		replies := make([]mad.UMAD, 0, 2)
		if opts.ForeignFirst {
			foreign := append(mad.UMAD(nil), reply...)
			mad.SetTID(foreign.MAD(), mad.TID(m)^0xffffffff)
			replies = append(replies, foreign)
		}
		return append(replies, reply)
	}
}

package overlay

import (
	"net"
	"sync"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Port sends every MAD to a single responder over UDP.
type Port struct {
	conn *net.UDPConn

	mu      sync.Mutex
	closed  bool
	classes map[int]uint8
}

// Dial returns a port whose MADs are delivered to the responder at addr.
func Dial(addr string) (*Port, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving overlay address %s", addr)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing overlay responder %s", addr)
	}
	logrus.Debugf("Overlay port %s -> %s", conn.LocalAddr(), raddr)
	return &Port{conn: conn, classes: make(map[int]uint8)}, nil
}

// RegisterAgent hands out agent ids. The responder answers every class.
func (p *Port) RegisterAgent(class, classVersion, rmppVersion uint8) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, ErrClosed
	}
	id := len(p.classes)
	p.classes[id] = class
	return id, nil
}

// Send frames the umad header and length bytes of MAD.
func (p *Port) Send(agent int, buf mad.UMAD, length int, timeout time.Duration, retries int) error {
	if p.isClosed() {
		return ErrClosed
	}
	if length < 0 || mad.UMADHeaderSize+length > len(buf) {
		return errors.Wrapf(define.ErrInvalidArg, "send length %d", length)
	}
	buf.SetAgentID(uint32(agent))
	buf.SetTimeout(uint32(timeout.Milliseconds()))
	buf.SetRetries(uint32(retries))
	buf.SetLength(uint32(mad.UMADHeaderSize + length))
	buf.SetStatus(0)

	_, err := p.conn.Write(encodeFrame(buf[:mad.UMADHeaderSize+length]))
	return err
}

// Recv waits up to timeout for the next frame.
func (p *Port) Recv(buf mad.UMAD, timeout time.Duration) (int, error) {
	if p.isClosed() {
		return -1, ErrClosed
	}
	if timeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return -1, err
		}
	} else if err := p.conn.SetReadDeadline(time.Time{}); err != nil {
		return -1, err
	}

	frame := make([]byte, maxFrame)
	for {
		n, err := p.conn.Read(frame)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return -1, define.ErrTimeout
			}
			// ICMP port unreachable; treat it as a lost datagram.
			if errors.Is(err, unix.ECONNREFUSED) {
				continue
			}
			return -1, err
		}
		u, err := decodeFrame(frame[:n])
		if err != nil {
			logrus.Debugf("Dropping overlay datagram: %v", err)
			continue
		}
		n = copy(buf, u)
		clear(buf[n:])
		return min(len(u), len(buf)) - mad.UMADHeaderSize, nil
	}
}

// LocalAddr returns the local address of the port.
func (p *Port) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// Close closes the port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

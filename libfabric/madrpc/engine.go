// Package madrpc sends management datagrams over a raw port and waits for
// the matching reply, retrying over an unreliable medium.
package madrpc

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/lock"
	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Engine is the process-wide RPC context: one opened port, the agents
// registered on it, the shared settings and the lock that callers contend
// on when more than one of them drives the engine.
//
// The engine does not serialize calls itself. Concurrent callers must
// bracket their transactions with Lock and Unlock.
type Engine struct {
	port     Port
	settings *Settings
	locker   lock.Locker
	tids     *mad.TIDGenerator
	agents   map[uint8]int

	mu       sync.Mutex
	closed   bool
	capture  int
	captured []byte
}

// Option configures an Engine at Open time.
type Option func(*Engine) error

// WithSettings makes the engine read its retries and timeout from s.
func WithSettings(s *Settings) Option {
	return func(e *Engine) error {
		if s == nil {
			return errors.Wrapf(define.ErrInvalidArg, "nil settings")
		}
		e.settings = s
		return nil
	}
}

// WithLocker replaces the default in-process mutex with l.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) error {
		if l == nil {
			return errors.Wrapf(define.ErrInvalidArg, "nil locker")
		}
		e.locker = l
		return nil
	}
}

// WithTIDSeed fixes the first transaction id the engine assigns.
func WithTIDSeed(seed uint64) Option {
	return func(e *Engine) error {
		e.tids = mad.NewTIDGenerator(seed)
		return nil
	}
}

// Open registers a client agent on port for each of classes and returns
// the engine owning them. The subnet administration class is registered
// with RMPP enabled.
func Open(port Port, classes []uint8, options ...Option) (*Engine, error) {
	if port == nil {
		return nil, errors.Wrapf(define.ErrInvalidArg, "nil port")
	}
	e := &Engine{
		port:   port,
		agents: make(map[uint8]int, len(classes)),
	}
	for _, opt := range options {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.settings == nil {
		e.settings = NewSettings()
	}
	if e.locker == nil {
		e.locker = lock.NewMutexLocker()
	}
	if e.tids == nil {
		e.tids = mad.NewTIDGenerator(0)
	}

	for _, class := range classes {
		version := mad.ClassVersion(class)
		if version == 0 {
			return nil, errors.Wrapf(define.ErrInvalidArg, "unknown management class %#x", class)
		}
		var rmppVersion uint8
		if class == mad.ClassSA {
			rmppVersion = 1
		}
		agent, err := port.RegisterAgent(class, version, rmppVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "registering client for management class %#x", class)
		}
		e.agents[class] = agent
		logrus.Debugf("Registered agent %d for management class %#x version %d", agent, class, version)
	}
	return e, nil
}

// Settings returns the settings the engine reads at the start of each call.
func (e *Engine) Settings() *Settings {
	return e.settings
}

// Lock acquires the engine lock. It is not reentrant.
func (e *Engine) Lock() error {
	return e.locker.Lock()
}

// Unlock releases the engine lock.
func (e *Engine) Unlock() error {
	return e.locker.Unlock()
}

// ArmCapture makes the next send copy up to max bytes of its MAD body
// for LastCapture. The capture disarms itself after one send.
func (e *Engine) ArmCapture(max int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capture = max
	e.captured = nil
}

// LastCapture returns the MAD body recorded by the last armed send, or nil.
func (e *Engine) LastCapture() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.captured
}

// Close closes the port. Calls made afterwards fail with ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.port.Close()
}

// Agent returns the agent registered for class.
func (e *Engine) Agent(class uint8) (int, error) {
	agent, ok := e.agents[class]
	if !ok {
		return -1, errors.Wrapf(define.ErrNoAgent, "management class %#x", class)
	}
	return agent, nil
}

func (e *Engine) prepare(rpc *mad.RPC) (mad.RPC, int, error) {
	if rpc == nil {
		return mad.RPC{}, -1, errors.Wrapf(define.ErrBuildPacket, "nil rpc")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return mad.RPC{}, -1, define.ErrEngineClosed
	}
	agent, err := e.Agent(rpc.MgmtClass)
	if err != nil {
		return mad.RPC{}, -1, err
	}
	req := *rpc
	if req.TID == 0 {
		req.TID = e.tids.Next()
	}
	return req, agent, nil
}

// recordCapture copies the outbound body if a capture is armed.
func (e *Engine) recordCapture(body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capture <= 0 {
		return
	}
	n := min(e.capture, len(body))
	e.captured = append([]byte(nil), body[:n]...)
	e.capture = 0
}

// transact sends sbuf and waits for the reply whose transaction id matches,
// resending on every failed or expired attempt. It reports whether the
// reply carried the no-buffer completion status.
func (e *Engine) transact(agent int, sbuf, rbuf mad.UMAD, length int, timeout time.Duration, st snapshot) (int, bool, error) {
	if st.debug > 1 {
		logrus.Debugf("Sending MAD:\n%s", hex.Dump(sbuf.MAD()[:length]))
	}
	e.recordCapture(sbuf.MAD()[:length])

	tid := mad.TIDLow(sbuf.MAD())
	var lastErr error
	for attempt := 1; attempt <= st.retries; attempt++ {
		if st.debug > 0 {
			logrus.Debugf("MAD tid %#x attempt %d/%d", tid, attempt, st.retries)
		}
		if err := e.port.Send(agent, sbuf, length, timeout, 0); err != nil {
			lastErr = errors.Wrapf(define.ErrSendFailed, "%v", err)
			logrus.Debugf("Send of MAD tid %#x failed: %v", tid, err)
			continue
		}
		for {
			n, err := e.port.Recv(rbuf, timeout)
			if err != nil {
				if errors.Is(err, define.ErrTimeout) {
					lastErr = err
				} else {
					lastErr = errors.Wrapf(define.ErrRecvFailed, "%v", err)
				}
				logrus.Debugf("Receive for MAD tid %#x failed: %v", tid, err)
				break
			}
			if got := mad.TIDLow(rbuf.MAD()); got != tid {
				logrus.Debugf("Discarding reply with tid %#x while waiting for %#x", got, tid)
				continue
			}
			if st.debug > 1 {
				logrus.Debugf("Received MAD:\n%s", hex.Dump(rbuf.MAD()[:min(n, mad.Size)]))
			}
			status := rbuf.Status()
			if status == 0 {
				return n, false, nil
			}
			if status == uint32(unix.ENOMEM) {
				return n, true, nil
			}
			lastErr = errors.Wrapf(define.ErrRecvFailed, "completion status %d", status)
			logrus.Debugf("MAD tid %#x completed with umad status %d", tid, status)
			break
		}
	}

	elapsed := time.Duration(st.retries) * timeout
	logrus.Warnf("MAD tid %#x: timeout after %d retries, %d ms", tid, st.retries, elapsed.Milliseconds())
	if lastErr != nil {
		return -1, false, errors.Wrapf(define.ErrRetriesExhausted, "after %d attempts in %s: %v", st.retries, elapsed, lastErr)
	}
	return -1, false, errors.Wrapf(define.ErrRetriesExhausted, "after %d attempts in %s", st.retries, elapsed)
}

// StatusError reports a reply that arrived but carried a nonzero status.
type StatusError struct {
	Class  uint8
	Attr   mad.Attribute
	Status uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("MAD class %#x attr %#x completed with error status %#x", e.Class, e.Attr.ID, e.Status)
}

// Unwrap returns define.ErrBadStatus.
func (e *StatusError) Unwrap() error {
	return define.ErrBadStatus
}

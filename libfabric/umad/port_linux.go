//go:build linux

package umad

import (
	"sync"
	"time"
	"unsafe"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	ioctlRegisterAgent   = 0xc01c1b01 // _IOWR(0x1b, 1, struct ib_user_mad_reg_req)
	ioctlUnregisterAgent = 0x40041b02 // _IOW(0x1b, 2, __u32)
	ioctlEnablePKey      = 0x00001b04 // _IO(0x1b, 4)
)

// regReq mirrors struct ib_user_mad_reg_req.
type regReq struct {
	ID               uint32
	MethodMask       [4]uint32
	QPN              uint8
	MgmtClass        uint8
	MgmtClassVersion uint8
	OUI              [3]uint8
	RMPPVersion      uint8
	_                uint8
}

// Port is an open umad device.
type Port struct {
	path string
	fd   int

	mu     sync.Mutex
	agents []uint32
}

// Open opens the umad node serving port of device.
func Open(device string, port int) (*Port, error) {
	path, err := Path(device, port)
	if err != nil {
		return nil, err
	}
	return OpenPath(path)
}

// OpenPath opens the given umad node and enables the P_Key index header.
func OpenPath(path string) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if err := ioctl(fd, ioctlEnablePKey, 0); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "enabling pkey support on %s", path)
	}
	logrus.Debugf("Opened umad port %s", path)
	return &Port{path: path, fd: fd}, nil
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// RegisterAgent registers a client agent for class.
func (p *Port) RegisterAgent(class, classVersion, rmppVersion uint8) (int, error) {
	req := regReq{
		QPN:              1,
		MgmtClass:        class,
		MgmtClassVersion: classVersion,
		RMPPVersion:      rmppVersion,
	}
	if mad.IsSMI(class) {
		req.QPN = 0
	}
	if err := ioctl(p.fd, ioctlRegisterAgent, uintptr(unsafe.Pointer(&req))); err != nil {
		return -1, errors.Wrapf(err, "registering agent for class %#x on %s", class, p.path)
	}
	p.mu.Lock()
	p.agents = append(p.agents, req.ID)
	p.mu.Unlock()
	return int(req.ID), nil
}

// Send writes the umad header and length bytes of MAD.
func (p *Port) Send(agent int, buf mad.UMAD, length int, timeout time.Duration, retries int) error {
	if length < 0 || mad.UMADHeaderSize+length > len(buf) {
		return errors.Wrapf(define.ErrInvalidArg, "send length %d", length)
	}
	buf.SetAgentID(uint32(agent))
	buf.SetTimeout(uint32(timeout.Milliseconds()))
	buf.SetRetries(uint32(retries))
	buf.SetLength(uint32(mad.UMADHeaderSize + length))

	n, err := unix.Write(p.fd, buf[:mad.UMADHeaderSize+length])
	if err != nil {
		return errors.Wrapf(err, "writing to %s", p.path)
	}
	if n != mad.UMADHeaderSize+length {
		return errors.Wrapf(define.ErrShortTransfer, "wrote %d of %d bytes to %s", n, mad.UMADHeaderSize+length, p.path)
	}
	return nil
}

// Recv waits for the next MAD and returns its length.
func (p *Port) Recv(buf mad.UMAD, timeout time.Duration) (int, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
	}
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, errors.Wrapf(err, "polling %s", p.path)
		}
		if n == 0 {
			return -1, define.ErrTimeout
		}
		break
	}
	n, err := unix.Read(p.fd, buf)
	if err != nil {
		return -1, errors.Wrapf(err, "reading from %s", p.path)
	}
	if n < mad.UMADHeaderSize {
		return -1, errors.Wrapf(define.ErrShortTransfer, "read %d bytes from %s", n, p.path)
	}
	return n - mad.UMADHeaderSize, nil
}

// Close unregisters all agents and closes the device.
func (p *Port) Close() error {
	p.mu.Lock()
	agents := p.agents
	p.agents = nil
	p.mu.Unlock()
	for _, id := range agents {
		id := id
		if err := ioctl(p.fd, ioctlUnregisterAgent, uintptr(unsafe.Pointer(&id))); err != nil {
			logrus.Debugf("Unregistering agent %d on %s: %v", id, p.path, err)
		}
	}
	return unix.Close(p.fd)
}

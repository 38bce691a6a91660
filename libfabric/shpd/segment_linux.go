//go:build linux

package shpd

import (
	"sync"
	"unsafe"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SysVProvider backs segments with System V shared memory.
type SysVProvider struct{}

// Create exclusively creates and attaches the segment with key.
func (SysVProvider) Create(key, size int) (Segment, error) {
	id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|unix.IPC_EXCL|0o666)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, errors.Wrapf(define.ErrStaleSegment, "shm with key %d already exists", key)
		}
		return nil, errors.Wrapf(err, "creating shm with key %d", key)
	}
	seg, err := attachSysV(key, id, define.Owned)
	if err != nil {
		if _, rmErr := unix.SysvShmCtl(id, unix.IPC_RMID, nil); rmErr != nil {
			logrus.Errorf("Removing shm %d after failed attach: %v", id, rmErr)
		}
		return nil, err
	}
	logrus.Debugf("Created shm key %d id %d at %#x", key, id, seg.Addr())
	return seg, nil
}

// Open attaches the existing segment with key.
func (SysVProvider) Open(key, size int) (Segment, error) {
	id, err := unix.SysvShmGet(key, size, 0o666)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, errors.Wrapf(define.ErrNoSuchSegment, "key %d", key)
		}
		if errors.Is(err, unix.EINVAL) {
			return nil, errors.Wrapf(define.ErrSegmentTooSmall, "key %d cannot hold %d bytes", key, size)
		}
		return nil, errors.Wrapf(err, "opening shm with key %d", key)
	}
	return attachSysV(key, id, define.Imported)
}

func attachSysV(key, id int, own define.Ownership) (*sysvSegment, error) {
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(define.ErrSegmentAttach, "shm id %d: %v", id, err)
	}
	return &sysvSegment{key: key, id: id, own: own, mem: mem}, nil
}

type sysvSegment struct {
	key int
	id  int
	own define.Ownership

	mu  sync.Mutex
	mem []byte
}

func (s *sysvSegment) Key() int                    { return s.key }
func (s *sysvSegment) Ownership() define.Ownership { return s.own }

func (s *sysvSegment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

func (s *sysvSegment) Addr() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s.mem[0])))
}

func (s *sysvSegment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return errors.Wrapf(define.ErrSegmentDetach, "shm %d is not attached", s.id)
	}
	if err := unix.SysvShmDetach(s.mem); err != nil {
		return errors.Wrapf(define.ErrSegmentDetach, "shm %d: %v", s.id, err)
	}
	s.mem = nil
	return nil
}

func (s *sysvSegment) Remove() error {
	if s.own != define.Owned {
		return errors.Wrapf(define.ErrNotOwner, "removing shm %d", s.id)
	}
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil); err != nil {
		return errors.Wrapf(err, "removing shm %d", s.id)
	}
	return nil
}

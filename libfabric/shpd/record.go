package shpd

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
)

// Status is the publication state of a registration record.
type Status int32

const (
	StatusUnpublished Status = 0
	StatusFailed      Status = 1
	StatusReady       Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusUnpublished:
		return "unpublished"
	case StatusFailed:
		return "failed"
	case StatusReady:
		return "ready"
	}
	return "invalid"
}

// Record layout at the start of the segment, in host byte order.
const (
	offMappingAddr = 0
	offMRAddr      = 8
	offMRLength    = 16
	offMRHandle    = 24
	offMRLKey      = 28
	offMRRKey      = 32
	offStatus      = 40

	// HeaderSize is the size of the record preceding the data buffers.
	HeaderSize = 48
)

// MRDescriptor is the copy of the memory registration kept in the record.
type MRDescriptor struct {
	Addr   uint64
	Length uint64
	Handle uint32
	LKey   uint32
	RKey   uint32
}

// SegmentSize returns the segment size for data buffers of size bytes:
// the record, one buffer per peer and a page of alignment slack for each.
func SegmentSize(size, pageSize int) int {
	return HeaderSize + size*2 + pageSize*2
}

func alignUp(n, page int) int {
	return (n + page - 1) &^ (page - 1)
}

// Layout locates the data buffers inside a segment.
type Layout struct {
	Size     int
	PageSize int
}

// ServerOffset is the offset of the publishing side's buffer.
func (l Layout) ServerOffset() int {
	return alignUp(HeaderSize, l.PageSize)
}

// ClientOffset is the offset of the waiting side's buffer.
func (l Layout) ClientOffset() int {
	return l.ServerOffset() + alignUp(l.Size, l.PageSize)
}

// Offset returns the buffer offset for role.
func (l Layout) Offset(role define.Role) int {
	if role == define.ServerRole {
		return l.ServerOffset()
	}
	return l.ClientOffset()
}

func statusWord(b []byte) *int32 {
	return (*int32)(unsafe.Pointer(&b[offStatus]))
}

func bytesOf(seg Segment) ([]byte, error) {
	b := seg.Bytes()
	if b == nil {
		return nil, errors.Wrapf(define.ErrSegmentAttach, "segment %d is detached", seg.Key())
	}
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(define.ErrSegmentTooSmall, "segment %d holds %d bytes", seg.Key(), len(b))
	}
	return b, nil
}

// ServerRecord is the publishing side's view of the record.
type ServerRecord struct {
	seg Segment
	b   []byte
}

// NewServerRecord initializes the record of a segment this process created
// and marks it unpublished.
func NewServerRecord(seg Segment) (*ServerRecord, error) {
	if seg.Ownership() != define.Owned {
		return nil, errors.Wrapf(define.ErrNotOwner, "initializing record of segment %d", seg.Key())
	}
	b, err := bytesOf(seg)
	if err != nil {
		return nil, err
	}
	atomic.StoreInt32(statusWord(b), int32(StatusUnpublished))
	return &ServerRecord{seg: seg, b: b}, nil
}

// Status returns the current status.
func (r *ServerRecord) Status() Status {
	return Status(atomic.LoadInt32(statusWord(r.b)))
}

// Publish stores the registration and this process's mapping address, then
// marks the record ready.
func (r *ServerRecord) Publish(mr MRDescriptor) {
	binary.NativeEndian.PutUint64(r.b[offMappingAddr:], r.seg.Addr())
	binary.NativeEndian.PutUint64(r.b[offMRAddr:], mr.Addr)
	binary.NativeEndian.PutUint64(r.b[offMRLength:], mr.Length)
	binary.NativeEndian.PutUint32(r.b[offMRHandle:], mr.Handle)
	binary.NativeEndian.PutUint32(r.b[offMRLKey:], mr.LKey)
	binary.NativeEndian.PutUint32(r.b[offMRRKey:], mr.RKey)
	atomic.StoreInt32(statusWord(r.b), int32(StatusReady))
}

// MarkFailed tells the waiting side that no registration will be
// published.
func (r *ServerRecord) MarkFailed() {
	atomic.StoreInt32(statusWord(r.b), int32(StatusFailed))
}

// Descriptor returns the published registration. It is only meaningful in
// the publishing process.
func (r *ServerRecord) Descriptor() MRDescriptor {
	return MRDescriptor{
		Addr:   binary.NativeEndian.Uint64(r.b[offMRAddr:]),
		Length: binary.NativeEndian.Uint64(r.b[offMRLength:]),
		Handle: binary.NativeEndian.Uint32(r.b[offMRHandle:]),
		LKey:   binary.NativeEndian.Uint32(r.b[offMRLKey:]),
		RKey:   binary.NativeEndian.Uint32(r.b[offMRRKey:]),
	}
}

// ClientView is the waiting side's view of the record. It exposes the
// status, the access keys and the publisher's mapping address as a plain
// number; nothing else in the record is valid outside the publisher.
type ClientView struct {
	b []byte
}

// NewClientView wraps an attached segment.
func NewClientView(seg Segment) (*ClientView, error) {
	b, err := bytesOf(seg)
	if err != nil {
		return nil, err
	}
	return &ClientView{b: b}, nil
}

// Status returns the current status.
func (v *ClientView) Status() Status {
	return Status(atomic.LoadInt32(statusWord(v.b)))
}

// LKey returns the local key of the shared registration.
func (v *ClientView) LKey() uint32 {
	return binary.NativeEndian.Uint32(v.b[offMRLKey:])
}

// RKey returns the remote key of the shared registration.
func (v *ClientView) RKey() uint32 {
	return binary.NativeEndian.Uint32(v.b[offMRRKey:])
}

// ServerBase returns the address the segment is mapped at in the
// publisher. Work requests must address the shared buffers relative to it.
func (v *ClientView) ServerBase() uint64 {
	return binary.NativeEndian.Uint64(v.b[offMappingAddr:])
}

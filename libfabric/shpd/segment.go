// Package shpd implements the rendezvous two processes use to share one
// memory registration and one protection domain: a shared segment holding a
// registration record guarded by a status word, and a local socket that
// carries the exported protection domain descriptor.
package shpd

import (
	"sync"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
)

// Segment is one attachment of a shared-memory segment.
type Segment interface {
	Key() int
	// Bytes returns the mapped memory, or nil once detached.
	Bytes() []byte
	// Addr returns the address the segment is mapped at in this process.
	Addr() uint64
	// Ownership reports whether this process created the segment.
	Ownership() define.Ownership
	// Detach unmaps the segment.
	Detach() error
	// Remove marks the segment for destruction. Only the creator may
	// remove it.
	Remove() error
}

// Provider creates and opens shared segments by key.
type Provider interface {
	// Create exclusively creates and attaches a segment. It fails with
	// ErrStaleSegment if one with the key already exists.
	Create(key, size int) (Segment, error)
	// Open attaches an existing segment. It fails with ErrNoSuchSegment
	// if none exists yet.
	Open(key, size int) (Segment, error)
}

// memoryBase is the first address handed out by MemoryProvider.
const memoryBase = 0x7f0000000000

// MemoryProvider keeps segments in process memory. Every attachment gets
// its own address so that address translation between peers is exercised
// the same way as with real mappings.
type MemoryProvider struct {
	mu       sync.Mutex
	segments map[int][]byte
	attaches uint64
}

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{segments: make(map[int][]byte)}
}

// Create exclusively creates a segment.
func (p *MemoryProvider) Create(key, size int) (Segment, error) {
	if size <= 0 {
		return nil, errors.Wrapf(define.ErrInvalidArg, "segment size %d", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.segments[key]; ok {
		return nil, errors.Wrapf(define.ErrStaleSegment, "key %d", key)
	}
	mem := make([]byte, size)
	p.segments[key] = mem
	return p.attach(key, mem, define.Owned), nil
}

// Open attaches an existing segment.
func (p *MemoryProvider) Open(key, size int) (Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mem, ok := p.segments[key]
	if !ok {
		return nil, errors.Wrapf(define.ErrNoSuchSegment, "key %d", key)
	}
	if size > len(mem) {
		return nil, errors.Wrapf(define.ErrSegmentTooSmall, "key %d holds %d bytes, %d requested", key, len(mem), size)
	}
	return p.attach(key, mem, define.Imported), nil
}

func (p *MemoryProvider) attach(key int, mem []byte, own define.Ownership) *memorySegment {
	p.attaches++
	return &memorySegment{
		provider: p,
		key:      key,
		mem:      mem,
		addr:     memoryBase + p.attaches<<32,
		own:      own,
	}
}

type memorySegment struct {
	provider *MemoryProvider
	key      int
	addr     uint64
	own      define.Ownership

	mu  sync.Mutex
	mem []byte
}

func (s *memorySegment) Key() int                    { return s.key }
func (s *memorySegment) Addr() uint64                { return s.addr }
func (s *memorySegment) Ownership() define.Ownership { return s.own }

func (s *memorySegment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

func (s *memorySegment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return errors.Wrapf(define.ErrSegmentDetach, "key %d is not attached", s.key)
	}
	s.mem = nil
	return nil
}

func (s *memorySegment) Remove() error {
	if s.own != define.Owned {
		return errors.Wrapf(define.ErrNotOwner, "removing segment %d", s.key)
	}
	p := s.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.segments[s.key]; !ok {
		return errors.Wrapf(define.ErrNoSuchSegment, "key %d", s.key)
	}
	delete(p.segments, s.key)
	return nil
}

package sim

import (
	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/pkg/errors"
)

// protectionDomain is guarded by the fabric lock.
type protectionDomain struct {
	fabric  *Fabric
	handle  uint32
	mrs     int
	qps     int
	imports int
	dead    bool
}

func (p *protectionDomain) Handle() uint32 {
	return p.handle
}

func (p *protectionDomain) RegMR(buf []byte, addr uint64, access verbs.Access) (verbs.MR, error) {
	if len(buf) == 0 {
		return nil, errors.Wrapf(define.ErrInvalidArg, "registering an empty region")
	}
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.dead {
		return nil, errors.Wrapf(define.ErrInvalidArg, "protection domain %d was deallocated", p.handle)
	}
	mr := &memoryRegion{
		pd:     p,
		buf:    buf,
		addr:   addr,
		key:    f.nextKey,
		handle: f.nextHandle,
		access: access,
	}
	f.nextKey++
	f.nextHandle++
	f.mrs[mr.key] = mr
	p.mrs++
	return mr, nil
}

func (p *protectionDomain) CreateQP(attr verbs.QPInitAttr) (verbs.QP, error) {
	send, ok := attr.SendCQ.(*completionQueue)
	if !ok {
		return nil, errors.Wrapf(define.ErrInvalidArg, "send cq %T", attr.SendCQ)
	}
	recv, ok := attr.RecvCQ.(*completionQueue)
	if !ok {
		return nil, errors.Wrapf(define.ErrInvalidArg, "recv cq %T", attr.RecvCQ)
	}
	if attr.Cap.MaxRecvWR <= 0 || attr.Cap.MaxSendWR <= 0 {
		return nil, errors.Wrapf(define.ErrInvalidArg, "queue pair capabilities %+v", attr.Cap)
	}
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.dead {
		return nil, errors.Wrapf(define.ErrInvalidArg, "protection domain %d was deallocated", p.handle)
	}
	qp := &queuePair{
		fabric: f,
		pd:     p,
		num:    f.nextQPN,
		sendCQ: send,
		recvCQ: recv,
		cap:    attr.Cap,
	}
	f.nextQPN++
	f.qps[qp.num] = qp
	p.qps++
	return qp, nil
}

func (p *protectionDomain) Dealloc() error {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.dead {
		return errors.Wrapf(define.ErrInvalidArg, "protection domain %d already deallocated", p.handle)
	}
	if p.mrs > 0 || p.qps > 0 {
		return errors.Wrapf(define.ErrPDBusy, "protection domain %d has %d memory regions and %d queue pairs", p.handle, p.mrs, p.qps)
	}
	p.dead = true
	for _, byHandle := range f.exports {
		delete(byHandle, p.handle)
	}
	return nil
}

func (p *protectionDomain) Unimport() {}

// importedPD is a borrowed reference to a protection domain exported by
// another context.
type importedPD struct {
	*protectionDomain
	released bool
}

func (p *importedPD) Dealloc() error {
	return errors.Wrapf(define.ErrNotOwner, "deallocating imported protection domain %d", p.handle)
}

func (p *importedPD) Unimport() {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	p.imports--
}

type memoryRegion struct {
	pd     *protectionDomain
	buf    []byte
	addr   uint64
	key    uint32
	handle uint32
	access verbs.Access
}

func (m *memoryRegion) Addr() uint64   { return m.addr }
func (m *memoryRegion) Length() uint64 { return uint64(len(m.buf)) }
func (m *memoryRegion) Handle() uint32 { return m.handle }
func (m *memoryRegion) LKey() uint32   { return m.key }
func (m *memoryRegion) RKey() uint32   { return m.key }

func (m *memoryRegion) Dereg() error {
	f := m.pd.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mrs[m.key]; !ok {
		return errors.Wrapf(define.ErrInvalidArg, "memory region %#x not registered", m.key)
	}
	delete(f.mrs, m.key)
	m.pd.mrs--
	return nil
}

// slice resolves length bytes at virtual address va, or reports false if
// they fall outside the region.
func (m *memoryRegion) slice(va uint64, length uint32) ([]byte, bool) {
	if va < m.addr || va+uint64(length) > m.addr+uint64(len(m.buf)) {
		return nil, false
	}
	off := va - m.addr
	return m.buf[off : off+uint64(length)], true
}

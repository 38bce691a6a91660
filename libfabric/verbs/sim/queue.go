package sim

import (
	"context"
	"sync"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/pkg/errors"
)

type compChannel struct {
	events chan *completionQueue

	mu        sync.Mutex
	destroyed bool
}

func (c *compChannel) GetEvent(ctx context.Context) (verbs.CQ, error) {
	select {
	case cq := <-c.events:
		// Only events handed out need to be acknowledged.
		cq.mu.Lock()
		cq.events++
		cq.mu.Unlock()
		return cq, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *compChannel) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.New("completion channel already destroyed")
	}
	c.destroyed = true
	return nil
}

type completionQueue struct {
	cqe     int
	channel *compChannel

	mu        sync.Mutex
	entries   []verbs.WorkCompletion
	armed     bool
	events    int
	acked     int
	destroyed bool
}

func (q *completionQueue) push(wc verbs.WorkCompletion) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.entries = append(q.entries, wc)
	if q.armed && q.channel != nil {
		q.armed = false
		select {
		case q.channel.events <- q:
		default:
		}
	}
}

func (q *completionQueue) Poll(max int) ([]verbs.WorkCompletion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return nil, errors.Wrapf(define.ErrInvalidArg, "polling a destroyed cq")
	}
	if len(q.entries) > q.cqe {
		return nil, errors.Errorf("cq overrun: %d entries in a queue of %d", len(q.entries), q.cqe)
	}
	n := min(max, len(q.entries))
	out := append([]verbs.WorkCompletion(nil), q.entries[:n]...)
	q.entries = q.entries[n:]
	return out, nil
}

func (q *completionQueue) ReqNotify() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel == nil {
		return errors.Wrapf(define.ErrInvalidArg, "cq has no completion channel")
	}
	if len(q.entries) > 0 {
		select {
		case q.channel.events <- q:
		default:
		}
		return nil
	}
	q.armed = true
	return nil
}

func (q *completionQueue) AckEvents(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked += n
}

func (q *completionQueue) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return errors.New("cq already destroyed")
	}
	if q.acked < q.events {
		return errors.Errorf("cq has %d unacknowledged events", q.events-q.acked)
	}
	q.destroyed = true
	return nil
}

// inbound is a send waiting for a receive on the destination queue pair.
type inbound struct {
	data     []byte
	src      *queuePair
	wrID     uint64
	signaled bool
}

// queuePair is guarded by the fabric lock.
type queuePair struct {
	fabric  *Fabric
	pd      *protectionDomain
	num     uint32
	sendCQ  *completionQueue
	recvCQ  *completionQueue
	cap     verbs.QPCap
	state   verbs.QPState
	destQPN uint32
	port    int
	recvs   []verbs.RecvWR
	pending []inbound
	gone    bool
}

func (q *queuePair) Num() uint32 {
	return q.num
}

func (q *queuePair) State() verbs.QPState {
	q.fabric.mu.Lock()
	defer q.fabric.mu.Unlock()
	return q.state
}

func (q *queuePair) Modify(attr verbs.QPAttr) error {
	q.fabric.mu.Lock()
	defer q.fabric.mu.Unlock()
	switch {
	case attr.State == verbs.QPSInit && q.state == verbs.QPSReset:
		if attr.PortNum < 1 {
			return errors.Wrapf(define.ErrInvalidArg, "INIT with port %d", attr.PortNum)
		}
		q.port = attr.PortNum
	case attr.State == verbs.QPSRTR && q.state == verbs.QPSInit:
		if attr.DestQPN == 0 || attr.PathMTU.Bytes() == 0 {
			return errors.Wrapf(define.ErrInvalidArg, "RTR with dest qpn %#x mtu %d", attr.DestQPN, attr.PathMTU)
		}
		q.destQPN = attr.DestQPN
	case attr.State == verbs.QPSRTS && q.state == verbs.QPSRTR:
	case attr.State == verbs.QPSError:
	default:
		return errors.Wrapf(define.ErrInvalidArg, "queue pair %#x: transition %s -> %s", q.num, q.state, attr.State)
	}
	q.state = attr.State
	if q.state >= verbs.QPSRTR {
		q.fabric.deliver(q)
	}
	return nil
}

func (q *queuePair) PostRecv(wr verbs.RecvWR) error {
	q.fabric.mu.Lock()
	defer q.fabric.mu.Unlock()
	if q.gone || q.state == verbs.QPSReset || q.state == verbs.QPSError {
		return errors.Wrapf(define.ErrInvalidArg, "posting receive on queue pair %#x in state %s", q.num, q.state)
	}
	if len(q.recvs) >= q.cap.MaxRecvWR {
		return errors.Errorf("receive queue of %#x is full", q.num)
	}
	q.recvs = append(q.recvs, wr)
	q.fabric.deliver(q)
	return nil
}

func (q *queuePair) PostSend(wr verbs.SendWR) error {
	f := q.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.gone || q.state != verbs.QPSRTS {
		return errors.Wrapf(define.ErrInvalidArg, "posting send on queue pair %#x in state %s", q.num, q.state)
	}
	data, status := f.resolve(q, wr.SGE)
	if status != verbs.WCSuccess {
		q.complete(wr.ID, status, true)
		return nil
	}
	dest, ok := f.qps[q.destQPN]
	if !ok {
		q.complete(wr.ID, verbs.WCRetryExceeded, true)
		return nil
	}
	dest.pending = append(dest.pending, inbound{
		data:     append([]byte(nil), data...),
		src:      q,
		wrID:     wr.ID,
		signaled: wr.Signaled,
	})
	f.deliver(dest)
	return nil
}

// complete reports a send completion on q.
func (q *queuePair) complete(id uint64, status verbs.WCStatus, signaled bool) {
	if !signaled && status == verbs.WCSuccess {
		return
	}
	q.sendCQ.push(verbs.WorkCompletion{ID: id, Status: status, Opcode: verbs.WCSend, QPNum: q.num})
}

func (q *queuePair) Destroy() error {
	f := q.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.gone {
		return errors.New("queue pair already destroyed")
	}
	q.gone = true
	delete(f.qps, q.num)
	q.pd.qps--
	return nil
}

// resolve maps an SGE to registered memory of q's protection domain.
// Called with the fabric lock held.
func (f *Fabric) resolve(q *queuePair, sge verbs.SGE) ([]byte, verbs.WCStatus) {
	mr, ok := f.mrs[sge.LKey]
	if !ok || mr.pd != q.pd {
		return nil, verbs.WCLocalProtectionError
	}
	b, ok := mr.slice(sge.Addr, sge.Length)
	if !ok {
		return nil, verbs.WCLocalProtectionError
	}
	return b, verbs.WCSuccess
}

// deliver matches pending sends on dest with its posted receives. Called
// with the fabric lock held.
func (f *Fabric) deliver(dest *queuePair) {
	if dest.state < verbs.QPSRTR || dest.state == verbs.QPSError {
		return
	}
	for len(dest.pending) > 0 && len(dest.recvs) > 0 {
		in := dest.pending[0]
		dest.pending = dest.pending[1:]
		wr := dest.recvs[0]
		dest.recvs = dest.recvs[1:]

		status := verbs.WCSuccess
		buf, st := f.resolve(dest, wr.SGE)
		switch {
		case st != verbs.WCSuccess:
			status = st
		case len(in.data) > len(buf):
			status = verbs.WCLocalLengthError
		default:
			copy(buf, in.data)
		}
		dest.recvCQ.push(verbs.WorkCompletion{
			ID:      wr.ID,
			Status:  status,
			Opcode:  verbs.WCRecv,
			ByteLen: uint32(len(in.data)),
			QPNum:   dest.num,
		})
		sendStatus := verbs.WCSuccess
		if status != verbs.WCSuccess {
			sendStatus = verbs.WCRemoteAccessError
		}
		in.src.complete(in.wrID, sendStatus, in.signaled)
	}
}

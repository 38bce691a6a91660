package madrpc

import (
	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Response is a reply matched to a request.
type Response struct {
	// TID is the transaction id the request was sent with.
	TID uint64
	// Length of the received MAD.
	Length int
	// Status is the class status of the reply; always zero for a
	// successful call.
	Status uint16
	// NoBuffer is set when the peer accepted the request but had no
	// buffer to format a reply. Such a response carries no data and
	// is still a success.
	NoBuffer bool
	// Data holds DataSize bytes copied from DataOffset of the reply.
	Data []byte
	// MAD is a copy of the whole received MAD.
	MAD []byte
	// RMPP is the decoded segment header of a CallRMPP reply.
	RMPP *mad.RMPP
	// RecSize is the SA attribute offset of a CallRMPP reply.
	RecSize int
}

func newResponse(req *mad.RPC, rbuf mad.UMAD, n int) *Response {
	m := rbuf.MAD()
	n = min(n, mad.Size)
	resp := &Response{
		TID:    req.TID,
		Length: n,
		MAD:    append([]byte(nil), m[:n]...),
	}
	if req.DataSize > 0 && req.DataOffset >= 0 && req.DataOffset+req.DataSize <= mad.Size {
		resp.Data = append([]byte(nil), m[req.DataOffset:req.DataOffset+req.DataSize]...)
	}
	return resp
}

// Call sends rpc to dport with payload and returns the matching reply. A
// zero rpc.TID is replaced by one from the engine's generator and a zero
// rpc.Timeout by the settings default.
//
// Directed-route SMPs are checked against their 15-bit status, every other
// class against the 16-bit status.
func (e *Engine) Call(rpc *mad.RPC, dport *mad.PortID, payload []byte) (*Response, error) {
	return e.call(rpc, dport, nil, payload)
}

// CallRMPP is Call for classes that use reliable multi-packet transfers.
// The reply's RMPP header is decoded into the response and must carry
// version 1 whenever it is active. RecSize is set from the SA attribute
// offset.
func (e *Engine) CallRMPP(rpc *mad.RPC, dport *mad.PortID, rmpp *mad.RMPPHeader, payload []byte) (*Response, error) {
	if rmpp == nil {
		rmpp = &mad.RMPPHeader{}
	}
	return e.call(rpc, dport, rmpp, payload)
}

func (e *Engine) call(rpc *mad.RPC, dport *mad.PortID, rmpp *mad.RMPPHeader, payload []byte) (*Response, error) {
	st := e.settings.snapshot()
	req, agent, err := e.prepare(rpc)
	if err != nil {
		logrus.Warnf("MAD call: %v", err)
		return nil, err
	}

	sbuf := mad.NewUMAD()
	rbuf := mad.NewUMAD()
	length, err := mad.Build(sbuf, &req, dport, rmpp, payload)
	if err != nil {
		logrus.Warnf("MAD call: %v", err)
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = st.timeout
	}
	n, noBuffer, err := e.transact(agent, sbuf, rbuf, length, timeout, st)
	if err != nil {
		return nil, err
	}
	if noBuffer {
		logrus.Debugf("MAD tid %#x answered without a buffer", req.TID)
		return &Response{TID: req.TID, NoBuffer: true}, nil
	}

	m := rbuf.MAD()
	var status uint16
	if rmpp == nil && req.MgmtClass == mad.ClassSMIDirect {
		status = mad.DRStatus(m)
	} else {
		status = mad.Status(m)
	}
	if status != 0 {
		serr := &StatusError{Class: req.MgmtClass, Attr: req.Attr, Status: status}
		if st.showErrors {
			logrus.Warnf("%v; dport lid %d", serr, dport.LID)
		}
		return nil, serr
	}

	resp := newResponse(&req, rbuf, n)
	if rmpp != nil {
		h := mad.DecodeRMPP(m)
		if h.Flags&(mad.RMPPFlagActive|mad.RMPPFlagFirst) != 0 && h.Version != 1 {
			logrus.Warnf("MAD tid %#x: bad rmpp version %d", req.TID, h.Version)
			return nil, errors.Wrapf(define.ErrBadRMPPVersion, "version %d", h.Version)
		}
		resp.RMPP = &h
		resp.RecSize = int(mad.AttrOffset(m))
	}
	return resp, nil
}

package mad

import (
	"encoding/binary"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
)

// rmppRespTimeNone is the RMPP response time value meaning "no time given".
const rmppRespTimeNone = 0x1f

// Build encodes rpc addressed to dport into buf, which must be a umad buffer
// of at least BufferSize bytes. rmpp is optional and only honoured for non
// SMI classes; payload, if non-nil, is copied to rpc.DataOffset.
// It returns the length of the MAD to send.
func Build(buf UMAD, rpc *RPC, dport *PortID, rmpp *RMPPHeader, payload []byte) (int, error) {
	if rpc == nil || dport == nil {
		return -1, errors.Wrapf(define.ErrBuildPacket, "missing rpc or destination")
	}
	if len(buf) < BufferSize {
		return -1, errors.Wrapf(define.ErrBuildPacket, "buffer of %d bytes cannot hold a MAD", len(buf))
	}
	if rpc.TID == 0 {
		return -1, errors.Wrapf(define.ErrBuildPacket, "transaction id not assigned")
	}
	if payload != nil {
		if rpc.DataOffset < 0 || rpc.DataSize < 0 || rpc.DataOffset+rpc.DataSize > Size {
			return -1, errors.Wrapf(define.ErrBuildPacket, "data offset %d size %d outside of MAD", rpc.DataOffset, rpc.DataSize)
		}
		if len(payload) < rpc.DataSize {
			return -1, errors.Wrapf(define.ErrBuildPacket, "payload of %d bytes shorter than data size %d", len(payload), rpc.DataSize)
		}
	}

	lidRouted := rpc.MgmtClass != ClassSMIDirect
	isSMI := IsSMI(rpc.MgmtClass)

	qp, qkey := dport.QP, dport.QKey
	if !isSMI {
		if qp == 0 {
			qp = 1
		}
		if qkey == 0 {
			qkey = DefaultQP1QKey
		}
	}

	switch {
	case !isSMI:
		buf.SetAddr(dport.LID, qp, dport.SL, qkey)
	case lidRouted:
		buf.SetAddr(dport.LID, dport.QP, 0, 0)
	case dport.DRPath.DRSLID != PermissiveLID && dport.LID > 0:
		buf.SetAddr(dport.LID, 0, 0, 0)
	default:
		buf.SetAddr(PermissiveLID, 0, 0, 0)
	}

	if dport.GRHPresent && !isSMI {
		buf.SetGRH(&Address{GID: dport.GID, HopLimit: 0xff})
	} else {
		buf.SetGRH(nil)
	}

	m := buf.MAD()
	var drpath *DRPath
	if !lidRouted {
		drpath = &dport.DRPath
	}
	if err := encode(m, rpc, drpath, payload); err != nil {
		return -1, err
	}

	if !isSMI && rmpp != nil {
		m[offRMPPVersion] = 1
		m[offRMPPType] = rmpp.Type
		m[offRMPPFlags] = rmppRespTimeNone<<3 | rmpp.Flags&0x7
		m[offRMPPStatus] = rmpp.Status
		binary.BigEndian.PutUint32(m[offRMPPData1:], rmpp.Data1)
		binary.BigEndian.PutUint32(m[offRMPPData2:], rmpp.Data2)
	}

	return Size, nil
}

func encode(m []byte, rpc *RPC, drpath *DRPath, payload []byte) error {
	isResp := rpc.Method&MethodResponse != 0

	clear(m[:Size])
	m[offBaseVersion] = 1
	m[offMgmtClass] = rpc.MgmtClass
	classVersion := ClassVersion(rpc.MgmtClass)
	if classVersion == 0 {
		classVersion = 1
	}
	m[offClassVersion] = classVersion
	m[offMethod] = rpc.Method

	if rpc.MgmtClass == ClassSMIDirect {
		if drpath == nil {
			return errors.Wrapf(define.ErrBuildPacket, "encoding directed-route MAD without a path")
		}
		if drpath.Count < 0 || drpath.Count >= MaxDRHops {
			return errors.Wrapf(define.ErrBuildPacket, "directed-route path with hop count %d", drpath.Count)
		}
		m[offHopCnt] = uint8(drpath.Count)
		if isResp {
			m[offHopPtr] = uint8(drpath.Count + 1)
		} else {
			m[offHopPtr] = 0
		}
		status := rpc.RStatus & 0x7fff
		if isResp {
			status |= 0x8000
		}
		binary.BigEndian.PutUint16(m[offStatus:], status)
	} else {
		binary.BigEndian.PutUint16(m[offStatus:], rpc.RStatus)
	}

	binary.BigEndian.PutUint64(m[offTID:], rpc.TID)
	binary.BigEndian.PutUint16(m[offAttrID:], rpc.Attr.ID)
	binary.BigEndian.PutUint32(m[offAttrMod:], rpc.Attr.Mod)

	if IsSMI(rpc.MgmtClass) {
		binary.BigEndian.PutUint64(m[offMKey:], rpc.MKey)
	}

	if rpc.MgmtClass == ClassSMIDirect {
		dlid, slid := drpath.DRDLID, drpath.DRSLID
		if dlid == 0 {
			dlid = PermissiveLID
		}
		if slid == 0 {
			slid = PermissiveLID
		}
		binary.BigEndian.PutUint16(m[offDRDLID:], dlid)
		binary.BigEndian.PutUint16(m[offDRSLID:], slid)
		if isResp {
			copy(m[offDRRet:offDRRet+MaxDRHops], drpath.Path[:])
		} else {
			copy(m[offDRPath:offDRPath+MaxDRHops], drpath.Path[:])
		}
	}

	if rpc.MgmtClass == ClassSA {
		binary.BigEndian.PutUint64(m[offCompMask:], rpc.Mask)
	}

	if payload != nil {
		copy(m[rpc.DataOffset:rpc.DataOffset+rpc.DataSize], payload[:rpc.DataSize])
	}

	if IsVendorRange2(rpc.MgmtClass) {
		m[offVendorOUI] = byte(rpc.OUI >> 16)
		m[offVendorOUI+1] = byte(rpc.OUI >> 8)
		m[offVendorOUI+2] = byte(rpc.OUI)
	}
	return nil
}

// TIDGenerator hands out monotonically increasing transaction ids starting
// from a random seed. It is safe for concurrent use.
type TIDGenerator struct {
	mu   sync.Mutex
	next uint64
}

// NewTIDGenerator returns a generator whose first id is seed. A zero seed
// is replaced with a random value.
func NewTIDGenerator(seed uint64) *TIDGenerator {
	if seed == 0 {
		r := rand.New(rand.NewSource(time.Now().UnixNano() * int64(os.Getpid())))
		seed = uint64(r.Int63())
	}
	return &TIDGenerator{next: seed}
}

// Next returns a fresh transaction id. Zero is never returned.
func (g *TIDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next == 0 {
		g.next = 1
	}
	tid := g.next
	g.next++
	return tid
}

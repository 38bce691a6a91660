// Package verbs defines the capability interfaces the pingpong glue uses to
// drive an RDMA device. The interfaces are opaque: implementations decide
// how device contexts, protection domains and queues are backed.
package verbs

import (
	"context"
	"net"
)

// Provider enumerates devices.
type Provider interface {
	Devices() ([]Device, error)
}

// Device is an RDMA device that can be opened any number of times.
type Device interface {
	Name() string
	GUID() uint64
	Open() (Context, error)
}

// Context is an open device. Every context owns a file descriptor that
// protection domains can be exported into and imported from.
type Context interface {
	Device() Device
	// FD returns the command file descriptor of the context.
	FD() int
	QueryPort(port int) (PortAttr, error)
	QueryGID(port, index int) (GID, error)
	AllocPD() (PD, error)
	// ExportPD exports pd into the file behind fd and returns the handle
	// the object is known by there.
	ExportPD(pd PD, fd int) (uint32, error)
	// ImportPD constructs a non-owning reference to the protection domain
	// exported under handle into the file behind fd.
	ImportPD(fd int, handle uint32) (PD, error)
	CreateCompChannel() (CompChannel, error)
	CreateCQ(cqe int, channel CompChannel) (CQ, error)
	Close() error
}

// PD is a protection domain.
type PD interface {
	Handle() uint32
	// RegMR registers buf, whose first byte lives at addr in the address
	// space of the registering process.
	RegMR(buf []byte, addr uint64, access Access) (MR, error)
	CreateQP(attr QPInitAttr) (QP, error)
	// Dealloc destroys the protection domain. It fails while MRs or QPs
	// still reference it.
	Dealloc() error
	// Unimport drops an imported reference without destroying the domain.
	Unimport()
}

// MR is a registered memory region.
type MR interface {
	Addr() uint64
	Length() uint64
	Handle() uint32
	LKey() uint32
	RKey() uint32
	Dereg() error
}

// CompChannel delivers completion events of the CQs created on it.
type CompChannel interface {
	// GetEvent blocks until a CQ armed with ReqNotify has a completion.
	GetEvent(ctx context.Context) (CQ, error)
	Destroy() error
}

// CQ is a completion queue.
type CQ interface {
	Poll(max int) ([]WorkCompletion, error)
	// ReqNotify arms the CQ to raise one event on its channel.
	ReqNotify() error
	AckEvents(n int)
	Destroy() error
}

// QP is a reliable connected queue pair.
type QP interface {
	Num() uint32
	State() QPState
	Modify(attr QPAttr) error
	PostRecv(wr RecvWR) error
	PostSend(wr SendWR) error
	Destroy() error
}

// Access flags of a memory registration.
type Access int

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// LinkLayer of a port.
type LinkLayer int

const (
	LinkLayerInfiniBand LinkLayer = iota
	LinkLayerEthernet
)

func (l LinkLayer) String() string {
	if l == LinkLayerEthernet {
		return "Ethernet"
	}
	return "InfiniBand"
}

// PortAttr describes a device port.
type PortAttr struct {
	LID       uint16
	ActiveMTU MTU
	LinkLayer LinkLayer
	Active    bool
}

// GID is a 128-bit global identifier.
type GID [16]byte

// InterfaceID returns the low 64 bits of the GID.
func (g GID) InterfaceID() uint64 {
	var id uint64
	for _, b := range g[8:] {
		id = id<<8 | uint64(b)
	}
	return id
}

// String formats the GID as an IPv6 address.
func (g GID) String() string {
	return net.IP(g[:]).String()
}

// MTU is an IB path MTU enumeration value.
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU in bytes.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << int(m)
}

// MTUFromBytes maps a byte count to an MTU, or 0 if it is not a valid MTU.
func MTUFromBytes(n int) MTU {
	switch n {
	case 256:
		return MTU256
	case 512:
		return MTU512
	case 1024:
		return MTU1024
	case 2048:
		return MTU2048
	case 4096:
		return MTU4096
	}
	return 0
}

// QPState is the state of a queue pair.
type QPState int

const (
	QPSReset QPState = iota
	QPSInit
	QPSRTR
	QPSRTS
	QPSError
)

func (s QPState) String() string {
	switch s {
	case QPSReset:
		return "RESET"
	case QPSInit:
		return "INIT"
	case QPSRTR:
		return "RTR"
	case QPSRTS:
		return "RTS"
	case QPSError:
		return "ERR"
	}
	return "unknown"
}

// QPCap bounds the work requests of a queue pair.
type QPCap struct {
	MaxSendWR  int
	MaxRecvWR  int
	MaxSendSGE int
	MaxRecvSGE int
}

// QPInitAttr describes a queue pair to create.
type QPInitAttr struct {
	SendCQ CQ
	RecvCQ CQ
	Cap    QPCap
}

// AHAttr is the address vector of the remote port.
type AHAttr struct {
	DLID      uint16
	SL        uint8
	PortNum   int
	IsGlobal  bool
	DGID      GID
	SGIDIndex int
	HopLimit  uint8
}

// QPAttr carries the attributes of one state transition. Only the fields
// relevant to State are read.
type QPAttr struct {
	State QPState

	// INIT
	PKeyIndex   uint16
	PortNum     int
	AccessFlags Access

	// RTR
	PathMTU         MTU
	DestQPN         uint32
	RQPSN           uint32
	MaxDestRDAtomic int
	MinRNRTimer     int
	AH              AHAttr

	// RTS
	Timeout     int
	RetryCount  int
	RNRRetry    int
	SQPSN       uint32
	MaxRDAtomic int
}

// SGE is a scatter/gather element addressing registered memory.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// RecvWR is a receive work request.
type RecvWR struct {
	ID  uint64
	SGE SGE
}

// SendWR is a signaled send work request.
type SendWR struct {
	ID       uint64
	SGE      SGE
	Signaled bool
}

// WCStatus is the status of a work completion.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLengthError
	WCLocalProtectionError
	WCWRFlushError
	WCRemoteAccessError
	WCRetryExceeded
)

func (s WCStatus) String() string {
	switch s {
	case WCSuccess:
		return "success"
	case WCLocalLengthError:
		return "local length error"
	case WCLocalProtectionError:
		return "local protection error"
	case WCWRFlushError:
		return "Work Request Flushed Error"
	case WCRemoteAccessError:
		return "remote access error"
	case WCRetryExceeded:
		return "transport retry counter exceeded"
	}
	return "unknown"
}

// WCOpcode tells which kind of work request completed.
type WCOpcode int

const (
	WCSend WCOpcode = iota
	WCRecv
)

// WorkCompletion reports one finished work request.
type WorkCompletion struct {
	ID      uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
	QPNum   uint32
}

package mad

import (
	"time"
)

// Attribute identifies the attribute a MAD operates on.
type Attribute struct {
	ID  uint16
	Mod uint32
}

// RPC describes one management transaction. It is built fresh for each call
// and must not be modified once sent.
type RPC struct {
	MgmtClass uint8
	Method    uint8
	Attr      Attribute
	// TID is the transaction id. Only its low 32 bits are significant when
	// matching replies. Zero asks the engine to assign one.
	TID uint64
	// Timeout of each attempt; zero selects the engine default.
	Timeout time.Duration
	// DataOffset and DataSize locate the payload inside the MAD.
	DataOffset int
	DataSize   int
	// RStatus is the status written into requests (used by responses).
	RStatus uint16
	// MKey is the SMP management key.
	MKey uint64
	// Mask is the SA component mask.
	Mask uint64
	// OUI is the vendor OUI of vendor range 2 classes.
	OUI uint32
}

// DRPath is a directed-route path.
type DRPath struct {
	// Path holds the egress port of each hop in Path[1:Count+1].
	Path   [MaxDRHops]byte
	Count  int
	DRSLID uint16
	DRDLID uint16
}

// PortID is the destination of a request.
type PortID struct {
	LID    uint16
	DRPath DRPath
	// GRHPresent requests a global routing header using GID.
	GRHPresent bool
	GID        [16]byte
	QP         uint32
	QKey       uint32
	SL         uint8
}

// RMPPHeader holds the reliable multi-packet transaction fields of an SA
// class MAD.
type RMPPHeader struct {
	Type   uint8
	Flags  uint8
	Status uint8
	Data1  uint32
	Data2  uint32
}

// RMPP flags.
const (
	RMPPFlagActive uint8 = 1 << 0
	RMPPFlagFirst  uint8 = 1 << 1
	RMPPFlagLast   uint8 = 1 << 2
)

// RMPP packet types.
const (
	RMPPTypeData  uint8 = 1
	RMPPTypeAck   uint8 = 2
	RMPPTypeStop  uint8 = 3
	RMPPTypeAbort uint8 = 4
)

package mad

import (
	"encoding/binary"
)

// UMAD is a view over a user-MAD buffer: the kernel header followed by the
// MAD itself. The slice must be at least UMADHeaderSize bytes long.
type UMAD []byte

// NewUMAD allocates a zeroed buffer for one MAD.
func NewUMAD() UMAD {
	return make(UMAD, BufferSize)
}

// MAD returns the MAD portion of the buffer.
func (u UMAD) MAD() []byte {
	return u[UMADHeaderSize:]
}

// AgentID returns the agent the buffer was sent or received on.
func (u UMAD) AgentID() uint32 {
	return binary.NativeEndian.Uint32(u[offUAgentID:])
}

// SetAgentID sets the agent the buffer is sent on.
func (u UMAD) SetAgentID(id uint32) {
	binary.NativeEndian.PutUint32(u[offUAgentID:], id)
}

// Status returns the completion status the kernel reported for the
// buffer, as a positive errno value.
func (u UMAD) Status() uint32 {
	return binary.NativeEndian.Uint32(u[offUStatus:])
}

// SetStatus sets the completion status.
func (u UMAD) SetStatus(status uint32) {
	binary.NativeEndian.PutUint32(u[offUStatus:], status)
}

// Timeout returns the send timeout in milliseconds.
func (u UMAD) Timeout() uint32 {
	return binary.NativeEndian.Uint32(u[offUTimeout:])
}

// SetTimeout sets the send timeout in milliseconds.
func (u UMAD) SetTimeout(ms uint32) {
	binary.NativeEndian.PutUint32(u[offUTimeout:], ms)
}

// Retries returns the number of kernel-level send retries.
func (u UMAD) Retries() uint32 {
	return binary.NativeEndian.Uint32(u[offURetries:])
}

// SetRetries sets the number of kernel-level send retries.
func (u UMAD) SetRetries(n uint32) {
	binary.NativeEndian.PutUint32(u[offURetries:], n)
}

// Length returns the length field, header included.
func (u UMAD) Length() uint32 {
	return binary.NativeEndian.Uint32(u[offULength:])
}

// SetLength sets the length field, header included.
func (u UMAD) SetLength(n uint32) {
	binary.NativeEndian.PutUint32(u[offULength:], n)
}

// Address is the remote address of a umad buffer.
type Address struct {
	QPN          uint32
	QKey         uint32
	LID          uint16
	SL           uint8
	PathBits     uint8
	GRHPresent   bool
	GIDIndex     uint8
	HopLimit     uint8
	TrafficClass uint8
	GID          [16]byte
	FlowLabel    uint32
	PKeyIndex    uint16
}

// Address decodes the remote address.
func (u UMAD) Address() Address {
	a := Address{
		QPN:          binary.BigEndian.Uint32(u[offUQPN:]),
		QKey:         binary.BigEndian.Uint32(u[offUQKey:]),
		LID:          binary.BigEndian.Uint16(u[offULID:]),
		SL:           u[offUSL],
		PathBits:     u[offUPathBits],
		GRHPresent:   u[offUGRHPresent] != 0,
		GIDIndex:     u[offUGIDIndex],
		HopLimit:     u[offUHopLimit],
		TrafficClass: u[offUTrafficClass],
		FlowLabel:    binary.BigEndian.Uint32(u[offUFlowLabel:]),
		PKeyIndex:    binary.NativeEndian.Uint16(u[offUPKeyIndex:]),
	}
	copy(a.GID[:], u[offUGID:offUGID+16])
	return a
}

// SetAddr sets the destination LID, queue pair, service level and Q_Key,
// leaving the routing header fields untouched.
func (u UMAD) SetAddr(lid uint16, qpn uint32, sl uint8, qkey uint32) {
	binary.BigEndian.PutUint32(u[offUQPN:], qpn)
	binary.BigEndian.PutUint32(u[offUQKey:], qkey)
	binary.BigEndian.PutUint16(u[offULID:], lid)
	u[offUSL] = sl
}

// SetGRH sets the global routing header fields. A nil address clears them.
func (u UMAD) SetGRH(a *Address) {
	if a == nil {
		u[offUGRHPresent] = 0
		return
	}
	u[offUGRHPresent] = 1
	u[offUGIDIndex] = a.GIDIndex
	u[offUHopLimit] = a.HopLimit
	u[offUTrafficClass] = a.TrafficClass
	copy(u[offUGID:offUGID+16], a.GID[:])
	binary.BigEndian.PutUint32(u[offUFlowLabel:], a.FlowLabel)
}

// SetPKeyIndex sets the partition key index.
func (u UMAD) SetPKeyIndex(idx uint16) {
	binary.NativeEndian.PutUint16(u[offUPKeyIndex:], idx)
}

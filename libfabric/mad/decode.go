package mad

import (
	"encoding/binary"
)

// BaseVersion returns the MAD base version.
func BaseVersion(m []byte) uint8 {
	return m[offBaseVersion]
}

// Class returns the management class.
func Class(m []byte) uint8 {
	return m[offMgmtClass]
}

// Method returns the method, response bit included.
func Method(m []byte) uint8 {
	return m[offMethod]
}

// IsResponse reports whether the response bit of the method is set.
func IsResponse(m []byte) bool {
	return m[offMethod]&MethodResponse != 0
}

// TID returns the full 64-bit transaction id.
func TID(m []byte) uint64 {
	return binary.BigEndian.Uint64(m[offTID:])
}

// SetTID overwrites the transaction id.
func SetTID(m []byte, tid uint64) {
	binary.BigEndian.PutUint64(m[offTID:], tid)
}

// TIDLow returns the low 32 bits of the transaction id, the part used to
// match a reply to its request.
func TIDLow(m []byte) uint32 {
	return uint32(TID(m))
}

// Status returns the 16-bit class status.
func Status(m []byte) uint16 {
	return binary.BigEndian.Uint16(m[offStatus:])
}

// SetStatus overwrites the 16-bit class status.
func SetStatus(m []byte, status uint16) {
	binary.BigEndian.PutUint16(m[offStatus:], status)
}

// DRStatus returns the 15-bit status of a directed-route SMP; the top bit
// carries the direction.
func DRStatus(m []byte) uint16 {
	return Status(m) & 0x7fff
}

// HopPointer returns the directed-route hop pointer.
func HopPointer(m []byte) uint8 {
	return m[offHopPtr]
}

// HopCount returns the directed-route hop count.
func HopCount(m []byte) uint8 {
	return m[offHopCnt]
}

// AttrID returns the attribute id.
func AttrID(m []byte) uint16 {
	return binary.BigEndian.Uint16(m[offAttrID:])
}

// AttrMod returns the attribute modifier.
func AttrMod(m []byte) uint32 {
	return binary.BigEndian.Uint32(m[offAttrMod:])
}

// MKey returns the SMP management key.
func MKey(m []byte) uint64 {
	return binary.BigEndian.Uint64(m[offMKey:])
}

// DRSLID returns the directed-route source LID.
func DRSLID(m []byte) uint16 {
	return binary.BigEndian.Uint16(m[offDRSLID:])
}

// DRDLID returns the directed-route destination LID.
func DRDLID(m []byte) uint16 {
	return binary.BigEndian.Uint16(m[offDRDLID:])
}

// DRInitialPath returns the initial path of a directed-route SMP.
func DRInitialPath(m []byte) []byte {
	return m[offDRPath : offDRPath+MaxDRHops]
}

// DRReturnPath returns the return path of a directed-route SMP.
func DRReturnPath(m []byte) []byte {
	return m[offDRRet : offDRRet+MaxDRHops]
}

// ComponentMask returns the SA component mask.
func ComponentMask(m []byte) uint64 {
	return binary.BigEndian.Uint64(m[offCompMask:])
}

// AttrOffset returns the SA attribute offset, the size of one record in
// 8-byte words.
func AttrOffset(m []byte) uint16 {
	return binary.BigEndian.Uint16(m[offAttrOffset:])
}

// SetAttrOffset sets the SA attribute offset.
func SetAttrOffset(m []byte, words uint16) {
	binary.BigEndian.PutUint16(m[offAttrOffset:], words)
}

// VendorOUI returns the OUI of a vendor range 2 MAD.
func VendorOUI(m []byte) uint32 {
	return uint32(m[offVendorOUI])<<16 | uint32(m[offVendorOUI+1])<<8 | uint32(m[offVendorOUI+2])
}

// RMPP is the decoded reliable multi-packet header.
type RMPP struct {
	Version  uint8
	Type     uint8
	RespTime uint8
	Flags    uint8
	Status   uint8
	Data1    uint32
	Data2    uint32
}

// Active reports whether the MAD takes part in an RMPP transfer.
func (r RMPP) Active() bool {
	return r.Flags&RMPPFlagActive != 0
}

// DecodeRMPP decodes the RMPP header of m.
func DecodeRMPP(m []byte) RMPP {
	return RMPP{
		Version:  m[offRMPPVersion],
		Type:     m[offRMPPType],
		RespTime: m[offRMPPFlags] >> 3,
		Flags:    m[offRMPPFlags] & 0x7,
		Status:   m[offRMPPStatus],
		Data1:    binary.BigEndian.Uint32(m[offRMPPData1:]),
		Data2:    binary.BigEndian.Uint32(m[offRMPPData2:]),
	}
}

// Package mad encodes and decodes InfiniBand management datagrams and the
// user-MAD (umad) header that carries them through a datagram port.
//
// All multi-byte MAD fields are big-endian on the wire. The leading words of
// the umad header are in host order, as the kernel ABI defines them.
package mad

// Sizes of the fixed-format buffers.
const (
	// Size is the size of one MAD.
	Size = 256
	// UMADHeaderSize is the size of struct ib_user_mad with pkey support.
	UMADHeaderSize = 64
	// BufferSize is the size of a umad buffer holding exactly one MAD.
	BufferSize = UMADHeaderSize + Size
	// MaxDRHops is the maximum hop count of a directed-route path.
	MaxDRHops = 64
)

// Management classes.
const (
	ClassSMI       uint8 = 0x01
	ClassSA        uint8 = 0x03
	ClassPerf      uint8 = 0x04
	ClassBM        uint8 = 0x05
	ClassDevMgt    uint8 = 0x06
	ClassCM        uint8 = 0x07
	ClassSNMP      uint8 = 0x08
	ClassCC        uint8 = 0x21
	ClassSMIDirect uint8 = 0x81

	classVendorRange1Start uint8 = 0x09
	classVendorRange1End   uint8 = 0x0f
	classVendorRange2Start uint8 = 0x30
	classVendorRange2End   uint8 = 0x4f
)

// Methods.
const (
	MethodGet              uint8 = 0x01
	MethodSet              uint8 = 0x02
	MethodSend             uint8 = 0x03
	MethodTrap             uint8 = 0x05
	MethodReport           uint8 = 0x06
	MethodTrapRepress      uint8 = 0x07
	MethodGetTable         uint8 = 0x12
	MethodDelete           uint8 = 0x15
	MethodResponse         uint8 = 0x80
	MethodGetResponse      uint8 = MethodGet | MethodResponse
	MethodReportResponse   uint8 = MethodReport | MethodResponse
	MethodGetTableResponse uint8 = MethodGetTable | MethodResponse
)

// Byte offsets of MAD fields.
const (
	offBaseVersion  = 0
	offMgmtClass    = 1
	offClassVersion = 2
	offMethod       = 3
	offStatus       = 4
	offHopPtr       = 6
	offHopCnt       = 7
	offTID          = 8
	offAttrID       = 16
	offAttrMod      = 20

	// SMP
	offMKey   = 24
	offDRSLID = 32
	offDRDLID = 34
	offDRPath = 128
	offDRRet  = 192

	// RMPP
	offRMPPVersion = 24
	offRMPPType    = 25
	offRMPPFlags   = 26
	offRMPPStatus  = 27
	offRMPPData1   = 28
	offRMPPData2   = 32

	// SA
	offSMKey      = 36
	offVendorOUI  = 37
	offAttrOffset = 44
	offCompMask   = 48
)

// Offsets of the data area for the common classes.
const (
	DataOffsetGeneric = 24
	DataOffsetSMP     = 64
	DataOffsetSA      = 56
	DataOffsetPerf    = 64
)

// Byte offsets of struct ib_user_mad fields.
const (
	offUAgentID      = 0
	offUStatus       = 4
	offUTimeout      = 8
	offURetries      = 12
	offULength       = 16
	offUQPN          = 20
	offUQKey         = 24
	offULID          = 28
	offUSL           = 30
	offUPathBits     = 31
	offUGRHPresent   = 32
	offUGIDIndex     = 33
	offUHopLimit     = 34
	offUTrafficClass = 35
	offUGID          = 36
	offUFlowLabel    = 52
	offUPKeyIndex    = 56
)

const (
	// DefaultQP1QKey is the well-known Q_Key of the GSI queue pair.
	DefaultQP1QKey uint32 = 0x80010000
	// PermissiveLID addresses the directly attached port.
	PermissiveLID uint16 = 0xffff
)

// IsSMI reports whether class is one of the subnet management classes.
func IsSMI(class uint8) bool {
	return class == ClassSMI || class == ClassSMIDirect
}

// IsVendorRange1 reports whether class lies in vendor range 1.
func IsVendorRange1(class uint8) bool {
	return class >= classVendorRange1Start && class <= classVendorRange1End
}

// IsVendorRange2 reports whether class lies in vendor range 2, whose MADs
// carry an OUI.
func IsVendorRange2(class uint8) bool {
	return class >= classVendorRange2Start && class <= classVendorRange2End
}

// ClassVersion returns the class version used when registering an agent
// for and encoding requests of class, or 0 if the class is unknown.
func ClassVersion(class uint8) uint8 {
	switch {
	case class == ClassSA, class == ClassCC:
		return 2
	case class == ClassSMI, class == ClassSMIDirect, class == ClassPerf,
		class == ClassBM, class == ClassDevMgt, class == ClassCM, class == ClassSNMP:
		return 1
	case IsVendorRange1(class), IsVendorRange2(class):
		return 1
	}
	return 0
}

package protocol

// DYNAMIXEL Protocol 2.0 wire constants.
const (
	Header1  = 0xFF
	Header2  = 0xFF
	Header3  = 0xFD
	Reserved = 0x00

	BroadcastID  = 0xFE
	MaxUnicastID = 0xFB
)

// Instruction codes
const (
	InstPing         = 0x01
	InstRead         = 0x02
	InstWrite        = 0x03
	InstRegWrite     = 0x04
	InstAction       = 0x05
	InstFactoryReset = 0x06
	InstReboot       = 0x08
	InstClear        = 0x10
	InstStatus       = 0x55
	InstSyncRead     = 0x82
	InstSyncWrite    = 0x83
	InstFastSyncRead = 0x8A
	InstBulkRead     = 0x92
	InstBulkWrite    = 0x93
)

// Factory reset modes
const (
	ResetAll          = 0xFF
	ResetAllButID     = 0x01
	ResetAllButIDBaud = 0x02
)

// Clear instruction: clear the multi-turn position. The four trailing bytes
// are a fixed magic the device requires.
var ClearPositionParams = []byte{0x01, 0x44, 0x58, 0x4C, 0x22}

// Device error codes carried in the low 7 bits of a status packet's error
// byte. Bit 7 is the hardware alert flag.
const (
	ErrCodeResultFail  = 0x01
	ErrCodeInstruction = 0x02
	ErrCodeCRC         = 0x03
	ErrCodeDataRange   = 0x04
	ErrCodeDataLength  = 0x05
	ErrCodeDataLimit   = 0x06
	ErrCodeAccess      = 0x07

	AlertBit = 0x80
)

const (
	// headerSize is the fixed packet prefix: FF FF FD 00 ID LEN_L LEN_H.
	headerSize = 7

	// MinStatusLength is the smallest byte count a status frame can occupy
	// on the wire before a parse is attempted.
	MinStatusLength = 10

	// MaxPacketLength bounds the total frame size a declared length field
	// may claim. The length field is 16 bit; anything larger is garbage.
	MaxPacketLength = headerSize + 0xFFFF
)

package protocol

// STK500v1 command opcodes
const (
	StkGetSync       = '0'
	StkGetParameter  = 'A'
	StkSetDevice     = 'B'
	StkSetDeviceExt  = 'E'
	StkLeaveProgmode = 'Q'
	StkLoadAddress   = 'U'
	StkUniversal     = 'V'
	StkProgPage      = 'd'
	StkReadPage      = 't'
	StkReadSign      = 'u'
)

// STK500v1 framing and responses
const (
	StkCRCEOP  = ' '
	StkOK      = 0x10
	StkFailed  = 0x11
	StkInSync  = 0x14
	StkNoSync  = 0x15
	StkSWMajor = 0x81
	StkSWMinor = 0x82
)

// Reported programmer version
const (
	SoftwareMajor  = 0x09
	SoftwareMinor  = 0x00
	ParameterOther = 0x03
)

// Body lengths of the commands the bridge accepts and ignores.
const (
	SetDeviceLength    = 20
	SetDeviceExtLength = 5
	UniversalLength    = 4
)

// Memory type tags of program-page.
const (
	MemFlash   = 'F'
	MemEEPROM  = 'E'
	MemUserRow = 'U'
)

// MemoryOffset returns the data-space offset of a memory type tag.
func MemoryOffset(memType byte) (uint16, bool) {
	switch memType {
	case MemFlash:
		return FlashBase, true
	case MemEEPROM:
		return EEPROMBase, true
	case MemUserRow:
		return UserRowBase, true
	default:
		return 0, false
	}
}

// MemorySize returns how many bytes a memory type tag spans from its
// offset: flash runs to the end of data space, the user row ends where
// EEPROM starts and EEPROM is at most 256 bytes on these parts.
func MemorySize(memType byte) int {
	switch memType {
	case MemFlash:
		return 0x10000 - FlashBase
	case MemEEPROM:
		return EEPROMSize
	case MemUserRow:
		return EEPROMBase - UserRowBase
	default:
		return 0
	}
}

// ProgrammerSync is the byte sequence a programmer opens a session with:
// two get-sync commands.
const ProgrammerSync = "0 0 "

// ConfigurePrefix switches a relaying controller to configuration mode.
const ConfigurePrefix = "*cfg"

// Intel HEX segments produced by the megaTinyCore toolchain.
const (
	SegmentFlash   = 0x00
	SegmentEEPROM  = 0x81
	SegmentFuses   = 0x82
	SegmentUserRow = 0x85
)

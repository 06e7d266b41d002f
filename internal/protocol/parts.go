package protocol

import "fmt"

// DefaultBaudRate of the bridge's serial port
const DefaultBaudRate = 500000

// Part describes a supported target.
type Part struct {
	Signature [3]byte
	FlashSize int
	PageSize  int
	Name      string
}

var parts = []Part{
	{[3]byte{0x1E, 0x91, 0x23}, 0x800, 0x40, "ATtiny202"},
	{[3]byte{0x1E, 0x91, 0x21}, 0x800, 0x40, "ATtiny212"},
	{[3]byte{0x1E, 0x91, 0x22}, 0x800, 0x40, "ATtiny204"},
	{[3]byte{0x1E, 0x91, 0x20}, 0x800, 0x40, "ATtiny214"},

	{[3]byte{0x1E, 0x92, 0x27}, 0x1000, 0x40, "ATtiny402"},
	{[3]byte{0x1E, 0x92, 0x23}, 0x1000, 0x40, "ATtiny412"},
	{[3]byte{0x1E, 0x92, 0x26}, 0x1000, 0x40, "ATtiny404"},
	{[3]byte{0x1E, 0x92, 0x22}, 0x1000, 0x40, "ATtiny414"},
	{[3]byte{0x1E, 0x92, 0x25}, 0x1000, 0x40, "ATtiny406"},
	{[3]byte{0x1E, 0x92, 0x21}, 0x1000, 0x40, "ATtiny416"},
	{[3]byte{0x1E, 0x92, 0x20}, 0x1000, 0x40, "ATtiny417"},

	{[3]byte{0x1E, 0x93, 0x25}, 0x2000, 0x40, "ATtiny804"},
	{[3]byte{0x1E, 0x93, 0x22}, 0x2000, 0x40, "ATtiny814"},
	{[3]byte{0x1E, 0x93, 0x24}, 0x2000, 0x40, "ATtiny806"},
	{[3]byte{0x1E, 0x93, 0x21}, 0x2000, 0x40, "ATtiny816"},
	{[3]byte{0x1E, 0x93, 0x23}, 0x2000, 0x40, "ATtiny807"},
	{[3]byte{0x1E, 0x93, 0x20}, 0x2000, 0x40, "ATtiny817"},

	{[3]byte{0x1E, 0x94, 0x25}, 0x4000, 0x40, "ATtiny1604"},
	{[3]byte{0x1E, 0x94, 0x22}, 0x4000, 0x40, "ATtiny1614"},
	{[3]byte{0x1E, 0x94, 0x24}, 0x4000, 0x40, "ATtiny1606"},
	{[3]byte{0x1E, 0x94, 0x21}, 0x4000, 0x40, "ATtiny1616"},
	{[3]byte{0x1E, 0x94, 0x23}, 0x4000, 0x40, "ATtiny1607"},
	{[3]byte{0x1E, 0x94, 0x20}, 0x4000, 0x40, "ATtiny1617"},

	{[3]byte{0x1E, 0x95, 0x20}, 0x8000, 0x80, "ATtiny3214"},
	{[3]byte{0x1E, 0x95, 0x21}, 0x8000, 0x80, "ATtiny3216"},
	{[3]byte{0x1E, 0x95, 0x22}, 0x8000, 0x80, "ATtiny3217"},
}

// LookupPart returns the part with the given signature.
func LookupPart(sig [3]byte) (Part, bool) {
	for _, p := range parts {
		if p.Signature == sig {
			return p, true
		}
	}
	return Part{}, false
}

// PartName returns a human-readable name for a signature.
func PartName(sig [3]byte) string {
	if p, ok := LookupPart(sig); ok {
		return p.Name
	}
	return fmt.Sprintf("unknown %02X%02X%02X", sig[0], sig[1], sig[2])
}

// FlashGeometry derives flash and page size from the second signature
// byte, which encodes log2 of the flash size in kilobytes above 0x90.
func FlashGeometry(sig [3]byte) (flashSize, pageSize int, ok bool) {
	if sig[0] != ManufacturerID || sig[1] < 0x90 || sig[1] > 0x9F {
		return 0, 0, false
	}
	code := int(sig[1] - 0x90)
	flashSize = 0x400 << code
	pageSize = 0x40
	if code >= 5 {
		pageSize = 0x80
	}
	return flashSize, pageSize, true
}

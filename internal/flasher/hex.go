package flasher

import (
	"fmt"
	"io"
	"os"

	"github.com/marcinbor85/gohex"

	"github.com/nrfboot/nrfboot/internal/protocol"
)

// LoadHex parses an Intel HEX image into contiguous segments in address
// order.
func LoadHex(r io.Reader) ([]Segment, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("error parsing HEX file: %w", err)
	}

	var segments []Segment
	for _, s := range mem.GetDataSegments() {
		segments = append(segments, Segment{Address: s.Address, Data: s.Data})
	}
	return segments, nil
}

// LoadHexFile reads an Intel HEX file from disk.
func LoadHexFile(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	return LoadHex(f)
}

// SegmentName describes the memory a segment is written to.
func SegmentName(s Segment) string {
	switch s.Kind() {
	case protocol.SegmentFlash:
		return "program memory"
	case protocol.SegmentEEPROM:
		return "EEPROM"
	case protocol.SegmentFuses:
		return "fuses"
	case protocol.SegmentUserRow:
		return "user signatures"
	default:
		return fmt.Sprintf("segment 0x%04X", s.Kind())
	}
}

package bootproto

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nrfboot/nrfboot/internal/radio"
)

var (
	// ErrEnterFailed means the bootloader did not acknowledge four
	// consecutive sync packets.
	ErrEnterFailed = errors.New("bootproto: failed to enter bootloader")
	// ErrNoResponse means a memory read got no ack payload back.
	ErrNoResponse = errors.New("bootproto: no response to read memory request")
	// ErrEepromTimeout means the NVM controller stayed busy past the
	// deadline.
	ErrEepromTimeout = errors.New("bootproto: timed out waiting for EEPROM writes")
	// ErrWriteTooLong is returned for a single page write over 128 bytes.
	ErrWriteTooLong = errors.New("bootproto: write longer than one page")
	// ErrAddressRange is returned for a write running past the end of the
	// 16-bit data space.
	ErrAddressRange = errors.New("bootproto: write past end of data space")
)

// SignatureError reports a signature that is unreadable or not a known
// AVR layout.
type SignatureError struct {
	Signature [3]byte
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("bootproto: bad device signature %02X %02X %02X",
		e.Signature[0], e.Signature[1], e.Signature[2])
}

// CRCError carries the CRCSCAN status of a failed check.
type CRCError struct {
	Status byte
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("bootproto: CRC check failed, status 0x%02X", e.Status)
}

// ChannelChangeError reports a device that could not be reached on the
// candidate radio settings. The local link is back on its previous settings.
type ChannelChangeError struct {
	Channel byte
	BitRate radio.BitRate
	Err     error
}

func (e *ChannelChangeError) Error() string {
	return fmt.Sprintf("bootproto: switch to channel %d at %v failed: %v", e.Channel, e.BitRate, e.Err)
}

func (e *ChannelChangeError) Unwrap() error { return e.Err }

// Cause implements the pkg/errors causer interface.
func (e *ChannelChangeError) Cause() error { return e.Err }

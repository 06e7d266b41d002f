package radio

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// BitRate is the RF_SETUP data rate field.
type BitRate byte

// Data rates
const (
	BitRate1M   BitRate = 0x00
	BitRate2M   BitRate = 0x08
	BitRate250K BitRate = 0x20
)

func (b BitRate) String() string {
	switch b {
	case BitRate250K:
		return "250k"
	case BitRate1M:
		return "1m"
	case BitRate2M:
		return "2m"
	default:
		return fmt.Sprintf("BitRate(0x%02X)", byte(b))
	}
}

// ParseBitRate accepts "250k", "1m" and "2m".
func ParseBitRate(s string) (BitRate, error) {
	switch strings.ToLower(s) {
	case "250k", "250kbps":
		return BitRate250K, nil
	case "1m", "1mbps":
		return BitRate1M, nil
	case "2m", "2mbps":
		return BitRate2M, nil
	}
	return 0, errors.Errorf("unknown bit rate %q", s)
}

// PowerLevel is the RF_SETUP output power field.
type PowerLevel byte

// Output power levels
const (
	PowerMin  PowerLevel = 0x00
	PowerLow  PowerLevel = 0x02
	PowerHigh PowerLevel = 0x04
	PowerMax  PowerLevel = 0x06
)

func (p PowerLevel) String() string {
	switch p {
	case PowerMin:
		return "min"
	case PowerLow:
		return "low"
	case PowerHigh:
		return "high"
	case PowerMax:
		return "max"
	default:
		return fmt.Sprintf("PowerLevel(0x%02X)", byte(p))
	}
}

// ParsePowerLevel accepts "min", "low", "high" and "max".
func ParsePowerLevel(s string) (PowerLevel, error) {
	switch strings.ToLower(s) {
	case "min":
		return PowerMin, nil
	case "low":
		return PowerLow, nil
	case "high":
		return PowerHigh, nil
	case "max":
		return PowerMax, nil
	}
	return 0, errors.Errorf("unknown power level %q", s)
}

// Address is a 3-byte radio address, least significant byte first. The
// first byte is replaced by the pipe byte when a writing pipe is opened.
type Address [3]byte

// ParseAddress reads a 3-character address such as "abc".
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != len(a) {
		return a, errors.Errorf("address %q must be %d characters", s, len(a))
	}
	copy(a[:], s)
	return a, nil
}

func (a Address) String() string {
	for _, c := range a {
		if c < 0x21 || c > 0x7E {
			return fmt.Sprintf("%02x%02x%02x", a[0], a[1], a[2])
		}
	}
	return string(a[:])
}

// MaxChannel is the highest RF_CH value, 2.527GHz.
const MaxChannel = 127

// Config is the link configuration applied by Begin.
type Config struct {
	Address Address
	Channel byte
	BitRate BitRate
	Power   PowerLevel
	// RetryDelay is the hardware auto-retransmit delay in 250us steps
	// minus one.
	RetryDelay byte
	// HardwareRetries is the auto-retransmit count, 0-15.
	HardwareRetries byte
	// SoftwareRetries is the number of extra CE pulses spent on a packet
	// after the hardware gave up.
	SoftwareRetries int
	// FlushTimeout bounds a single Flush.
	FlushTimeout time.Duration
}

// DefaultConfig returns the settings the remote bootloader ships with.
func DefaultConfig() Config {
	return Config{
		Address:         Address{'P', 'a', 'b'},
		Channel:         50,
		BitRate:         BitRate2M,
		Power:           PowerMax,
		RetryDelay:      0,
		HardwareRetries: 15,
		SoftwareRetries: 0,
		FlushTimeout:    500 * time.Millisecond,
	}
}

// Setup returns the RF_SETUP value for c.
func (c Config) Setup() byte {
	return byte(c.BitRate) | byte(c.Power)
}

// Package bootproto drives the remote radio bootloader of one target device:
// entering and leaving the bootloader, memory writes with read-back through
// ack payloads, signature and CRC checks, and safe radio reconfiguration.
package bootproto

import (
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/protocol"
	"github.com/nrfboot/nrfboot/internal/radio"
)

const (
	enterSuccesses   = 4
	enterFailures    = 10
	enterBackoff     = 50 * time.Millisecond
	syncProbes       = 3
	signatureRetries = 3
	keepAliveEvery   = 250 * time.Millisecond
	eepromDeadline   = 200 * time.Millisecond

	// DefaultReadRetries is how often WriteAndReadMemory repeats an
	// unanswered write.
	DefaultReadRetries = 16

	// KeepChannel makes ReprogramAddress leave the radio channel alone.
	KeepChannel = -1
)

// RelocatorState tracks the channel relocator in the reserved flash page.
type RelocatorState int

// Relocator states
const (
	// RelocatorAbsent means the page holds the standby program.
	RelocatorAbsent RelocatorState = iota
	// RelocatorArmed means the relocator was written and the next watchdog
	// reset will move the device to the candidate channel.
	RelocatorArmed
	// RelocatorDisarmed means the channel switch has concluded but the
	// relocator is still in flash. ClearRelocator removes it.
	RelocatorDisarmed
)

func (r RelocatorState) String() string {
	switch r {
	case RelocatorAbsent:
		return "absent"
	case RelocatorArmed:
		return "armed"
	case RelocatorDisarmed:
		return "disarmed"
	default:
		return fmt.Sprintf("RelocatorState(%d)", int(r))
	}
}

// Session is a bootloader session with the device addressed by the link.
type Session struct {
	link        *radio.Link
	clock       clock.Clock
	debug       io.Writer
	readRetries int

	signature    [3]byte
	hasSignature bool
	flashSize    int
	pageSize     int

	lastKeepAlive time.Time
	relocator     RelocatorState
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the link's clock.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithDebugWriter sets where progress lines are written.
func WithDebugWriter(w io.Writer) Option {
	return func(s *Session) { s.debug = w }
}

// WithReadRetries sets the write repeat budget of WriteAndReadMemory.
func WithReadRetries(n int) Option {
	return func(s *Session) { s.readRetries = n }
}

// New returns a session on link.
func New(link *radio.Link, opts ...Option) *Session {
	s := &Session{
		link:        link,
		clock:       link.Clock(),
		readRetries: DefaultReadRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDebugWriter replaces the progress writer. nil disables it.
func (s *Session) SetDebugWriter(w io.Writer) {
	s.debug = w
}

// Link returns the radio link of the session.
func (s *Session) Link() *radio.Link {
	return s.link
}

// Forget drops the cached signature, for use after the link was pointed at
// another device.
func (s *Session) Forget() {
	s.signature = [3]byte{}
	s.hasSignature = false
	s.flashSize = 0
	s.pageSize = 0
}

func (s *Session) debugf(format string, args ...interface{}) {
	glog.V(2).Infof(format, args...)
	if s.debug != nil {
		fmt.Fprintf(s.debug, format+"\r\n", args...)
	}
}

// SendSyncPacket sends one sync header and waits for its delivery.
func (s *Session) SendSyncPacket() error {
	s.link.ClearReadFifo()
	if err := s.link.Write(protocol.SyncHeader().Encode()); err != nil {
		return err
	}
	return s.link.Flush(true)
}

// KeepAlive sends a sync packet when more than 250ms passed since the last
// one.
func (s *Session) KeepAlive(now time.Time) error {
	if now.Sub(s.lastKeepAlive) <= keepAliveEvery {
		return nil
	}
	s.lastKeepAlive = now
	return s.SendSyncPacket()
}

// EnterBootLoader addresses the programming pipe and waits for four
// consecutive acknowledged sync packets. Up to three fit in the target's
// receive FIFO, so only the fourth proves the bootloader is consuming them.
// Ten failed syncs in total end the attempt, however they interleave with
// acknowledged ones.
func (s *Session) EnterBootLoader() error {
	s.link.PowerDown()
	s.link.OpenWritingPipe(protocol.PipeProgram)
	s.link.ClearReadFifo()
	s.link.ClearWriteFifo()
	s.link.StopListening()
	s.clock.Sleep(5 * time.Millisecond)

	successes, failures := 0, 0
	for {
		err := s.SendSyncPacket()
		if err == nil {
			successes++
			if successes == enterSuccesses {
				s.debugf("Reset device successfully")
				return nil
			}
			continue
		}

		successes = 0
		failures++
		if failures == enterFailures {
			s.debugf("Failed resetting device (%v)", err)
			return errors.Wrapf(ErrEnterFailed, "channel %d", s.link.Channel())
		}
		s.clock.Sleep(enterBackoff)
	}
}

// ExitBootLoader makes the device resume its application.
func (s *Session) ExitBootLoader() error {
	if err := s.link.Write(protocol.ExitHeader(protocol.SyncAddress).Encode()); err != nil {
		return err
	}
	return s.link.Flush(true)
}

// WriteMemory writes up to one page at address. The write must not cross a
// page boundary.
func (s *Session) WriteMemory(address uint16, data []byte) error {
	if len(data) > protocol.MaxPageSize {
		return errors.Wrapf(ErrWriteTooLong, "%d bytes @0x%04X", len(data), address)
	}
	s.link.ClearReadFifo()
	if err := s.link.Write(protocol.WriteHeader(address, len(data)).Encode()); err != nil {
		return err
	}
	return s.link.WriteLong(data)
}

// WriteMemoryByte writes a single byte.
func (s *Session) WriteMemoryByte(address uint16, value byte) error {
	return s.WriteMemory(address, []byte{value})
}

// WriteMemoryLong splits data into page-aligned writes. Flash uses the
// device page size, read from the signature if needed; data space below
// flash uses 32-byte pages.
func (s *Session) WriteMemoryLong(address uint16, data []byte) error {
	if int(address)+len(data) > 0x10000 {
		return errors.Wrapf(ErrAddressRange, "%d bytes @0x%04X", len(data), address)
	}

	pageSize := protocol.DataPageSize
	if address >= protocol.FlashBase {
		if !s.hasSignature {
			if _, err := s.ReadDeviceSignature(); err != nil {
				return err
			}
		}
		pageSize = s.pageSize
	}

	for len(data) > 0 {
		n := pageSize - int(address)&(pageSize-1)
		if n > len(data) {
			n = len(data)
		}
		if err := s.WriteMemory(address, data[:n]); err != nil {
			return errors.Wrapf(err, "write @0x%04X", address)
		}
		address += uint16(n)
		data = data[n:]
	}
	return nil
}

// WriteAndReadMemory writes data and solicits the byte the bootloader
// echoes back in the next ack payload, which is the byte following the
// written range.
func (s *Session) WriteAndReadMemory(address uint16, data []byte) (byte, error) {
	for retries := s.readRetries; ; retries-- {
		if err := s.FlushWrites(); err != nil {
			s.debugf("failed sending write")
			return 0, err
		}
		if err := s.WriteMemory(address, data); err != nil {
			s.debugf("failed sending write")
			return 0, err
		}
		if err := s.FlushWrites(); err != nil {
			s.debugf("failed sending write")
			return 0, err
		}
		// The header's ack may carry the echo of an earlier write.
		s.link.ClearReadFifo()

		for probe := 0; probe < syncProbes && !s.link.Available(); probe++ {
			if err := s.SendSyncPacket(); err != nil {
				s.debugf("failed sending write")
				return 0, err
			}
		}
		if s.link.Available() {
			break
		}
		if retries <= 0 {
			s.debugf("No response to read memory request")
			return 0, errors.Wrapf(ErrNoResponse, "@0x%04X", address)
		}
		s.clock.Sleep(time.Millisecond)
	}

	var value byte
	for s.link.Available() {
		if p := s.link.Read(); len(p) > 0 {
			value = p[0]
		}
	}
	return value, nil
}

// FlushWrites waits until every queued packet is delivered.
func (s *Session) FlushWrites() error {
	return s.link.Flush(true)
}

// ReadDeviceSignature reads and caches the 3 signature bytes.
func (s *Session) ReadDeviceSignature() ([3]byte, error) {
	var sig [3]byte
	retry := signatureRetries
	for i := 0; i < len(sig); i++ {
		b, err := s.WriteAndReadMemory(protocol.SignatureProbe+uint16(i), []byte{0})
		if err != nil {
			return sig, errors.Wrap(err, "read signature")
		}
		sig[i] = b
		if i == 0 && b != protocol.ManufacturerID {
			if retry == 0 {
				return sig, &SignatureError{Signature: sig}
			}
			retry--
			i--
		}
	}

	flash, page, ok := protocol.FlashGeometry(sig)
	if !ok {
		return sig, &SignatureError{Signature: sig}
	}
	s.signature = sig
	s.hasSignature = true
	s.flashSize = flash
	s.pageSize = page
	s.debugf("Signature %02X %02X %02X (%s)", sig[0], sig[1], sig[2], protocol.PartName(sig))
	return sig, nil
}

// Signature returns the cached signature.
func (s *Session) Signature() ([3]byte, bool) {
	return s.signature, s.hasSignature
}

// FlashSize returns the cached flash size, 0 before the signature is read.
func (s *Session) FlashSize() int {
	return s.flashSize
}

// FlashPageSize returns the cached flash page size, 0 before the signature
// is read.
func (s *Session) FlashPageSize() int {
	return s.pageSize
}

// WaitForEepromWrites polls NVMCTRL.STATUS until the busy bits clear.
func (s *Session) WaitForEepromWrites() error {
	start := s.clock.Now()
	for {
		status, err := s.WriteAndReadMemory(protocol.NVMStatusProbe, []byte{0})
		if err != nil {
			s.debugf("Failed to read non-volatile memory controller status register")
			return err
		}
		if status&protocol.NVMBusyMask == 0 {
			return nil
		}
		if s.clock.Now().Sub(start) > eepromDeadline {
			s.debugf("Timed out waiting for EEPROM writes!")
			return ErrEepromTimeout
		}
		s.clock.Sleep(time.Millisecond)
	}
}

// PerformCrcCheck starts CRCSCAN over the whole flash and reports whether it
// finished with a match.
func (s *Session) PerformCrcCheck() error {
	s.debugf("Requesting CRC check")
	status, err := s.WriteAndReadMemory(protocol.CRCScanBase, []byte{1, 0})
	if err != nil {
		s.debugf("Failed to read CRC check status!")
		return errors.Wrap(err, "CRC check")
	}
	if status&protocol.CRCStatusMask == protocol.CRCStatusOK {
		s.debugf("CRC check passed OK!")
		return nil
	}
	s.debugf("CRC status = %X", status)
	s.debugf("CRC check failed!")
	return &CRCError{Status: status}
}

// RelocatorState returns what the session knows about the relocator page.
func (s *Session) RelocatorState() RelocatorState {
	return s.relocator
}

// ChangeRadioSettings moves the running bootloader to another channel and
// bit rate without touching the stored configuration. A relocator in the
// reserved flash page applies the candidate settings on the next watchdog
// reset only; any other reset boots on the stored settings.
//
// If the device cannot be reached on the candidate settings, the link goes
// back to its previous settings, re-enters there and a *ChannelChangeError
// is returned. In both cases the relocator is overwritten with the standby
// program afterwards; if that fails the state stays RelocatorDisarmed.
func (s *Session) ChangeRadioSettings(channel byte, rate radio.BitRate) error {
	// Send relocator
	// The relocator and the channel byte travel as two fragments.
	h := protocol.Header{Command: protocol.CmdWrite, Fragments: 2, Address: protocol.RelocatorAddress}
	exit := protocol.ExitHeader(protocol.RelocatorAddress + uint16(len(protocol.RelocatorProgram)))
	err := s.link.Write(h.Encode())
	if err == nil {
		err = s.link.Write(protocol.RelocatorProgram)
	}
	if err == nil {
		err = s.link.Write([]byte{channel})
	}
	if err == nil {
		err = s.link.Write(exit.Encode())
	}
	if err == nil {
		err = s.link.Flush(true)
	}
	if err != nil {
		s.debugf("Failed to send channel change request")
		return errors.Wrap(err, "send channel change request")
	}
	s.debugf("Sent channel change request OK")
	s.relocator = RelocatorArmed

	// Switch local settings
	s.link.PowerDown()
	oldRate := s.link.BitRate()
	oldChannel := s.link.Channel()
	s.link.SetChannel(channel)
	s.link.SetBitRate(rate)

	var result error
	if err := s.EnterBootLoader(); err != nil {
		s.debugf("Failed to switch radio channel")
		s.link.PowerDown()
		s.link.SetChannel(oldChannel)
		s.link.SetBitRate(oldRate)
		if rerr := s.EnterBootLoader(); rerr != nil {
			s.debugf("Failed to re-enter bootloader on channel %d", oldChannel)
		}
		result = &ChannelChangeError{Channel: channel, BitRate: rate, Err: err}
	}
	s.relocator = RelocatorDisarmed

	if err := s.ClearRelocator(); err != nil {
		s.debugf("Warning: failed to clear channel switcher")
		glog.Warningf("relocator left in flash: %v", err)
	}
	return result
}

// ClearRelocator overwrites the reserved flash page with the standby
// program.
func (s *Session) ClearRelocator() error {
	if err := s.WriteMemory(protocol.RelocatorAddress, protocol.StandbyProgram); err != nil {
		return err
	}
	if err := s.FlushWrites(); err != nil {
		return err
	}
	s.debugf("Channel switcher program cleared OK")
	s.relocator = RelocatorAbsent
	return nil
}

// ReprogramAddress stores a new radio address, and with channel >= 0 a new
// channel, in the user row and continues the session on them. The channel
// is proven with ChangeRadioSettings before it is stored.
func (s *Session) ReprogramAddress(addr radio.Address, channel int) error {
	row := addr[:]
	if channel >= 0 {
		if err := s.ChangeRadioSettings(byte(channel), s.link.BitRate()); err != nil {
			return err
		}
		row = append(append([]byte(nil), addr[:]...), byte(channel))
	}

	if err := s.WriteMemory(protocol.UserRowBase, row); err != nil {
		return errors.Wrap(err, "write user row")
	}
	if err := s.WaitForEepromWrites(); err != nil {
		return err
	}
	if err := s.ExitBootLoader(); err != nil {
		return errors.Wrap(err, "exit bootloader")
	}
	// The application resets on the next programming packet and picks up
	// the new address.
	if err := s.SendSyncPacket(); err != nil {
		return errors.Wrap(err, "trigger reset")
	}

	s.link.SetAddress(addr)
	return s.EnterBootLoader()
}

// ReprogramChannel stores a new channel in the user row after proving it
// with ChangeRadioSettings.
func (s *Session) ReprogramChannel(channel byte) error {
	oldChannel := s.link.Channel()
	if err := s.ChangeRadioSettings(channel, s.link.BitRate()); err != nil {
		return err
	}

	err := s.WriteMemoryByte(protocol.UserRowChannel, channel)
	if err == nil {
		err = s.WaitForEepromWrites()
	}
	if err == nil {
		err = s.ExitBootLoader()
	}
	if err == nil {
		err = s.EnterBootLoader()
	}
	if err != nil {
		s.debugf("Failed reprogramming radio channel")
		s.link.SetChannel(oldChannel)
		s.EnterBootLoader()
		return errors.Wrap(err, "reprogram channel")
	}

	s.debugf("Reprogrammed radio channel OK")
	return nil
}

// Addresses describes the channel and the two pipe addresses.
func (s *Session) Addresses() string {
	a := s.link.Address()
	return fmt.Sprintf("Channel = %d  UART addr = %02x%02x%02x  Programming addr = %02x%02x%02x",
		s.link.Channel(), protocol.PipeData, a[1], a[2], protocol.PipeProgram, a[1], a[2])
}

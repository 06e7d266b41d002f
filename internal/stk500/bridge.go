// Package stk500 serves the STK500v1 subset that avrdude-style programmers
// speak, translating page writes into remote bootloader memory writes.
package stk500

import (
	"time"

	"github.com/golang/glog"

	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/protocol"
	"github.com/nrfboot/nrfboot/internal/serial"
)

const (
	// ByteTimeout bounds the wait for each byte of a command body.
	ByteTimeout = time.Second
	// SessionTimeout ends a session that has seen no valid command.
	SessionTimeout = 5 * time.Second

	pollInterval = time.Millisecond
)

// Device is the remote bootloader the bridge programs.
type Device interface {
	SendSyncPacket() error
	KeepAlive(now time.Time) error
	WriteMemory(address uint16, data []byte) error
	FlushWrites() error
	WaitForEepromWrites() error
	ReadDeviceSignature() ([3]byte, error)
	ExitBootLoader() error
}

// Bridge interprets programmer commands from a stream.
type Bridge struct {
	dev    Device
	clock  clock.Clock
	stream serial.Stream

	loadAddress  uint16
	commandStart time.Time
	lastCommand  time.Time

	valid    bool
	success  bool
	timedOut bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock sets the time source for byte and session timeouts.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// New returns a bridge driving dev.
func New(dev Device, opts ...Option) *Bridge {
	b := &Bridge{dev: dev, clock: clock.System()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Begin starts a session on stream.
func (b *Bridge) Begin(stream serial.Stream) {
	b.stream = stream
	b.lastCommand = b.clock.Now()
	b.loadAddress = 0
}

// Handle processes at most one command. It returns true when the session
// is over: the programmer left programming mode, or no valid command
// arrived for SessionTimeout.
func (b *Bridge) Handle() bool {
	b.commandStart = b.clock.Now()
	command, ok := b.stream.Poll()
	if !ok {
		if b.commandStart.Sub(b.lastCommand) > SessionTimeout {
			glog.V(1).Info("stk500: session timed out")
			return true
		}
		if err := b.dev.KeepAlive(b.commandStart); err != nil {
			glog.V(3).Infof("stk500: keep-alive failed: %v", err)
		}
		return false
	}

	finished := false
	b.valid = false
	b.success = true
	b.timedOut = false
	glog.V(3).Infof("stk500: command %q", command)

	switch command {
	case protocol.StkGetSync:
		if b.endCommand() {
			b.success = b.dev.SendSyncPacket() == nil
		}

	case protocol.StkGetParameter:
		which, _ := b.getch()
		if b.endCommand() {
			switch which {
			case protocol.StkSWMinor:
				b.write(protocol.SoftwareMinor)
			case protocol.StkSWMajor:
				b.write(protocol.SoftwareMajor)
			default:
				b.write(protocol.ParameterOther)
			}
		}

	case protocol.StkSetDevice:
		b.skip(protocol.SetDeviceLength)
		b.endCommand()

	case protocol.StkSetDeviceExt:
		b.skip(protocol.SetDeviceExtLength)
		b.endCommand()

	case protocol.StkLoadAddress:
		lo, _ := b.getch()
		hi, _ := b.getch()
		if b.endCommand() {
			b.loadAddress = uint16(lo) | uint16(hi)<<8
		}

	case protocol.StkUniversal:
		b.skip(protocol.UniversalLength)
		if b.endCommand() {
			b.write(0)
		}

	case protocol.StkProgPage:
		b.programPage()

	case protocol.StkReadPage:
		hi, _ := b.getch()
		lo, _ := b.getch()
		b.getch() // memory type
		length := int(hi)<<8 | int(lo)
		if b.endCommand() {
			// The bootloader cannot read memory back.
			fill := make([]byte, length)
			for i := range fill {
				fill[i] = 0xFF
			}
			b.stream.Write(fill)
		}

	case protocol.StkReadSign:
		if b.endCommand() {
			sig, err := b.dev.ReadDeviceSignature()
			if err != nil {
				glog.V(1).Infof("stk500: read signature: %v", err)
				b.success = false
			}
			b.stream.Write(sig[:])
		}

	case protocol.StkLeaveProgmode:
		if b.endCommand() {
			b.success = b.dev.ExitBootLoader() == nil
			finished = b.success
		}

	default:
		b.endCommand()
	}

	if b.valid {
		if b.success {
			b.write(protocol.StkOK)
		} else {
			b.write(protocol.StkFailed)
		}
		b.lastCommand = b.commandStart
	}
	return finished
}

// programPage reads a program-page body and writes it once the terminator
// has been seen. Oversized bodies are drained and rejected.
func (b *Bridge) programPage() {
	hi, _ := b.getch()
	lo, _ := b.getch()
	memType, _ := b.getch()
	length := int(hi)<<8 | int(lo)

	if length > protocol.MaxPageSize {
		b.skip(length)
		if b.endCommand() {
			glog.V(1).Infof("stk500: rejected %d byte page", length)
			b.success = false
		}
		return
	}

	page := make([]byte, length)
	for i := range page {
		page[i], _ = b.getch()
	}
	if !b.endCommand() {
		return
	}

	offset, ok := protocol.MemoryOffset(memType)
	if !ok {
		glog.V(1).Infof("stk500: unknown memory type %q", memType)
		b.success = false
		return
	}
	if int(b.loadAddress)+length > protocol.MemorySize(memType) {
		glog.V(1).Infof("stk500: %d byte page @0x%04X runs past %q memory", length, b.loadAddress, memType)
		b.success = false
		return
	}
	address := b.loadAddress + offset

	if err := b.dev.WriteMemory(address, page); err != nil {
		glog.V(1).Infof("stk500: write @0x%04X: %v", address, err)
		b.success = false
		return
	}
	if err := b.dev.FlushWrites(); err != nil {
		glog.V(1).Infof("stk500: flush @0x%04X: %v", address, err)
		b.success = false
		return
	}
	// Flash commits as soon as the page arrives; the data space does not.
	if address < protocol.FlashBase {
		if err := b.dev.WaitForEepromWrites(); err != nil {
			glog.V(1).Infof("stk500: EEPROM @0x%04X: %v", address, err)
			b.success = false
		}
	}
}

// getch waits up to ByteTimeout for the next byte. After a timeout every
// further read of the command fails immediately.
func (b *Bridge) getch() (byte, bool) {
	if b.timedOut {
		return 0, false
	}
	deadline := b.clock.Now().Add(ByteTimeout)
	for {
		if c, ok := b.stream.Poll(); ok {
			return c, true
		}
		if !b.clock.Now().Before(deadline) {
			b.timedOut = true
			b.valid = false
			b.success = false
			return 0, false
		}
		b.clock.Sleep(pollInterval)
	}
}

func (b *Bridge) skip(n int) {
	for i := 0; i < n; i++ {
		b.getch()
	}
}

// endCommand checks the terminator and answers INSYNC or NOSYNC.
func (b *Bridge) endCommand() bool {
	c, ok := b.getch()
	b.valid = ok && c == protocol.StkCRCEOP
	if b.valid {
		b.write(protocol.StkInSync)
	} else {
		b.write(protocol.StkNoSync)
	}
	return b.valid
}

func (b *Bridge) write(c byte) {
	b.stream.Write([]byte{c})
}

package nrf24sim

import (
	"bytes"
	"sync"
	"time"

	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/nrf24"
	"github.com/nrfboot/nrfboot/internal/protocol"
)

// DefaultWatchdog is how long the remote bootloader waits for traffic
// before rebooting into the application.
const DefaultWatchdog = time.Second

// Device modes
const (
	ModeApplication = iota
	ModeBootloader
)

// Write is one completed memory write on the device.
type Write struct {
	Address uint16
	Data    []byte
}

// DeviceConfig describes the emulated target.
type DeviceConfig struct {
	Signature [3]byte
	// Address is the identity stored in the user row. Only bytes 1 and 2
	// take part in pipe addressing.
	Address [3]byte
	Channel byte
	BitRate byte
	// Watchdog defaults to DefaultWatchdog.
	Watchdog time.Duration
	// EEPROMBusyPolls is the number of status reads an EEPROM or user row
	// write stays busy for.
	EEPROMBusyPolls int
}

// Device emulates a megaTiny running the radio bootloader. It implements
// Peer.
type Device struct {
	mu    sync.Mutex
	clock clock.Clock
	cfg   DeviceConfig

	mem [0x10000]byte

	mode      int
	channel   byte
	bitRate   byte
	address   [3]byte
	lastHeard time.Time

	// write state machine
	remaining int
	writeAddr uint16
	writeBuf  []byte
	pending   []byte
	fifo      [][]byte

	busyPolls int

	// Stalled bootloaders accept packets into their FIFO without
	// consuming them.
	Stalled bool
	// EEPROMStuck keeps the NVM controller busy forever.
	EEPROMStuck bool
	// CRCStatus is reported by CRCSCAN after a scan request.
	CRCStatus byte
	// Jammed channels lose every packet.
	Jammed map[byte]bool

	writes  []Write
	appData [][]byte
	resets  int
}

// NewDevice returns a device running its application on the configured
// channel.
func NewDevice(c clock.Clock, cfg DeviceConfig) *Device {
	if cfg.Watchdog == 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	d := &Device{
		clock:     c,
		cfg:       cfg,
		CRCStatus: protocol.CRCStatusOK,
		Jammed:    make(map[byte]bool),
	}
	copy(d.mem[protocol.SignatureBase:], cfg.Signature[:])
	copy(d.mem[protocol.UserRowBase:], cfg.Address[:])
	d.mem[protocol.UserRowChannel] = cfg.Channel
	copy(d.mem[protocol.RelocatorAddress:], protocol.StandbyProgram)
	d.loadConfig()
	d.mode = ModeApplication
	return d
}

// Deliver implements Peer.
func (d *Device) Deliver(tx Transmission) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.tick(now)

	if tx.Channel != d.channel || tx.BitRate != d.bitRate || d.Jammed[tx.Channel] {
		return nil, false
	}
	if tx.Address[1] != d.address[1] || tx.Address[2] != d.address[2] {
		return nil, false
	}

	switch d.mode {
	case ModeApplication:
		switch tx.Address[0] {
		case protocol.PipeProgram:
			// The application polls for programming traffic and performs a
			// software reset into the bootloader.
			d.resets++
			d.loadConfig()
			d.enterBootloader(now)
			return nil, true
		case protocol.PipeData:
			d.appData = append(d.appData, append([]byte(nil), tx.Payload...))
			return nil, true
		}
		return nil, false

	case ModeBootloader:
		if tx.Address[0] != protocol.PipeProgram {
			return nil, false
		}
		if d.Stalled {
			if len(d.fifo) >= nrf24.FifoDepth {
				return nil, false
			}
			d.fifo = append(d.fifo, append([]byte(nil), tx.Payload...))
			return nil, true
		}
		d.lastHeard = now
		ack := d.pending
		d.pending = nil
		d.process(tx.Payload, now)
		return ack, true
	}
	return nil, false
}

func (d *Device) tick(now time.Time) {
	if d.mode == ModeBootloader && now.Sub(d.lastHeard) > d.cfg.Watchdog {
		d.resets++
		d.loadConfig()
		d.mode = ModeApplication
		d.remaining = 0
		d.pending = nil
		d.fifo = nil
	}
}

func (d *Device) loadConfig() {
	copy(d.address[:], d.mem[protocol.UserRowBase:protocol.UserRowBase+3])
	d.channel = d.mem[protocol.UserRowChannel]
	d.bitRate = d.cfg.BitRate
}

func (d *Device) enterBootloader(now time.Time) {
	d.mode = ModeBootloader
	d.lastHeard = now
	d.remaining = 0
	d.pending = nil
	d.fifo = nil
}

func (d *Device) process(p []byte, now time.Time) {
	if d.remaining > 0 {
		d.writeBuf = append(d.writeBuf, p...)
		d.remaining--
		if d.remaining == 0 {
			d.commit()
		}
		return
	}

	h, err := protocol.DecodeHeader(p)
	if err != nil {
		return
	}
	switch h.Command {
	case protocol.CmdWrite:
		d.writeAddr = h.Address
		d.writeBuf = d.writeBuf[:0]
		d.remaining = int(h.Fragments)
	case protocol.CmdExit:
		d.exit(now)
	}
}

func (d *Device) commit() {
	addr := d.writeAddr
	data := append([]byte(nil), d.writeBuf...)
	for i, b := range data {
		a := addr + uint16(i)
		if a >= protocol.SignatureBase && a < protocol.SignatureBase+3 {
			continue // read-only
		}
		d.mem[a] = b
	}
	d.writes = append(d.writes, Write{Address: addr, Data: data})

	end := addr + uint16(len(data))
	switch {
	case addr == protocol.NVMStatusProbe:
		status := byte(0)
		if d.EEPROMStuck || d.busyPolls > 0 {
			status = 0x02
			if d.busyPolls > 0 {
				d.busyPolls--
			}
		}
		d.mem[protocol.NVMCtrlBase+2] = status
	case addr == protocol.CRCScanBase && len(data) > 0 && data[0]&1 != 0:
		d.mem[protocol.CRCScanStatus] = d.CRCStatus
	case addr >= protocol.UserRowBase && addr < protocol.FlashBase:
		d.busyPolls = d.cfg.EEPROMBusyPolls
	}

	// The byte following the written data is echoed in the next ack.
	d.pending = []byte{d.mem[end]}
}

func (d *Device) exit(now time.Time) {
	reloc := d.mem[protocol.RelocatorAddress : protocol.RelocatorAddress+len(protocol.RelocatorProgram)]
	if bytes.Equal(reloc, protocol.RelocatorProgram) {
		// Watchdog reset with the relocator armed: restart the bootloader
		// on the channel stored after it.
		d.resets++
		d.channel = d.mem[protocol.RelocatorAddress+len(protocol.RelocatorProgram)]
		d.enterBootloader(now)
		return
	}
	d.mode = ModeApplication
	d.remaining = 0
	d.pending = nil
}

// Mode returns ModeApplication or ModeBootloader.
func (d *Device) Mode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick(d.clock.Now())
	return d.mode
}

// Channel returns the channel the device currently listens on.
func (d *Device) Channel() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick(d.clock.Now())
	return d.channel
}

// Address returns the address the device currently listens on.
func (d *Device) Address() [3]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick(d.clock.Now())
	return d.address
}

// Memory returns a copy of n bytes at addr.
func (d *Device) Memory(addr uint16, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = d.mem[addr+uint16(i)]
	}
	return out
}

// Writes returns the completed memory writes.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// WritesIn returns the completed writes whose address lies in [lo, hi).
func (d *Device) WritesIn(lo, hi uint16) []Write {
	var out []Write
	for _, w := range d.Writes() {
		if w.Address >= lo && w.Address < hi {
			out = append(out, w)
		}
	}
	return out
}

// AppData returns the packets the application received on the data pipe.
func (d *Device) AppData() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.appData...)
}

// Resets returns the number of resets performed so far.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Drain consumes whatever a stalled bootloader has buffered.
func (d *Device) Drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for _, p := range d.fifo {
		d.lastHeard = now
		d.pending = nil
		d.process(p, now)
	}
	d.fifo = nil
}

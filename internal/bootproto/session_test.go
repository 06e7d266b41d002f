package bootproto

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/nrf24/nrf24sim"
	"github.com/nrfboot/nrfboot/internal/protocol"
	"github.com/nrfboot/nrfboot/internal/radio"
)

var testSignature = [3]byte{0x1E, 0x94, 0x22}

type target struct {
	session *Session
	device  *nrf24sim.Device
	radio   *nrf24sim.Radio
	link    *radio.Link
	clock   *clock.Fake
}

func newTarget(t *testing.T, tweak func(*nrf24sim.DeviceConfig)) *target {
	t.Helper()
	clk := clock.NewFake()
	cfg := nrf24sim.DeviceConfig{
		Signature: testSignature,
		Address:   [3]byte{'x', 'a', 'b'},
		Channel:   50,
		BitRate:   byte(radio.BitRate2M),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	dev := nrf24sim.NewDevice(clk, cfg)
	sim := nrf24sim.NewRadio(dev)
	link := radio.New(sim, radio.WithClock(clk))

	rc := radio.DefaultConfig()
	rc.Address = radio.Address{'x', 'a', 'b'}
	rc.Channel = 50
	if err := link.Begin(rc); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	return &target{
		session: New(link),
		device:  dev,
		radio:   sim,
		link:    link,
		clock:   clk,
	}
}

func (tg *target) enter(t *testing.T) {
	t.Helper()
	if err := tg.session.EnterBootLoader(); err != nil {
		t.Fatalf("EnterBootLoader error: %v", err)
	}
}

func TestEnterBootLoader_FourSyncs(t *testing.T) {
	tg := newTarget(t, nil)
	tg.radio.ResetLog()

	tg.enter(t)

	log := tg.radio.Log()
	if len(log) != 4 {
		t.Fatalf("transmissions = %d, want 4", len(log))
	}
	for i, rec := range log {
		if !rec.Acked {
			t.Errorf("sync %d not acked", i)
		}
		h, err := protocol.DecodeHeader(rec.Payload)
		if err != nil || !h.IsSync() {
			t.Errorf("packet %d = % X, want sync header", i, rec.Payload)
		}
		if rec.Address[0] != protocol.PipeProgram {
			t.Errorf("packet %d sent to pipe %q, want 'P'", i, rec.Address[0])
		}
	}
	if got := tg.device.Mode(); got != nrf24sim.ModeBootloader {
		t.Errorf("device mode = %d, want bootloader", got)
	}
}

func TestEnterBootLoader_Unreachable(t *testing.T) {
	tg := newTarget(t, nil)
	tg.device.Jammed[50] = true
	start := tg.clock.Now()

	err := tg.session.EnterBootLoader()
	if !errors.Is(err, ErrEnterFailed) {
		t.Fatalf("EnterBootLoader error = %v, want %v", err, ErrEnterFailed)
	}
	if elapsed := tg.clock.Now().Sub(start); elapsed < 9*enterBackoff {
		t.Errorf("gave up after %v, want at least %v of backoff", elapsed, 9*enterBackoff)
	}
	if _, ok := tg.session.Signature(); ok {
		t.Error("failed enter left a cached signature")
	}
	if got := tg.link.Channel(); got != 50 {
		t.Errorf("Channel() = %d, want 50", got)
	}
}

func TestEnterBootLoader_BufferingIsNotEnough(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)

	// Three packets fit in the stalled target's FIFO and are acked, then
	// every further packet is lost.
	tg.device.Stalled = true
	tg.radio.ResetLog()

	if err := tg.session.EnterBootLoader(); !errors.Is(err, ErrEnterFailed) {
		t.Fatalf("EnterBootLoader error = %v, want %v", err, ErrEnterFailed)
	}
	acked := 0
	for _, rec := range tg.radio.Log() {
		if rec.Acked {
			acked++
		}
	}
	if acked != 3 {
		t.Errorf("acked syncs = %d, want 3", acked)
	}
}

func TestEnterBootLoader_IntermittentLoss(t *testing.T) {
	tg := newTarget(t, nil)
	attempts := int(radio.DefaultConfig().HardwareRetries) + 1

	// Every fourth sync is lost on all of its hardware attempts, so no run
	// of four acknowledged syncs ever happens.
	delivered, lost := 0, 0
	tg.radio.Drop = func(tx nrf24sim.Transmission) bool {
		if delivered < 3 {
			delivered++
			return false
		}
		lost++
		if lost == attempts {
			delivered, lost = 0, 0
		}
		return true
	}
	tg.radio.ResetLog()

	err := tg.session.EnterBootLoader()
	if !errors.Is(err, ErrEnterFailed) {
		t.Fatalf("EnterBootLoader error = %v, want %v", err, ErrEnterFailed)
	}
	if got, want := len(tg.radio.Log()), 4*enterFailures; got != want {
		t.Errorf("transmissions = %d, want %d", got, want)
	}
}

func TestWriteMemory_TooLong(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)

	err := tg.session.WriteMemory(protocol.EEPROMBase, make([]byte, protocol.MaxPageSize+1))
	if !errors.Is(err, ErrWriteTooLong) {
		t.Errorf("WriteMemory error = %v, want %v", err, ErrWriteTooLong)
	}
}

func TestWriteMemoryLong_PageSplit(t *testing.T) {
	tests := []struct {
		name     string
		address  uint16
		length   int
		pageSize int
	}{
		{"eeprom aligned", protocol.EEPROMBase, 96, 32},
		{"eeprom unaligned", protocol.EEPROMBase + 5, 100, 32},
		{"eeprom single byte", protocol.EEPROMBase + 31, 1, 32},
		{"flash aligned", protocol.FlashBase, 192, 64},
		{"flash unaligned", protocol.FlashBase + 10, 200, 64},
		{"flash partial page", protocol.FlashBase + 64, 20, 64},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tg := newTarget(t, nil)
			tg.enter(t)

			data := make([]byte, tc.length)
			for i := range data {
				data[i] = byte(i*7 + 3)
			}
			if err := tg.session.WriteMemoryLong(tc.address, data); err != nil {
				t.Fatalf("WriteMemoryLong error: %v", err)
			}

			writes := tg.device.WritesIn(tc.address, tc.address+uint16(tc.length))
			var joined []byte
			for _, w := range writes {
				first := int(w.Address) / tc.pageSize
				last := (int(w.Address) + len(w.Data) - 1) / tc.pageSize
				if first != last {
					t.Errorf("write @0x%04X len %d crosses a %d-byte page", w.Address, len(w.Data), tc.pageSize)
				}
				joined = append(joined, w.Data...)
			}
			if !bytes.Equal(joined, data) {
				t.Error("concatenated page writes differ from input")
			}
			if int(tc.address)%tc.pageSize == 0 {
				want := (tc.length + tc.pageSize - 1) / tc.pageSize
				if len(writes) != want {
					t.Errorf("page writes = %d, want %d", len(writes), want)
				}
			}
			if got := tg.device.Memory(tc.address, tc.length); !bytes.Equal(got, data) {
				t.Error("device memory differs from input")
			}
		})
	}
}

func TestWriteMemoryLong_Empty(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)
	before := len(tg.device.Writes())

	if err := tg.session.WriteMemoryLong(protocol.EEPROMBase, nil); err != nil {
		t.Fatalf("WriteMemoryLong error: %v", err)
	}
	if got := len(tg.device.Writes()); got != before {
		t.Errorf("writes = %d, want %d", got, before)
	}
}

func TestWriteMemoryLong_PastEndOfDataSpace(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)
	before := len(tg.device.Writes())
	tg.radio.ResetLog()

	err := tg.session.WriteMemoryLong(0xFFF0, make([]byte, 32))
	if !errors.Is(err, ErrAddressRange) {
		t.Fatalf("WriteMemoryLong error = %v, want %v", err, ErrAddressRange)
	}
	if got := len(tg.radio.Log()); got != 0 {
		t.Errorf("transmissions = %d, want 0", got)
	}
	if got := len(tg.device.Writes()); got != before {
		t.Errorf("writes = %d, want %d", got, before)
	}
}

func TestWriteAndReadMemory_RoundTrip(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)

	const base = protocol.EEPROMBase + 16
	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA}
	if err := tg.session.WriteMemoryLong(base, data); err != nil {
		t.Fatalf("WriteMemoryLong error: %v", err)
	}

	// Rewriting the byte before each address echoes the byte at it.
	prev := byte(0)
	for i, want := range data {
		got, err := tg.session.WriteAndReadMemory(base+uint16(i)-1, []byte{prev})
		if err != nil {
			t.Fatalf("WriteAndReadMemory(%d) error: %v", i, err)
		}
		if got != want {
			t.Errorf("byte %d = 0x%02X, want 0x%02X", i, got, want)
		}
		prev = want
	}
}

func TestWriteAndReadMemory_NoResponse(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)
	tg.device.Jammed[50] = true

	if _, err := tg.session.WriteAndReadMemory(protocol.NVMStatusProbe, []byte{0}); err == nil {
		t.Error("WriteAndReadMemory on a jammed channel returned no error")
	}
}

func TestReadDeviceSignature(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)

	sig, err := tg.session.ReadDeviceSignature()
	if err != nil {
		t.Fatalf("ReadDeviceSignature error: %v", err)
	}
	if sig != testSignature {
		t.Errorf("signature = % X, want % X", sig, testSignature)
	}
	if got := tg.session.FlashSize(); got != 0x4000 {
		t.Errorf("FlashSize() = 0x%X, want 0x4000", got)
	}
	if got := tg.session.FlashPageSize(); got != 64 {
		t.Errorf("FlashPageSize() = %d, want 64", got)
	}
	if cached, ok := tg.session.Signature(); !ok || cached != testSignature {
		t.Errorf("Signature() = % X, %v", cached, ok)
	}
	if got := tg.device.Memory(protocol.SignatureBase, 3); !bytes.Equal(got, testSignature[:]) {
		t.Errorf("signature row modified: % X", got)
	}
}

func TestReadDeviceSignature_BadManufacturer(t *testing.T) {
	tg := newTarget(t, func(c *nrf24sim.DeviceConfig) {
		c.Signature = [3]byte{0x00, 0x94, 0x22}
	})
	tg.enter(t)

	_, err := tg.session.ReadDeviceSignature()
	var sigErr *SignatureError
	if !errors.As(err, &sigErr) {
		t.Fatalf("ReadDeviceSignature error = %v, want *SignatureError", err)
	}
	if _, ok := tg.session.Signature(); ok {
		t.Error("bad signature was cached")
	}
}

func TestWaitForEepromWrites(t *testing.T) {
	tg := newTarget(t, func(c *nrf24sim.DeviceConfig) { c.EEPROMBusyPolls = 3 })
	tg.enter(t)

	if err := tg.session.WriteMemory(protocol.EEPROMBase, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMemory error: %v", err)
	}
	if err := tg.session.WaitForEepromWrites(); err != nil {
		t.Errorf("WaitForEepromWrites error: %v", err)
	}
	if polls := len(tg.device.WritesIn(protocol.NVMStatusProbe, protocol.NVMStatusProbe+1)); polls != 4 {
		t.Errorf("status polls = %d, want 4", polls)
	}
}

func TestWaitForEepromWrites_Timeout(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)
	tg.device.EEPROMStuck = true
	start := tg.clock.Now()

	if err := tg.session.WaitForEepromWrites(); err != ErrEepromTimeout {
		t.Fatalf("WaitForEepromWrites error = %v, want %v", err, ErrEepromTimeout)
	}
	if elapsed := tg.clock.Now().Sub(start); elapsed < eepromDeadline {
		t.Errorf("gave up after %v, want at least %v", elapsed, eepromDeadline)
	}
}

func TestPerformCrcCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  byte
		wantErr bool
	}{
		{"passed", 0x02, false},
		{"mismatch", 0x03, true},
		{"busy", 0x01, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tg := newTarget(t, nil)
			tg.enter(t)
			tg.device.CRCStatus = tc.status

			err := tg.session.PerformCrcCheck()
			if (err != nil) != tc.wantErr {
				t.Fatalf("PerformCrcCheck error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				var crcErr *CRCError
				if !errors.As(err, &crcErr) || crcErr.Status != tc.status {
					t.Errorf("error = %v, want CRCError with status 0x%02X", err, tc.status)
				}
			}
		})
	}
}

func TestChangeRadioSettings(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)

	if err := tg.session.ChangeRadioSettings(60, radio.BitRate2M); err != nil {
		t.Fatalf("ChangeRadioSettings error: %v", err)
	}
	if got := tg.link.Channel(); got != 60 {
		t.Errorf("link channel = %d, want 60", got)
	}
	if got := tg.device.Channel(); got != 60 {
		t.Errorf("device channel = %d, want 60", got)
	}
	if got := tg.device.Memory(protocol.UserRowChannel, 1)[0]; got != 50 {
		t.Errorf("stored channel = %d, want 50", got)
	}
	if got := tg.device.Memory(protocol.RelocatorAddress, len(protocol.StandbyProgram)); !bytes.Equal(got, protocol.StandbyProgram) {
		t.Errorf("relocator page = % X, want standby program", got)
	}
	if got := tg.session.RelocatorState(); got != RelocatorAbsent {
		t.Errorf("RelocatorState() = %v, want %v", got, RelocatorAbsent)
	}
}

func TestChangeRadioSettings_Unreachable(t *testing.T) {
	tg := newTarget(t, func(c *nrf24sim.DeviceConfig) { c.Watchdog = 300 * time.Millisecond })
	tg.enter(t)
	tg.device.Jammed[60] = true

	err := tg.session.ChangeRadioSettings(60, radio.BitRate250K)
	var chErr *ChannelChangeError
	if !errors.As(err, &chErr) {
		t.Fatalf("ChangeRadioSettings error = %v, want *ChannelChangeError", err)
	}
	if !errors.Is(err, ErrEnterFailed) {
		t.Errorf("error %v does not wrap %v", err, ErrEnterFailed)
	}
	if got := tg.link.Channel(); got != 50 {
		t.Errorf("link channel = %d, want 50", got)
	}
	if got := tg.link.BitRate(); got != radio.BitRate2M {
		t.Errorf("link bit rate = %v, want %v", got, radio.BitRate2M)
	}
	if got := tg.device.Mode(); got != nrf24sim.ModeBootloader {
		t.Errorf("device mode = %d, want bootloader", got)
	}
	if got := tg.session.RelocatorState(); got != RelocatorAbsent {
		t.Errorf("RelocatorState() = %v, want %v", got, RelocatorAbsent)
	}
}

func TestChangeRadioSettings_ClearFails(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)
	tg.radio.Drop = func(tx nrf24sim.Transmission) bool {
		return bytes.Equal(tx.Payload, protocol.StandbyProgram)
	}

	if err := tg.session.ChangeRadioSettings(60, radio.BitRate2M); err != nil {
		t.Fatalf("ChangeRadioSettings error: %v", err)
	}
	if got := tg.session.RelocatorState(); got != RelocatorDisarmed {
		t.Fatalf("RelocatorState() = %v, want %v", got, RelocatorDisarmed)
	}

	// Recover: resynchronise, then retry the clear.
	tg.radio.Drop = nil
	tg.enter(t)
	if err := tg.session.ClearRelocator(); err != nil {
		t.Fatalf("ClearRelocator error: %v", err)
	}
	if got := tg.session.RelocatorState(); got != RelocatorAbsent {
		t.Errorf("RelocatorState() = %v, want %v", got, RelocatorAbsent)
	}
	if got := tg.device.Memory(protocol.RelocatorAddress, len(protocol.StandbyProgram)); !bytes.Equal(got, protocol.StandbyProgram) {
		t.Errorf("relocator page = % X, want standby program", got)
	}
}

func TestReprogramChannel(t *testing.T) {
	tg := newTarget(t, func(c *nrf24sim.DeviceConfig) { c.EEPROMBusyPolls = 2 })
	tg.enter(t)

	if err := tg.session.ReprogramChannel(70); err != nil {
		t.Fatalf("ReprogramChannel error: %v", err)
	}
	if got := tg.device.Memory(protocol.UserRowChannel, 1)[0]; got != 70 {
		t.Errorf("stored channel = %d, want 70", got)
	}
	if got := tg.device.Channel(); got != 70 {
		t.Errorf("device channel = %d, want 70", got)
	}
	if got := tg.link.Channel(); got != 70 {
		t.Errorf("link channel = %d, want 70", got)
	}
	if got := tg.device.Mode(); got != nrf24sim.ModeBootloader {
		t.Errorf("device mode = %d, want bootloader", got)
	}
}

func TestReprogramChannel_Unreachable(t *testing.T) {
	tg := newTarget(t, func(c *nrf24sim.DeviceConfig) { c.Watchdog = 300 * time.Millisecond })
	tg.enter(t)
	tg.device.Jammed[70] = true

	if err := tg.session.ReprogramChannel(70); err == nil {
		t.Fatal("ReprogramChannel to a jammed channel returned no error")
	}
	if got := tg.device.Memory(protocol.UserRowChannel, 1)[0]; got != 50 {
		t.Errorf("stored channel = %d, want 50", got)
	}
	if got := tg.link.Channel(); got != 50 {
		t.Errorf("link channel = %d, want 50", got)
	}
}

func TestReprogramAddress(t *testing.T) {
	tests := []struct {
		name        string
		channel     int
		wantChannel byte
	}{
		{"address only", KeepChannel, 50},
		{"address and channel", 80, 80},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tg := newTarget(t, nil)
			tg.enter(t)

			addr := radio.Address{'x', 'y', 'z'}
			if err := tg.session.ReprogramAddress(addr, tc.channel); err != nil {
				t.Fatalf("ReprogramAddress error: %v", err)
			}
			if got := tg.device.Address(); got != [3]byte(addr) {
				t.Errorf("device address = %q, want %q", got[:], addr[:])
			}
			if got := tg.device.Channel(); got != tc.wantChannel {
				t.Errorf("device channel = %d, want %d", got, tc.wantChannel)
			}
			if got := tg.link.Address(); got[1] != 'y' || got[2] != 'z' {
				t.Errorf("link address = %v, want ?yz", got)
			}
			if got := tg.device.Mode(); got != nrf24sim.ModeBootloader {
				t.Errorf("device mode = %d, want bootloader", got)
			}
		})
	}
}

func TestKeepAlive(t *testing.T) {
	tg := newTarget(t, nil)
	tg.enter(t)
	tg.radio.ResetLog()

	now := tg.clock.Now()
	steps := []struct {
		at   time.Duration
		sent int
	}{
		{0, 1},
		{100 * time.Millisecond, 1},
		{250 * time.Millisecond, 1},
		{251 * time.Millisecond, 2},
	}
	for _, s := range steps {
		if err := tg.session.KeepAlive(now.Add(s.at)); err != nil {
			t.Fatalf("KeepAlive(+%v) error: %v", s.at, err)
		}
		if got := len(tg.radio.Log()); got != s.sent {
			t.Errorf("after +%v: sent %d, want %d", s.at, got, s.sent)
		}
	}
}

func TestAddresses(t *testing.T) {
	tg := newTarget(t, nil)
	want := "Channel = 50  UART addr = 556162  Programming addr = 506162"
	if got := tg.session.Addresses(); got != want {
		t.Errorf("Addresses() = %q, want %q", got, want)
	}
}

func TestDebugWriter(t *testing.T) {
	tg := newTarget(t, nil)
	var buf bytes.Buffer
	tg.session.SetDebugWriter(&buf)

	tg.enter(t)

	if !strings.Contains(buf.String(), "Reset device successfully\r\n") {
		t.Errorf("debug output = %q", buf.String())
	}
}

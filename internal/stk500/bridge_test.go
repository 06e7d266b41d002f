package stk500

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/protocol"
)

// fakeStream replays scripted input and records output.
type fakeStream struct {
	in  []byte
	out bytes.Buffer
}

func (s *fakeStream) Poll() (byte, bool) {
	if len(s.in) == 0 {
		return 0, false
	}
	c := s.in[0]
	s.in = s.in[1:]
	return c, true
}

func (s *fakeStream) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

type memWrite struct {
	address uint16
	data    []byte
}

// fakeDevice records the bootloader calls made by the bridge.
type fakeDevice struct {
	signature  [3]byte
	sigErr     error
	writeErr   error
	eepromErr  error
	writes     []memWrite
	syncs      int
	keepAlives []time.Time
	flushes    int
	eepromWait int
	exits      int
}

func (d *fakeDevice) SendSyncPacket() error { d.syncs++; return nil }

func (d *fakeDevice) KeepAlive(now time.Time) error {
	d.keepAlives = append(d.keepAlives, now)
	return nil
}

func (d *fakeDevice) WriteMemory(address uint16, data []byte) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.writes = append(d.writes, memWrite{address, append([]byte(nil), data...)})
	return nil
}

func (d *fakeDevice) FlushWrites() error { d.flushes++; return nil }

func (d *fakeDevice) WaitForEepromWrites() error { d.eepromWait++; return d.eepromErr }

func (d *fakeDevice) ReadDeviceSignature() ([3]byte, error) { return d.signature, d.sigErr }

func (d *fakeDevice) ExitBootLoader() error { d.exits++; return nil }

func newBridge(input []byte) (*Bridge, *fakeStream, *fakeDevice, *clock.Fake) {
	clk := clock.NewFake()
	dev := &fakeDevice{signature: [3]byte{0x1E, 0x94, 0x22}}
	s := &fakeStream{in: input}
	b := New(dev, WithClock(clk))
	b.Begin(s)
	return b, s, dev, clk
}

// runAll handles commands until the input is consumed.
func runAll(b *Bridge, s *fakeStream) bool {
	finished := false
	for len(s.in) > 0 && !finished {
		finished = b.Handle()
	}
	return finished
}

func progPage(memType byte, data []byte) []byte {
	cmd := []byte{protocol.StkProgPage, byte(len(data) >> 8), byte(len(data)), memType}
	cmd = append(cmd, data...)
	return append(cmd, protocol.StkCRCEOP)
}

func TestHandle_Responses(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{"get sync", []byte("0 "), []byte{0x14, 0x10}},
		{"sw major", []byte{'A', 0x81, ' '}, []byte{0x14, 0x09, 0x10}},
		{"sw minor", []byte{'A', 0x82, ' '}, []byte{0x14, 0x00, 0x10}},
		{"other parameter", []byte{'A', 0x98, ' '}, []byte{0x14, 0x03, 0x10}},
		{"set device", append(append([]byte{'B'}, make([]byte, 20)...), ' '), []byte{0x14, 0x10}},
		{"set device ext", append(append([]byte{'E'}, make([]byte, 5)...), ' '), []byte{0x14, 0x10}},
		{"universal", []byte{'V', 0x30, 0x00, 0x00, 0x00, ' '}, []byte{0x14, 0x00, 0x10}},
		{"load address", []byte{'U', 0x00, 0x01, ' '}, []byte{0x14, 0x10}},
		{"read page", []byte{'t', 0x00, 0x04, 'F', ' '}, []byte{0x14, 0xFF, 0xFF, 0xFF, 0xFF, 0x10}},
		{"read signature", []byte("u "), []byte{0x14, 0x1E, 0x94, 0x22, 0x10}},
		{"unknown opcode", []byte("z "), []byte{0x14, 0x10}},
		{"bad terminator", []byte("0x"), []byte{0x15}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, s, _, _ := newBridge(tc.input)
			runAll(b, s)
			if got := s.out.Bytes(); !bytes.Equal(got, tc.want) {
				t.Errorf("response = % X, want % X", got, tc.want)
			}
		})
	}
}

func TestHandle_GetSyncSendsSync(t *testing.T) {
	b, s, dev, _ := newBridge([]byte("0 0 "))
	runAll(b, s)
	if dev.syncs != 2 {
		t.Errorf("syncs = %d, want 2", dev.syncs)
	}
}

func TestHandle_BadTerminatorSkipsSideEffect(t *testing.T) {
	input := []byte{'U', 0x10, 0x00, 'x'}
	input = append(input, progPage('F', []byte{1, 2})...)
	input[len(input)-1] = 'x'

	b, s, dev, _ := newBridge(input)
	runAll(b, s)

	if len(dev.writes) != 0 {
		t.Errorf("writes = %v, want none", dev.writes)
	}
	if got := s.out.Bytes(); !bytes.Equal(got, []byte{0x15, 0x15}) {
		t.Errorf("response = % X, want 15 15", got)
	}

	// The load address was not taken either.
	s.in = append([]byte(nil), progPage('F', []byte{3})...)
	s.out.Reset()
	runAll(b, s)
	if len(dev.writes) != 1 || dev.writes[0].address != protocol.FlashBase {
		t.Errorf("writes = %+v, want one at 0x8000", dev.writes)
	}
}

func TestHandle_ProgramFlashPage(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	input := append([]byte{'U', 0x00, 0x00, ' '}, progPage('F', data)...)

	b, s, dev, _ := newBridge(input)
	runAll(b, s)

	if len(dev.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(dev.writes))
	}
	if dev.writes[0].address != 0x8000 || !bytes.Equal(dev.writes[0].data, data) {
		t.Errorf("write = @0x%04X % X", dev.writes[0].address, dev.writes[0].data)
	}
	if dev.flushes != 1 {
		t.Errorf("flushes = %d, want 1", dev.flushes)
	}
	if dev.eepromWait != 0 {
		t.Errorf("EEPROM waits = %d, want 0 for flash", dev.eepromWait)
	}
	if got := s.out.Bytes(); !bytes.Equal(got, []byte{0x14, 0x10, 0x14, 0x10}) {
		t.Errorf("response = % X, want 14 10 14 10", got)
	}
}

func TestHandle_MemoryTypes(t *testing.T) {
	tests := []struct {
		memType    byte
		wantAddr   uint16
		wantEEPROM int
	}{
		{'F', 0x8020, 0},
		{'E', 0x1420, 1},
		{'U', 0x1320, 1},
	}

	for _, tc := range tests {
		t.Run(string(tc.memType), func(t *testing.T) {
			input := append([]byte{'U', 0x20, 0x00, ' '}, progPage(tc.memType, []byte{0xAA})...)
			b, s, dev, _ := newBridge(input)
			runAll(b, s)

			if len(dev.writes) != 1 || dev.writes[0].address != tc.wantAddr {
				t.Fatalf("writes = %+v, want one at 0x%04X", dev.writes, tc.wantAddr)
			}
			if dev.eepromWait != tc.wantEEPROM {
				t.Errorf("EEPROM waits = %d, want %d", dev.eepromWait, tc.wantEEPROM)
			}
		})
	}
}

func TestHandle_LoadAddressNotModified(t *testing.T) {
	input := []byte{'U', 0x40, 0x00, ' '}
	input = append(input, progPage('F', []byte{1})...)
	input = append(input, progPage('F', []byte{2})...)

	b, s, dev, _ := newBridge(input)
	runAll(b, s)

	if len(dev.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(dev.writes))
	}
	for i, w := range dev.writes {
		if w.address != 0x8040 {
			t.Errorf("write %d @0x%04X, want 0x8040", i, w.address)
		}
	}
}

func TestHandle_PageTooLong(t *testing.T) {
	data := make([]byte, protocol.MaxPageSize+1)
	input := append(progPage('F', data), []byte("0 ")...)

	b, s, dev, _ := newBridge(input)
	runAll(b, s)

	if len(dev.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(dev.writes))
	}
	// The body was drained, so the following get-sync is understood.
	if got := s.out.Bytes(); !bytes.Equal(got, []byte{0x14, 0x11, 0x14, 0x10}) {
		t.Errorf("response = % X, want 14 11 14 10", got)
	}
}

func TestHandle_PageOutsideMemory(t *testing.T) {
	tests := []struct {
		name      string
		memType   byte
		load      uint16
		length    int
		wantWrite bool
	}{
		{"flash past end", 'F', 0x8000, 64, false},
		{"flash last page", 'F', 0x7FC0, 64, true},
		{"flash straddles end", 'F', 0x7FF0, 32, false},
		{"eeprom far", 'E', 0xEC00, 1, false},
		{"eeprom straddles end", 'E', 0x00FF, 2, false},
		{"eeprom last byte", 'E', 0x00FF, 1, true},
		{"user row into eeprom", 'U', 0x00F0, 32, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := []byte{'U', byte(tc.load), byte(tc.load >> 8), ' '}
			input = append(input, progPage(tc.memType, make([]byte, tc.length))...)
			b, s, dev, _ := newBridge(input)
			runAll(b, s)

			if !tc.wantWrite {
				if len(dev.writes) != 0 || dev.eepromWait != 0 {
					t.Errorf("writes = %+v, EEPROM waits = %d, want none", dev.writes, dev.eepromWait)
				}
				if got := s.out.Bytes(); !bytes.Equal(got, []byte{0x14, 0x10, 0x14, 0x11}) {
					t.Errorf("response = % X, want 14 10 14 11", got)
				}
				return
			}
			offset, _ := protocol.MemoryOffset(tc.memType)
			if len(dev.writes) != 1 || dev.writes[0].address != offset+tc.load {
				t.Errorf("writes = %+v, want one at 0x%04X", dev.writes, offset+tc.load)
			}
		})
	}
}

func TestHandle_UnknownMemoryType(t *testing.T) {
	b, s, dev, _ := newBridge(progPage('X', []byte{1, 2, 3}))
	runAll(b, s)

	if len(dev.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(dev.writes))
	}
	if got := s.out.Bytes(); !bytes.Equal(got, []byte{0x14, 0x11}) {
		t.Errorf("response = % X, want 14 11", got)
	}
}

func TestHandle_WriteFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeDevice)
		mem   byte
	}{
		{"radio", func(d *fakeDevice) { d.writeErr = errors.New("max retries") }, 'F'},
		{"eeprom", func(d *fakeDevice) { d.eepromErr = errors.New("busy") }, 'E'},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, s, dev, _ := newBridge(progPage(tc.mem, []byte{1}))
			tc.setup(dev)
			runAll(b, s)
			if got := s.out.Bytes(); !bytes.Equal(got, []byte{0x14, 0x11}) {
				t.Errorf("response = % X, want 14 11", got)
			}
		})
	}
}

func TestHandle_SignatureFailure(t *testing.T) {
	b, s, dev, _ := newBridge([]byte("u "))
	dev.sigErr = errors.New("no response")
	runAll(b, s)

	out := s.out.Bytes()
	if len(out) != 5 || out[0] != 0x14 || out[4] != 0x11 {
		t.Errorf("response = % X, want 14 xx xx xx 11", out)
	}
}

func TestHandle_LeaveProgmode(t *testing.T) {
	b, s, dev, _ := newBridge([]byte("Q "))
	if !b.Handle() {
		t.Error("Handle() = false after leave progmode")
	}
	if dev.exits != 1 {
		t.Errorf("exits = %d, want 1", dev.exits)
	}
	if got := s.out.Bytes(); !bytes.Equal(got, []byte{0x14, 0x10}) {
		t.Errorf("response = % X, want 14 10", got)
	}
}

func TestHandle_ByteTimeout(t *testing.T) {
	// Program page announcing 4 bytes, only one arrives.
	b, s, dev, clk := newBridge([]byte{'d', 0x00, 0x04, 'F', 0x01})
	start := clk.Now()

	if b.Handle() {
		t.Error("Handle() = true after a byte timeout")
	}
	if elapsed := clk.Now().Sub(start); elapsed < ByteTimeout || elapsed > 2*ByteTimeout {
		t.Errorf("command took %v, want about %v", elapsed, ByteTimeout)
	}
	if len(dev.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(dev.writes))
	}
	if got := s.out.Bytes(); !bytes.Equal(got, []byte{0x15}) {
		t.Errorf("response = % X, want 15", got)
	}
}

func TestHandle_SessionTimeout(t *testing.T) {
	b, _, dev, clk := newBridge(nil)

	clk.Advance(SessionTimeout)
	if b.Handle() {
		t.Error("Handle() = true at exactly the session timeout")
	}
	if len(dev.keepAlives) != 1 {
		t.Errorf("keep-alives = %d, want 1", len(dev.keepAlives))
	}

	clk.Advance(time.Millisecond)
	if !b.Handle() {
		t.Error("Handle() = false after 5001ms without a command")
	}
}

func TestHandle_ValidCommandExtendsSession(t *testing.T) {
	b, s, _, clk := newBridge(nil)

	clk.Advance(4 * time.Second)
	s.in = []byte("0 ")
	b.Handle()

	clk.Advance(4 * time.Second)
	if b.Handle() {
		t.Error("session ended although a command arrived 4s ago")
	}

	// An invalid command does not count.
	s.in = []byte("0x")
	b.Handle()
	clk.Advance(1001 * time.Millisecond)
	if !b.Handle() {
		t.Error("session did not end 5001ms after the last valid command")
	}
}

package flasher

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/nrfboot/nrfboot/internal/protocol"
)

var (
	// ErrNoResponse means the bridge did not answer in time.
	ErrNoResponse = errors.New("no response")
	// ErrSyncFailed means the bridge could not reach the remote bootloader.
	ErrSyncFailed = errors.New("error connecting to remote device")
	// ErrFailed is the bridge's FAILED status.
	ErrFailed = errors.New("failed flashing")
	// ErrNoSync is the bridge's NOSYNC reply to a malformed command.
	ErrNoSync = errors.New("lost sync with bridge")
	// ErrNotConnected is returned by operations that need Connect first.
	ErrNotConnected = errors.New("not connected")
)

const (
	connectAttempts = 5
	responseTimeout = 5 * time.Second
	readSlice       = 100 * time.Millisecond
	nonFlashPage    = 32
)

// Conn is the byte connection to a bridge: a serial port or a TCP socket.
type Conn interface {
	io.Writer
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// ProgressCallback is called to report flash progress in bytes.
type ProgressCallback func(current, total int)

// Flasher programs a remote device through a bridge speaking STK500.
type Flasher struct {
	conn     Conn
	progress ProgressCallback
	timeout  time.Duration

	pending   []byte
	connected bool
	part      protocol.Part
}

// New creates a new Flasher for the given connection.
func New(conn Conn) *Flasher {
	return &Flasher{conn: conn, timeout: responseTimeout}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// SetTimeout changes how long each response is waited for.
func (f *Flasher) SetTimeout(d time.Duration) {
	f.timeout = d
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Part returns the connected target.
func (f *Flasher) Part() protocol.Part {
	return f.part
}

// SendCommand sends a console line and returns everything printed up to the
// next prompt.
func (f *Flasher) SendCommand(cmd string) (string, error) {
	f.conn.Flush()
	f.pending = nil
	if _, err := f.conn.Write([]byte(cmd)); err != nil {
		return "", err
	}

	var out bytes.Buffer
	deadline := time.Now().Add(f.timeout)
	for {
		c, err := f.readByte(deadline)
		if err != nil {
			return out.String(), fmt.Errorf("console command %q: %w", cmd, err)
		}
		out.WriteByte(c)
		if bytes.HasSuffix(out.Bytes(), []byte("\n>")) {
			return out.String(), nil
		}
	}
}

// Configure switches a relaying controller to its console.
func (f *Flasher) Configure() (string, error) {
	return f.SendCommand(protocol.ConfigurePrefix + "\n")
}

// SelectDevice points the controller at the device with the given id.
func (f *Flasher) SelectDevice(id string) (string, error) {
	return f.SendCommand("id " + id + "\n")
}

// SetDeviceID reprograms the selected device's id.
func (f *Flasher) SetDeviceID(id string) (string, error) {
	return f.SendCommand("setid " + id + "\n")
}

// Connect opens a programming session and identifies the target.
func (f *Flasher) Connect() error {
	f.conn.Flush()
	f.pending = nil

	// Send sync command
	var err error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if _, err = f.conn.Write([]byte(protocol.ProgrammerSync)); err != nil {
			continue
		}
		// The first sync is answered at once, the second once the
		// bootloader was reached.
		if _, err = f.response(0); err != nil {
			continue
		}
		_, err = f.response(0)
		if err == nil {
			break
		}
		if errors.Is(err, ErrFailed) {
			return ErrSyncFailed
		}
	}
	if err != nil {
		return fmt.Errorf("sync failed after %d attempts: %w", connectAttempts, err)
	}

	sig, err := f.ReadSignature()
	if err != nil {
		return fmt.Errorf("error reading remote device's signature: %w", err)
	}
	part, ok := protocol.LookupPart(sig)
	if !ok {
		return fmt.Errorf("unknown device %02X%02X%02X", sig[0], sig[1], sig[2])
	}
	f.part = part
	f.connected = true
	return nil
}

// ReadSignature asks the bridge for the target's signature.
func (f *Flasher) ReadSignature() ([3]byte, error) {
	var sig [3]byte
	data, err := f.command([]byte{protocol.StkReadSign}, len(sig))
	copy(sig[:], data)
	return sig, err
}

// Segment is one contiguous run of an Intel HEX image.
type Segment struct {
	Address uint32
	Data    []byte
}

// Kind returns the upper 16 address bits that select the memory.
func (s Segment) Kind() uint16 {
	return uint16(s.Address >> 16)
}

// Program writes one segment. Fuses are skipped. With crc set, flash
// images are extended with their CRC and zero padding to the end of flash.
func (f *Flasher) Program(seg Segment, crc bool) error {
	if !f.connected {
		return ErrNotConnected
	}

	var memType byte
	pageSize := nonFlashPage
	data := seg.Data
	start := int(seg.Address & 0xFFFF)

	switch seg.Kind() {
	case protocol.SegmentFlash:
		memType = protocol.MemFlash
		pageSize = f.part.PageSize
		if crc && start+len(data) < f.part.FlashSize {
			data = protocol.AppendCRC(data, f.part.FlashSize-start)
		}
	case protocol.SegmentEEPROM:
		memType = protocol.MemEEPROM
	case protocol.SegmentFuses:
		return nil
	case protocol.SegmentUserRow:
		memType = protocol.MemUserRow
	default:
		return fmt.Errorf("unknown segment 0x%08X-0x%08X", seg.Address, int(seg.Address)+len(seg.Data))
	}

	for pos := 0; pos < len(data); pos += pageSize {
		end := pos + pageSize
		if end > len(data) {
			end = len(data)
		}
		addr := start + pos
		page := data[pos:end]

		if _, err := f.command([]byte{protocol.StkLoadAddress, byte(addr), byte(addr >> 8)}, 0); err != nil {
			return fmt.Errorf("load address 0x%04X: %w", addr, err)
		}
		req := append([]byte{protocol.StkProgPage, 0, byte(len(page)), memType}, page...)
		if _, err := f.command(req, 0); err != nil {
			return fmt.Errorf("program page 0x%04X: %w", addr, err)
		}

		f.reportProgress(end, len(data))
	}
	return nil
}

// Close leaves programming mode.
func (f *Flasher) Close() error {
	if !f.connected {
		return nil
	}
	f.connected = false
	_, err := f.command([]byte{protocol.StkLeaveProgmode}, 0)
	return err
}

// command sends req with its terminator and returns the n data bytes of
// the response.
func (f *Flasher) command(req []byte, n int) ([]byte, error) {
	msg := append(append([]byte(nil), req...), protocol.StkCRCEOP)
	if _, err := f.conn.Write(msg); err != nil {
		return nil, err
	}
	return f.response(n)
}

// response skips console text up to INSYNC, then reads n data bytes and
// the status.
func (f *Flasher) response(n int) ([]byte, error) {
	deadline := time.Now().Add(f.timeout)
	for {
		c, err := f.readByte(deadline)
		if err != nil {
			return nil, err
		}
		if c == protocol.StkNoSync {
			return nil, ErrNoSync
		}
		if c == protocol.StkInSync {
			break
		}
	}

	data := make([]byte, n)
	for i := range data {
		c, err := f.readByte(deadline)
		if err != nil {
			return nil, err
		}
		data[i] = c
	}

	status, err := f.readByte(deadline)
	if err != nil {
		return nil, err
	}
	switch status {
	case protocol.StkOK:
		return data, nil
	case protocol.StkFailed:
		return data, ErrFailed
	default:
		return data, fmt.Errorf("unexpected response 0x%02X", status)
	}
}

func (f *Flasher) readByte(deadline time.Time) (byte, error) {
	for len(f.pending) == 0 {
		if !time.Now().Before(deadline) {
			return 0, ErrNoResponse
		}
		chunk := make([]byte, 256)
		n, err := f.conn.ReadWithTimeout(chunk, readSlice)
		if n > 0 {
			f.pending = append(f.pending, chunk[:n]...)
		}
		if err != nil && n == 0 {
			return 0, err
		}
	}
	c := f.pending[0]
	f.pending = f.pending[1:]
	return c, nil
}

// Package radio implements the packet link over an nRF24L01+: addressing,
// channel and rate selection, retry-aware transmit and receive.
package radio

import (
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/nrf24"
)

var (
	// ErrMaxRetries means the retry budget ran out and the transmit FIFO
	// was discarded.
	ErrMaxRetries = errors.New("radio: max retries reached")
	// ErrFlushTimeout means the transmit FIFO did not drain in time and was
	// discarded.
	ErrFlushTimeout = errors.New("radio: flush timed out")
	// ErrPayloadTooLarge is returned for packets over 32 bytes.
	ErrPayloadTooLarge = errors.New("radio: payload larger than 32 bytes")
	// ErrNoTransceiver means RF_SETUP did not read back after Begin.
	ErrNoTransceiver = errors.New("radio: transceiver not responding")
)

// DefaultPipes is the listening pipe set after Begin.
const DefaultPipes = 1<<1 | 1<<5

const flushPoll = 50 * time.Microsecond

// Stats counts transmissions.
type Stats struct {
	Sends   int
	Resends int
}

// Link drives one transceiver.
type Link struct {
	dev          nrf24.Transceiver
	clock        clock.Clock
	retries      int
	flushTimeout time.Duration
	stats        Stats
}

// Option configures a Link.
type Option func(*Link)

// WithClock sets the time source for delays and flush deadlines.
func WithClock(c clock.Clock) Option {
	return func(l *Link) { l.clock = c }
}

// New returns a Link on dev. Call Begin before use.
func New(dev nrf24.Transceiver, opts ...Option) *Link {
	l := &Link{
		dev:          dev,
		clock:        clock.System(),
		flushTimeout: DefaultConfig().FlushTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin configures the transceiver and starts listening on DefaultPipes.
func (l *Link) Begin(c Config) error {
	l.SetCE(true)
	l.clock.Sleep(5 * time.Millisecond)
	l.PowerDown()
	l.writeRegister(nrf24.RegEnAA, 0x3F)
	l.writeRegister(nrf24.RegSetupAW, nrf24.AddressWidth-2)
	l.SetRetries(c.RetryDelay, c.HardwareRetries, c.SoftwareRetries)
	l.writeRegister(nrf24.RegRFSetup, c.Setup())
	l.writeRegister(nrf24.RegFeature, nrf24.FeatureEnDPL|nrf24.FeatureEnAckPay|nrf24.FeatureEnDynAck)
	l.writeRegister(nrf24.RegDynPD, 0x3F)
	l.SetAddress(c.Address)
	l.SetChannel(c.Channel)
	l.ClearReadFifo()
	l.ClearWriteFifo()
	if c.FlushTimeout > 0 {
		l.flushTimeout = c.FlushTimeout
	}
	l.StartListening(DefaultPipes)

	if got := l.readRegister(nrf24.RegRFSetup); got != c.Setup() {
		return errors.Wrapf(ErrNoTransceiver, "RF_SETUP = 0x%02X, want 0x%02X", got, c.Setup())
	}
	return nil
}

func (l *Link) command(cmd byte, data []byte) (byte, []byte) {
	return l.dev.Command(cmd, data)
}

func (l *Link) readRegister(reg byte) byte {
	_, out := l.command(nrf24.CmdReadRegister|reg, []byte{nrf24.CmdNop})
	return out[0]
}

func (l *Link) readRegisters(reg byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = nrf24.CmdNop
	}
	_, out := l.command(nrf24.CmdReadRegister|reg, buf)
	return out
}

func (l *Link) writeRegister(reg byte, data ...byte) {
	l.command(nrf24.CmdWriteRegister|reg, data)
}

func (l *Link) status() byte {
	s, _ := l.command(nrf24.CmdNop, nil)
	return s
}

// SetAddress sets the transmit and first two receive addresses.
func (l *Link) SetAddress(a Address) {
	l.writeRegister(nrf24.RegTxAddr, a[:]...)
	l.writeRegister(nrf24.RegRxAddrP0, a[:]...)
	l.writeRegister(nrf24.RegRxAddrP1, a[:]...)
}

// Address reads the transmit address back.
func (l *Link) Address() Address {
	var a Address
	copy(a[:], l.readRegisters(nrf24.RegTxAddr, len(a)))
	return a
}

// SetChannel selects the RF channel, 0-127.
func (l *Link) SetChannel(ch byte) {
	l.writeRegister(nrf24.RegRFChannel, ch&0x7F)
}

// Channel returns the RF channel.
func (l *Link) Channel() byte {
	return l.readRegister(nrf24.RegRFChannel)
}

// SetBitRate changes the data rate, keeping the power level.
func (l *Link) SetBitRate(b BitRate) {
	setup := l.readRegister(nrf24.RegRFSetup) &^ nrf24.RFDataRateMask
	l.writeRegister(nrf24.RegRFSetup, setup|byte(b))
}

// BitRate returns the data rate.
func (l *Link) BitRate() BitRate {
	return BitRate(l.readRegister(nrf24.RegRFSetup) & nrf24.RFDataRateMask)
}

// SetPowerLevel changes the output power, keeping the data rate.
func (l *Link) SetPowerLevel(p PowerLevel) {
	setup := l.readRegister(nrf24.RegRFSetup) &^ nrf24.RFPowerMask
	l.writeRegister(nrf24.RegRFSetup, setup|byte(p))
}

// SetRetries sets the hardware retry delay and count and the software retry
// budget used by Flush.
func (l *Link) SetRetries(delay, hardware byte, software int) {
	l.writeRegister(nrf24.RegSetupRetr, (delay&0x0F)<<4|hardware&0x0F)
	l.retries = software
}

// OpenWritingPipe replaces the least significant byte of the transmit
// address and of pipe 0, which receives the acknowledgements.
func (l *Link) OpenWritingPipe(lsb byte) {
	l.writeRegister(nrf24.RegTxAddr, lsb)
	l.writeRegister(nrf24.RegRxAddrP0, lsb)
}

// OpenReadingPipe replaces the least significant address byte of pipe.
func (l *Link) OpenReadingPipe(lsb byte, pipe int) {
	l.writeRegister(nrf24.RegRxAddrP0+byte(pipe), lsb)
}

// StartListening enables the given pipe bitmask and enters receive mode.
func (l *Link) StartListening(pipes byte) {
	l.writeRegister(nrf24.RegEnRxAddr, pipes)
	l.writeRegister(nrf24.RegConfig, nrf24.ConfigMaskRxDR|nrf24.ConfigMaskTxDS|nrf24.ConfigMaskMaxRT|
		nrf24.ConfigCRCO|nrf24.ConfigEnCRC|nrf24.ConfigPwrUp|nrf24.ConfigPrimRx)
}

// StopListening enters transmit mode with only pipe 0 enabled for acks.
func (l *Link) StopListening() {
	l.writeRegister(nrf24.RegEnRxAddr, 1<<0)
	l.writeRegister(nrf24.RegConfig, nrf24.ConfigMaskRxDR|nrf24.ConfigMaskTxDS|nrf24.ConfigMaskMaxRT|
		nrf24.ConfigCRCO|nrf24.ConfigEnCRC|nrf24.ConfigPwrUp)
}

// PowerDown clears CONFIG.
func (l *Link) PowerDown() {
	l.writeRegister(nrf24.RegConfig, 0)
}

// SetCE drives the chip-enable line.
func (l *Link) SetCE(high bool) {
	l.dev.SetCE(high)
}

// Write queues one packet once a transmit slot is free.
func (l *Link) Write(packet []byte) error {
	if len(packet) > nrf24.MaxPayload {
		return ErrPayloadTooLarge
	}
	if err := l.Flush(false); err != nil {
		return err
	}
	l.writeImmediate(packet)
	return nil
}

func (l *Link) writeImmediate(packet []byte) {
	l.stats.Sends++
	l.command(nrf24.CmdWritePayload, packet)
}

// WriteLong sends data as consecutive 32-byte fragments. Empty data sends
// nothing.
func (l *Link) WriteLong(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > nrf24.MaxPayload {
			n = nrf24.MaxPayload
		}
		if err := l.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Flush waits until a transmit slot is free or, with entire set, until the
// transmit FIFO is empty. On MAX_RT it pulses CE while software retries
// remain, then discards the FIFO and fails.
func (l *Link) Flush(entire bool) error {
	retries := l.retries
	deadline := l.clock.Now().Add(l.flushTimeout)
	for {
		if l.WriteCompleted() {
			return nil
		}
		s := l.status()
		if s&nrf24.StatusMaxRT != 0 {
			l.writeRegister(nrf24.RegStatus, nrf24.StatusMaxRT)
			if retries <= 0 {
				l.ClearWriteFifo()
				return ErrMaxRetries
			}
			retries--
			l.stats.Resends++
			glog.V(3).Infof("radio: resend on channel %d", l.Channel())
			l.SetCE(false)
			l.clock.Sleep(time.Millisecond)
			l.SetCE(true)
		}
		if !entire && s&nrf24.StatusTxFull == 0 {
			return nil
		}
		if !l.clock.Now().Before(deadline) {
			l.ClearWriteFifo()
			return ErrFlushTimeout
		}
		l.clock.Sleep(flushPoll)
	}
}

// WriteToPipe powers down, re-addresses to the pipe byte lsb, sends data,
// waits for delivery and restores the previous listening state.
func (l *Link) WriteToPipe(lsb byte, data []byte) error {
	pipes := l.readRegister(nrf24.RegEnRxAddr)
	l.PowerDown()
	l.ClearWriteFifo()
	l.OpenWritingPipe(lsb)
	l.StopListening()
	l.clock.Sleep(5 * time.Millisecond)

	err := l.WriteLong(data)
	if err == nil {
		err = l.Flush(true)
	}

	l.PowerDown()
	l.StartListening(pipes)
	return err
}

// WriteCompleted reports an empty transmit FIFO.
func (l *Link) WriteCompleted() bool {
	return l.readRegister(nrf24.RegFifoStatus)&nrf24.FifoTxEmpty != 0
}

// WriteFailed reports a pending MAX_RT.
func (l *Link) WriteFailed() bool {
	return l.status()&nrf24.StatusMaxRT != 0
}

// Available reports a packet in the receive FIFO.
func (l *Link) Available() bool {
	return (l.status()&nrf24.StatusRxPipe)>>nrf24.RxPipeShift != nrf24.RxPipeEmpty
}

// ReadPipe returns the pipe of the next received packet.
func (l *Link) ReadPipe() int {
	return int((l.status() & nrf24.StatusRxPipe) >> nrf24.RxPipeShift)
}

// Read pops the next received packet. A corrupt width flushes the receive
// FIFO and returns nil.
func (l *Link) Read() []byte {
	_, w := l.command(nrf24.CmdReadRxWidth, []byte{nrf24.CmdNop})
	width := int(w[0])
	if width == 0 || width > nrf24.MaxPayload {
		l.ClearReadFifo()
		return nil
	}
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = nrf24.CmdNop
	}
	_, out := l.command(nrf24.CmdReadPayload, buf)
	l.writeRegister(nrf24.RegStatus, nrf24.StatusRxDR)
	return out
}

// ClearReadFifo discards received packets.
func (l *Link) ClearReadFifo() {
	l.command(nrf24.CmdFlushRx, nil)
}

// ClearWriteFifo discards queued packets.
func (l *Link) ClearWriteFifo() {
	l.command(nrf24.CmdFlushTx, nil)
}

// CarrierDetected returns the received power detector.
func (l *Link) CarrierDetected() bool {
	return l.readRegister(nrf24.RegRPD)&1 != 0
}

// Stats returns the transmission counters.
func (l *Link) Stats() Stats {
	return l.stats
}

// ResetStats zeroes the transmission counters.
func (l *Link) ResetStats() {
	l.stats = Stats{}
}

// Clock returns the link's time source.
func (l *Link) Clock() clock.Clock {
	return l.clock
}

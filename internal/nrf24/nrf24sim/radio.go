// Package nrf24sim simulates an nRF24L01+ at register level together with a
// remote megaTiny running the radio bootloader. Transmissions complete
// synchronously inside the SPI command or CE edge that starts them.
package nrf24sim

import (
	"sync"

	"github.com/nrfboot/nrfboot/internal/nrf24"
)

// Transmission is one packet on the air.
type Transmission struct {
	Channel byte
	BitRate byte
	Address [nrf24.AddressWidth]byte
	Payload []byte
}

// Peer receives transmissions. It returns whether the packet was
// acknowledged and the ack payload carried back.
type Peer interface {
	Deliver(tx Transmission) (ack []byte, ok bool)
}

// Record is a transmission as seen by the sender.
type Record struct {
	Transmission
	Acked    bool
	Attempts int
}

// Radio is a simulated transceiver implementing nrf24.Transceiver.
type Radio struct {
	mu sync.Mutex

	regs [nrf24.RegisterCount][]byte
	tx   [][]byte
	rx   []rxPacket
	ce   bool

	maxRT   bool
	stalled bool
	rxDR    bool
	txDS    bool

	peer Peer

	// Drop is consulted for each hardware attempt; returning true loses the
	// attempt on the air.
	Drop func(tx Transmission) bool
	// Carrier reports received power above -64dBm on a channel; it is
	// sampled into RPD when CE falls in receive mode.
	Carrier func(channel byte) bool

	log []Record
}

type rxPacket struct {
	pipe    byte
	payload []byte
}

// NewRadio returns a powered-down radio with reset register values.
func NewRadio(peer Peer) *Radio {
	r := &Radio{peer: peer}
	for i := range r.regs {
		r.regs[i] = []byte{0}
	}
	for _, reg := range []byte{nrf24.RegRxAddrP0, nrf24.RegRxAddrP1, nrf24.RegTxAddr} {
		r.regs[reg] = []byte{0xE7, 0xE7, 0xE7, 0xE7, 0xE7}
	}
	r.regs[nrf24.RegConfig][0] = nrf24.ConfigEnCRC
	r.regs[nrf24.RegEnAA][0] = 0x3F
	r.regs[nrf24.RegEnRxAddr][0] = 0x03
	r.regs[nrf24.RegSetupAW][0] = 0x03
	r.regs[nrf24.RegSetupRetr][0] = 0x03
	r.regs[nrf24.RegRFChannel][0] = 0x02
	r.regs[nrf24.RegRFSetup][0] = 0x0E
	return r
}

// SetPeer replaces the receiving end.
func (r *Radio) SetPeer(p Peer) {
	r.mu.Lock()
	r.peer = p
	r.mu.Unlock()
}

// Command implements nrf24.Transceiver.
func (r *Radio) Command(cmd byte, data []byte) (byte, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.status()
	out := make([]byte, len(data))
	for i := range out {
		out[i] = 0xFF
	}

	switch {
	case cmd < nrf24.CmdWriteRegister:
		r.readRegister(cmd&0x1F, out)
	case cmd < nrf24.CmdReadRxWidth:
		r.writeRegister(cmd&0x1F, data)
	case cmd == nrf24.CmdReadRxWidth:
		if len(out) > 0 && len(r.rx) > 0 {
			out[0] = byte(len(r.rx[0].payload))
		}
	case cmd == nrf24.CmdReadPayload:
		if len(r.rx) > 0 {
			copy(out, r.rx[0].payload)
			r.rx = r.rx[1:]
		}
	case cmd == nrf24.CmdWritePayload:
		if len(r.tx) < nrf24.FifoDepth && len(data) <= nrf24.MaxPayload {
			r.tx = append(r.tx, append([]byte(nil), data...))
		}
	case cmd == nrf24.CmdFlushTx:
		r.tx = nil
		r.stalled = false
	case cmd == nrf24.CmdFlushRx:
		r.rx = nil
	}

	r.step()
	return status, out
}

// SetCE implements nrf24.Transceiver.
func (r *Radio) SetCE(high bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rising := high && !r.ce
	falling := !high && r.ce
	r.ce = high

	if rising {
		r.stalled = false
	}
	if falling && r.config()&nrf24.ConfigPrimRx != 0 && r.Carrier != nil {
		rpd := byte(0)
		if r.Carrier(r.regs[nrf24.RegRFChannel][0]) {
			rpd = 1
		}
		r.regs[nrf24.RegRPD][0] = rpd
	}
	r.step()
}

// Inject queues a received packet on pipe as if it arrived over the air.
// It returns false when the receive FIFO is full.
func (r *Radio) Inject(pipe byte, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receive(pipe, payload)
}

// Log returns every transmission attempted so far.
func (r *Radio) Log() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.log...)
}

// ResetLog clears the transmission log.
func (r *Radio) ResetLog() {
	r.mu.Lock()
	r.log = nil
	r.mu.Unlock()
}

// CE reports the chip-enable level.
func (r *Radio) CE() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ce
}

func (r *Radio) config() byte {
	return r.regs[nrf24.RegConfig][0]
}

func (r *Radio) status() byte {
	var s byte
	if r.rxDR {
		s |= nrf24.StatusRxDR
	}
	if r.txDS {
		s |= nrf24.StatusTxDS
	}
	if r.maxRT {
		s |= nrf24.StatusMaxRT
	}
	pipe := byte(nrf24.RxPipeEmpty)
	if len(r.rx) > 0 {
		pipe = r.rx[0].pipe
	}
	s |= pipe << nrf24.RxPipeShift
	if len(r.tx) >= nrf24.FifoDepth {
		s |= nrf24.StatusTxFull
	}
	return s
}

func (r *Radio) fifoStatus() byte {
	var s byte
	switch len(r.tx) {
	case 0:
		s |= nrf24.FifoTxEmpty
	case nrf24.FifoDepth:
		s |= nrf24.FifoTxFull
	}
	switch len(r.rx) {
	case 0:
		s |= nrf24.FifoRxEmpty
	case nrf24.FifoDepth:
		s |= nrf24.FifoRxFull
	}
	return s
}

func (r *Radio) readRegister(reg byte, out []byte) {
	switch reg {
	case nrf24.RegStatus:
		if len(out) > 0 {
			out[0] = r.status()
		}
	case nrf24.RegFifoStatus:
		if len(out) > 0 {
			out[0] = r.fifoStatus()
		}
	default:
		copy(out, r.regs[reg])
	}
}

func (r *Radio) writeRegister(reg byte, data []byte) {
	if len(data) == 0 {
		return
	}
	if reg == nrf24.RegStatus {
		if data[0]&nrf24.StatusRxDR != 0 {
			r.rxDR = false
		}
		if data[0]&nrf24.StatusTxDS != 0 {
			r.txDS = false
		}
		if data[0]&nrf24.StatusMaxRT != 0 {
			r.maxRT = false
		}
		return
	}
	// Multi-byte registers keep the bytes beyond those written.
	copy(r.regs[reg], data)
}

func (r *Radio) txAddress() [nrf24.AddressWidth]byte {
	var a [nrf24.AddressWidth]byte
	copy(a[:], r.regs[nrf24.RegTxAddr])
	return a
}

// step transmits queued payloads while the radio is in TX mode.
func (r *Radio) step() {
	cfg := r.config()
	if cfg&nrf24.ConfigPwrUp == 0 || cfg&nrf24.ConfigPrimRx != 0 || !r.ce {
		return
	}
	for len(r.tx) > 0 && !r.maxRT && !r.stalled {
		tx := Transmission{
			Channel: r.regs[nrf24.RegRFChannel][0],
			BitRate: r.regs[nrf24.RegRFSetup][0] & nrf24.RFDataRateMask,
			Address: r.txAddress(),
			Payload: r.tx[0],
		}
		attempts := int(r.regs[nrf24.RegSetupRetr][0]&0x0F) + 1
		rec := Record{Transmission: tx}
		for rec.Attempts < attempts && !rec.Acked {
			rec.Attempts++
			if r.Drop != nil && r.Drop(tx) {
				continue
			}
			if r.peer == nil {
				continue
			}
			ack, ok := r.peer.Deliver(tx)
			if !ok {
				continue
			}
			rec.Acked = true
			if len(ack) > 0 {
				r.receive(0, ack)
			}
		}
		r.log = append(r.log, rec)
		r.regs[nrf24.RegObserveTx][0] = byte(rec.Attempts-1) & 0x0F

		if !rec.Acked {
			r.maxRT = true
			r.stalled = true
			return
		}
		r.tx = r.tx[1:]
		r.txDS = true
	}
}

func (r *Radio) receive(pipe byte, payload []byte) bool {
	if len(r.rx) >= nrf24.FifoDepth {
		return false
	}
	r.rx = append(r.rx, rxPacket{pipe: pipe, payload: append([]byte(nil), payload...)})
	r.rxDR = true
	return true
}

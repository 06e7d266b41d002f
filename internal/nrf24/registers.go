// Package nrf24 holds the nRF24L01+ register map and the Transceiver
// interface the radio link drives, plus a Linux SPI backend.
package nrf24

// SPI commands
const (
	CmdReadRegister  = 0x00
	CmdWriteRegister = 0x20
	CmdReadRxWidth   = 0x60
	CmdReadPayload   = 0x61
	CmdWritePayload  = 0xA0
	CmdWriteAck      = 0xA8 // + pipe
	CmdFlushTx       = 0xE1
	CmdFlushRx       = 0xE2
	CmdNop           = 0xFF
)

// Registers
const (
	RegConfig     = 0x00
	RegEnAA       = 0x01
	RegEnRxAddr   = 0x02
	RegSetupAW    = 0x03
	RegSetupRetr  = 0x04
	RegRFChannel  = 0x05
	RegRFSetup    = 0x06
	RegStatus     = 0x07
	RegObserveTx  = 0x08
	RegRPD        = 0x09
	RegRxAddrP0   = 0x0A
	RegRxAddrP1   = 0x0B
	RegTxAddr     = 0x10
	RegFifoStatus = 0x17
	RegDynPD      = 0x1C
	RegFeature    = 0x1D

	RegisterCount = 0x20
)

// CONFIG bits
const (
	ConfigMaskRxDR  = 1 << 6
	ConfigMaskTxDS  = 1 << 5
	ConfigMaskMaxRT = 1 << 4
	ConfigEnCRC     = 1 << 3
	ConfigCRCO      = 1 << 2
	ConfigPwrUp     = 1 << 1
	ConfigPrimRx    = 1 << 0
)

// STATUS bits
const (
	StatusRxDR   = 1 << 6
	StatusTxDS   = 1 << 5
	StatusMaxRT  = 1 << 4
	StatusRxPipe = 7 << 1
	StatusTxFull = 1 << 0
	RxPipeEmpty  = 7
	RxPipeShift  = 1

	// IRQFlags is the set of STATUS bits cleared by writing them back.
	IRQFlags = StatusRxDR | StatusTxDS | StatusMaxRT
)

// FIFO_STATUS bits
const (
	FifoTxFull  = 1 << 5
	FifoTxEmpty = 1 << 4
	FifoRxFull  = 1 << 1
	FifoRxEmpty = 1 << 0
)

// FEATURE bits
const (
	FeatureEnDPL    = 1 << 2
	FeatureEnAckPay = 1 << 1
	FeatureEnDynAck = 1 << 0
)

// RF_SETUP data rate and power fields
const (
	RFDataRateMask = 0x28
	RFPowerMask    = 0x06
)

const (
	// MaxPayload is the largest radio payload in bytes.
	MaxPayload = 32
	// FifoDepth is the number of payloads each hardware FIFO holds.
	FifoDepth = 3
	// PipeCount is the number of receive pipes.
	PipeCount = 6
	// AddressWidth is the on-air address length used throughout.
	AddressWidth = 3
)

// Transceiver is the register-level interface of an nRF24L01+.
//
// Command clocks cmd followed by data over SPI and returns the STATUS byte
// clocked out with the command together with the bytes clocked out with
// data. SetCE drives the chip-enable line.
type Transceiver interface {
	Command(cmd byte, data []byte) (status byte, out []byte)
	SetCE(high bool)
}

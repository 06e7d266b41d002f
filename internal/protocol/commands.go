package protocol

// Remote bootloader header commands
const (
	// CmdWrite is the configuration change protection key that unlocks a
	// self-programming write; headers carrying it write their fragments to
	// the target address.
	CmdWrite = 0x9D
	// CmdExit makes the bootloader resume the application.
	CmdExit = 0x00
)

// Remote memory map (megaTinyCore unified data space)
const (
	// SyncAddress is the last 128 bytes of SRAM. Sync headers target it
	// so that an accidental write lands somewhere harmless.
	SyncAddress = 0x3F80

	NVMCtrlBase    = 0x1000
	NVMStatusProbe = NVMCtrlBase + 1 // write here, NVMCTRL.STATUS is echoed
	NVMBusyMask    = 0x03

	SignatureBase  = 0x1100
	SignatureProbe = SignatureBase - 1

	CRCScanBase   = 0x0120
	CRCScanStatus = CRCScanBase + 2
	CRCStatusMask = 0x03
	CRCStatusOK   = 0x02

	UserRowBase    = 0x1300
	UserRowChannel = UserRowBase + 3
	EEPROMBase     = 0x1400
	EEPROMSize     = 0x100
	FlashBase      = 0x8000

	// RelocatorAddress is the reserved flash page holding the channel
	// relocator or the standby loop.
	RelocatorAddress = 0x8100
)

// Page geometry
const (
	// DataPageSize is the write granularity below FlashBase.
	DataPageSize = 32
	// MaxPageSize is the largest single page write.
	MaxPageSize = 128
	// ManufacturerID is the first signature byte of every Microchip AVR.
	ManufacturerID = 0x1E
)

// RelocatorProgram runs on the next watchdog reset only and restarts the
// bootloader on the channel stored in the byte that follows it.
var RelocatorProgram = []byte{
	0x03, 0xFC, // sbrc r0, RSTCTRL_WDRF_bp
	0xEC, 0xCF, // rjmp wait_for_command
	0xA0, 0xDF, // rcall nrf24_set_config_r21
	0xDB, 0xCF, // rjmp start_bootloader_custom_channel
}

// StandbyProgram replaces the relocator once a channel change is settled.
var StandbyProgram = []byte{
	0x86, 0xDF, // rcall nrf24_poll_reset
	0xFE, 0xCF, // rjmp .-4
}

// Programming pipe address bytes. They replace the least significant
// address byte when a writing pipe is opened.
const (
	PipeData    = 'U'
	PipeProgram = 'P'
)

package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of an encoded Header.
const HeaderSize = 4

// FragmentSize is the payload carried by each data fragment.
const FragmentSize = 32

// Header is the radio packet that precedes a memory write.
type Header struct {
	Command   byte
	Fragments byte
	Address   uint16
}

// SyncHeader returns the zero-length write used to prove and maintain a
// bootloader session.
func SyncHeader() Header {
	return Header{Command: CmdWrite, Address: SyncAddress}
}

// ExitHeader returns the header that resumes the application.
func ExitHeader(address uint16) Header {
	return Header{Command: CmdExit, Address: address}
}

// WriteHeader returns the header announcing length bytes at address.
func WriteHeader(address uint16, length int) Header {
	return Header{
		Command:   CmdWrite,
		Fragments: byte(FragmentCount(length)),
		Address:   address,
	}
}

// FragmentCount returns the number of fragments needed for length bytes.
func FragmentCount(length int) int {
	return (length + FragmentSize - 1) / FragmentSize
}

// Encode serializes the header.
func (h Header) Encode() []byte {
	// Packet format:
	// 0: command
	// 1: fragment count
	// 2-3: target address (little-endian)
	packet := make([]byte, HeaderSize)
	packet[0] = h.Command
	packet[1] = h.Fragments
	binary.LittleEndian.PutUint16(packet[2:4], h.Address)
	return packet
}

// DecodeHeader parses a header packet.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header too short: %d bytes", len(data))
	}
	return Header{
		Command:   data[0],
		Fragments: data[1],
		Address:   binary.LittleEndian.Uint16(data[2:4]),
	}, nil
}

// IsSync reports whether h is a zero-length write.
func (h Header) IsSync() bool {
	return h.Command == CmdWrite && h.Fragments == 0
}

func (h Header) String() string {
	switch h.Command {
	case CmdExit:
		return fmt.Sprintf("exit @0x%04X", h.Address)
	case CmdWrite:
		return fmt.Sprintf("write %d fragments @0x%04X", h.Fragments, h.Address)
	default:
		return fmt.Sprintf("cmd 0x%02X %d fragments @0x%04X", h.Command, h.Fragments, h.Address)
	}
}

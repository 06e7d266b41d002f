package protocol

import "github.com/howeyc/crc16"

// CRC16 returns the CRC the remote CRCSCAN peripheral verifies flash
// against: CCITT polynomial 0x1021, initial value 0xFFFF, no reflection.
func CRC16(data []byte) uint16 {
	return crc16.ChecksumCCITTFalse(data)
}

// AppendCRC appends the big-endian CRC of image and zero-pads the result to
// size bytes, so a full-flash scan covers exactly the image and its CRC.
func AppendCRC(image []byte, size int) []byte {
	crc := CRC16(image)
	out := make([]byte, 0, size)
	out = append(out, image...)
	out = append(out, byte(crc>>8), byte(crc))
	for len(out) < size {
		out = append(out, 0)
	}
	return out
}

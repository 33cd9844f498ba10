package mpegts

import "errors"

// MPEG-2 CRC32 with polynomial 0x04C11DB7, no reflection, no final xor.
var crc32Table [256]uint32

func init() {
	for i := range crc32Table {
		crc := uint32(i) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

var errCRC = errors.New("mpegts: CRC32 mismatch")

func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a section whose last four bytes are its CRC.
func verifyCRC32(section []byte) error {
	if len(section) < 4 || computeCRC32(section) != 0 {
		return errCRC
	}
	return nil
}

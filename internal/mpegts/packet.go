// Package mpegts muxes encoded audio and video units into an MPEG transport
// stream for the push transports, and reads such a stream back for the local
// sink and tests.
package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
	maxPayload = packetSize - 4
)

// Fixed PIDs and stream types used by the muxer.
const (
	PIDPAT   uint16 = 0x0000
	PIDPMT   uint16 = 0x1000
	PIDVideo uint16 = 0x0100
	PIDAudio uint16 = 0x0101

	StreamTypeH264 uint8 = 0x1B
	StreamTypeAAC  uint8 = 0x0F

	streamIDVideo = 0xE0
	streamIDAudio = 0xC0
)

// header holds the parsed 4-byte packet header plus the adaptation field bits
// the reader cares about.
type header struct {
	pid           uint16
	cc            uint8
	pusi          bool
	hasPayload    bool
	hasAF         bool
	discontinuity bool
	hasPCR        bool
	pcr           int64
}

// parsePacket validates one 188-byte packet and returns its header and a
// payload slice aliasing buf.
func parsePacket(buf []byte) (header, []byte, error) {
	var h header
	if len(buf) != packetSize {
		return h, nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return h, nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}
	if buf[1]&0x80 != 0 {
		return h, nil, fmt.Errorf("mpegts: transport error indicator set")
	}

	h.pusi = buf[1]&0x40 != 0
	h.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.hasAF = buf[3]&0x20 != 0
	h.hasPayload = buf[3]&0x10 != 0
	h.cc = buf[3] & 0x0F

	offset := 4
	if h.hasAF {
		afLen := int(buf[offset])
		if afLen > 0 {
			flags := buf[offset+1]
			h.discontinuity = flags&0x80 != 0
			if flags&0x10 != 0 && afLen >= 7 {
				h.hasPCR = true
				h.pcr = decodePCR(buf[offset+2:])
			}
		}
		offset += 1 + afLen
		if offset > packetSize {
			return h, nil, fmt.Errorf("mpegts: adaptation field overruns packet")
		}
	}
	if !h.hasPayload || offset >= packetSize {
		return h, nil, nil
	}
	return h, buf[offset:], nil
}

// writePacket fills pkt with one transport packet for pid carrying as much
// of payload as fits, and returns the number of payload bytes consumed. A
// short payload is padded with adaptation field stuffing.
func writePacket(pkt []byte, pid uint16, cc uint8, pusi bool, pcr int64, withPCR bool, payload []byte) int {
	pkt[0] = syncByte
	pkt[1] = byte(pid>>8) & 0x1F
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)

	afLen := 0 // bytes of adaptation field including its length byte
	if withPCR {
		afLen = 8
	}
	n := len(payload)
	if n > maxPayload-afLen {
		n = maxPayload - afLen
	}
	stuffing := maxPayload - afLen - n

	if afLen == 0 && stuffing == 0 {
		pkt[3] = 0x10 | cc&0x0F
		copy(pkt[4:], payload[:n])
		return n
	}

	pkt[3] = 0x30 | cc&0x0F
	af := pkt[4:]
	switch {
	case afLen == 0 && stuffing == 1:
		af[0] = 0
		afLen = 1
	case afLen == 0:
		af[0] = byte(stuffing - 1)
		af[1] = 0x00
		for i := 2; i < stuffing; i++ {
			af[i] = 0xFF
		}
		afLen = stuffing
	default:
		af[0] = byte(afLen - 1 + stuffing)
		af[1] = 0x10 // PCR flag
		encodePCR(af[2:8], pcr)
		for i := 8; i < 8+stuffing; i++ {
			af[i] = 0xFF
		}
		afLen += stuffing
	}
	copy(pkt[4+afLen:], payload[:n])
	return n
}

// encodePCR writes a 33-bit PCR base with a zero extension into 6 bytes.
func encodePCR(b []byte, base int64) {
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E
	b[5] = 0
}

// decodePCR extracts the 33-bit PCR base (90 kHz) from the 6-byte encoding.
func decodePCR(b []byte) int64 {
	return int64(b[0])<<25 |
		int64(b[1])<<17 |
		int64(b[2])<<9 |
		int64(b[3])<<1 |
		int64(b[4]>>7)
}

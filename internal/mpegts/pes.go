package mpegts

import "fmt"

// pesHeader builds a PES header for one elementary stream access unit.
// Video PES packets use an unbounded length; dts < 0 omits the DTS field.
func pesHeader(streamID byte, pts, dts int64, payloadLen int) []byte {
	withDTS := dts >= 0 && dts != pts
	hdrDataLen := 5
	if withDTS {
		hdrDataLen = 10
	}

	h := make([]byte, 9+hdrDataLen)
	h[0], h[1], h[2] = 0x00, 0x00, 0x01
	h[3] = streamID

	if length := 3 + hdrDataLen + payloadLen; streamID != streamIDVideo && length <= 0xFFFF {
		h[4] = byte(length >> 8)
		h[5] = byte(length)
	}

	h[6] = 0x84 // marker bits + data_alignment_indicator
	if withDTS {
		h[7] = 0xC0
		encodeTimestamp(h[9:14], 0x3, pts)
		encodeTimestamp(h[14:19], 0x1, dts)
	} else {
		h[7] = 0x80
		encodeTimestamp(h[9:14], 0x2, pts)
	}
	h[8] = byte(hdrDataLen)
	return h
}

// encodeTimestamp writes a 33-bit PTS/DTS with its 4-bit prefix and marker
// bits into 5 bytes.
func encodeTimestamp(b []byte, prefix byte, ts int64) {
	b[0] = prefix<<4 | byte(ts>>29)&0x0E | 0x01
	b[1] = byte(ts >> 22)
	b[2] = byte(ts>>14)&0xFE | 0x01
	b[3] = byte(ts >> 7)
	b[4] = byte(ts<<1)&0xFE | 0x01
}

// decodeTimestamp extracts a 33-bit timestamp from 5 PES timestamp bytes.
func decodeTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
}

// pesPacket is a reassembled PES packet.
type pesPacket struct {
	streamID byte
	pts      int64
	dts      int64
	data     []byte
}

func parsePES(payload []byte) (*pesPacket, error) {
	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if payload[0] != 0x00 || payload[1] != 0x00 || payload[2] != 0x01 {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	p := &pesPacket{streamID: payload[3], pts: -1, dts: -1}
	packetLength := int(payload[4])<<8 | int(payload[5])
	indicator := payload[7] >> 6 & 0x03
	dataStart := 9 + int(payload[8])
	if dataStart > len(payload) {
		return nil, fmt.Errorf("mpegts: PES header overruns payload")
	}

	switch indicator {
	case 2:
		if len(payload) < 14 {
			return nil, fmt.Errorf("mpegts: PES PTS truncated")
		}
		p.pts = decodeTimestamp(payload[9:14])
		p.dts = p.pts
	case 3:
		if len(payload) < 19 {
			return nil, fmt.Errorf("mpegts: PES PTS/DTS truncated")
		}
		p.pts = decodeTimestamp(payload[9:14])
		p.dts = decodeTimestamp(payload[14:19])
	}

	end := len(payload)
	if packetLength > 0 && 6+packetLength < end {
		end = 6 + packetLength
	}
	p.data = payload[dataStart:end]
	return p, nil
}

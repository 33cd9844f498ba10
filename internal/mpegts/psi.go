package mpegts

import (
	"encoding/binary"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	programNumber = 1
)

// elementaryStream is one PMT entry.
type elementaryStream struct {
	streamType uint8
	pid        uint16
}

// patSection builds a single-program PAT pointing at pmtPID.
func patSection(pmtPID uint16) []byte {
	sectionLength := 5 + 4 + 4 // fixed header after length + one program + CRC
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], 1) // transport_stream_id
	data[5] = 0xC1                          // version 0, current_next
	data[6] = 0x00
	data[7] = 0x00
	binary.BigEndian.PutUint16(data[8:], programNumber)
	data[10] = 0xE0 | byte(pmtPID>>8)&0x1F
	data[11] = byte(pmtPID)
	binary.BigEndian.PutUint32(data[12:], computeCRC32(data[:12]))
	return data
}

// pmtSection builds the PMT for the given streams.
func pmtSection(pcrPID uint16, streams []elementaryStream) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], programNumber)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0 // program_info_length = 0
	data[11] = 0x00

	offset := 12
	for _, s := range streams {
		data[offset] = s.streamType
		data[offset+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[offset+2] = byte(s.pid)
		data[offset+3] = 0xF0 // ES_info_length = 0
		data[offset+4] = 0x00
		offset += 5
	}
	binary.BigEndian.PutUint32(data[offset:], computeCRC32(data[:offset]))
	return data
}

// psiPayload prefixes a section with a zero pointer field and pads the
// packet payload with 0xFF stuffing.
func psiPayload(section []byte) []byte {
	payload := make([]byte, maxPayload)
	payload[0] = 0
	n := copy(payload[1:], section)
	for i := 1 + n; i < len(payload); i++ {
		payload[i] = 0xFF
	}
	return payload
}

// readSection returns the first section in a PSI payload (after the pointer
// field), verifying its CRC.
func readSection(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}
	offset := 1 + int(payload[0])
	if offset+3 > len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}
	// section_syntax_indicator must be set for PAT/PMT.
	if payload[offset+1]&0x80 == 0 {
		return nil, fmt.Errorf("mpegts: PSI section without syntax indicator")
	}
	sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
	end := offset + 3 + sectionLength
	if end > len(payload) {
		return nil, fmt.Errorf("mpegts: PSI section spans packets")
	}
	section := payload[offset:end]
	if err := verifyCRC32(section); err != nil {
		return nil, err
	}
	return section, nil
}

// parsePAT returns the PMT PID of the first program in a PAT section.
func parsePAT(section []byte) (uint16, error) {
	if section[0] != tableIDPAT || len(section) < 16 {
		return 0, fmt.Errorf("mpegts: malformed PAT")
	}
	for i := 8; i+4 <= len(section)-4; i += 4 {
		num := binary.BigEndian.Uint16(section[i:])
		if num == 0 {
			continue // NIT
		}
		return uint16(section[i+2]&0x1F)<<8 | uint16(section[i+3]), nil
	}
	return 0, fmt.Errorf("mpegts: PAT lists no program")
}

// parsePMT returns the PCR PID and elementary streams of a PMT section.
func parsePMT(section []byte) (uint16, []elementaryStream, error) {
	if section[0] != tableIDPMT || len(section) < 16 {
		return 0, nil, fmt.Errorf("mpegts: malformed PMT")
	}
	pcrPID := uint16(section[8]&0x1F)<<8 | uint16(section[9])
	infoLen := int(section[10]&0x0F)<<8 | int(section[11])

	var streams []elementaryStream
	for offset := 12 + infoLen; offset+5 <= len(section)-4; {
		streams = append(streams, elementaryStream{
			streamType: section[offset],
			pid:        uint16(section[offset+1]&0x1F)<<8 | uint16(section[offset+2]),
		})
		offset += 5 + (int(section[offset+3]&0x0F)<<8 | int(section[offset+4]))
	}
	return pcrPID, streams, nil
}

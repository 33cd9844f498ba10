// Package codec provides the small amount of H.264 and AAC bitstream
// handling the push path needs: access unit splitting, keyframe and
// parameter-set detection, ADTS framing and RFC 6381 codec strings.
package codec

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var errSPSTooShort = errors.New("codec: SPS too short")

// AccessUnit describes one H.264 access unit in Annex B form.
type AccessUnit struct {
	NALUs      [][]byte
	IsKeyframe bool
	SPS        []byte
	PPS        []byte
}

// ParseAccessUnit splits an Annex B access unit into NAL units and records
// the keyframe flag and any in-band parameter sets.
func ParseAccessUnit(data []byte) (AccessUnit, error) {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(data); err != nil {
		return AccessUnit{}, fmt.Errorf("codec: annex b: %w", err)
	}
	au := AccessUnit{NALUs: annexB}
	for _, nalu := range annexB {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeIDR:
			au.IsKeyframe = true
		case h264.NALUTypeSPS:
			au.SPS = nalu
		case h264.NALUTypePPS:
			au.PPS = nalu
		}
	}
	return au, nil
}

// MarshalAccessUnit joins NAL units into an Annex B byte stream.
func MarshalAccessUnit(nalus [][]byte) ([]byte, error) {
	return h264.AnnexB(nalus).Marshal()
}

// WithParameterSets returns the access unit with SPS and PPS placed ahead of
// the first slice, after an access unit delimiter if one leads. NAL units
// that are already parameter sets are replaced.
func WithParameterSets(nalus [][]byte, sps, pps []byte) [][]byte {
	out := make([][]byte, 0, len(nalus)+2)
	i := 0
	if len(nalus) > 0 && len(nalus[0]) > 0 && h264.NALUType(nalus[0][0]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
		out = append(out, nalus[0])
		i = 1
	}
	out = append(out, sps, pps)
	for ; i < len(nalus); i++ {
		if len(nalus[i]) == 0 {
			continue
		}
		switch h264.NALUType(nalus[i][0] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			continue
		}
		out = append(out, nalus[i])
	}
	return out
}

// VideoCodecString returns the RFC 6381 codec string (e.g. "avc1.42E01E")
// for an SPS NAL unit including its header byte.
func VideoCodecString(sps []byte) (string, error) {
	if len(sps) < 4 {
		return "", errSPSTooShort
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3]), nil
}

// Dimensions returns the coded picture size described by an SPS.
func Dimensions(sps []byte) (width, height int, err error) {
	var s h264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, fmt.Errorf("codec: parse SPS: %w", err)
	}
	return s.Width(), s.Height(), nil
}

// AUSplitter cuts a continuous Annex B byte stream into access units at
// access unit delimiters. Bytes before the first delimiter are discarded.
type AUSplitter struct {
	buf []byte
}

// Push appends stream bytes and returns every access unit completed by them.
func (s *AUSplitter) Push(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var out [][]byte
	for {
		first := findAUD(s.buf, 0)
		if first < 0 {
			return out
		}
		if first > 0 {
			s.buf = s.buf[first:]
		}
		next := findAUD(s.buf, 3)
		if next < 0 {
			return out
		}
		au := make([]byte, next)
		copy(au, s.buf[:next])
		out = append(out, au)
		s.buf = s.buf[next:]
	}
}

// Flush returns the trailing access unit, if any, and resets the splitter.
func (s *AUSplitter) Flush() []byte {
	if findAUD(s.buf, 0) != 0 {
		s.buf = nil
		return nil
	}
	au := s.buf
	s.buf = nil
	return au
}

// findAUD returns the offset of the start code introducing the first access
// unit delimiter at or after from, or -1.
func findAUD(buf []byte, from int) int {
	for i := from; i+3 < len(buf); i++ {
		if buf[i] != 0 || buf[i+1] != 0 || buf[i+2] != 1 {
			continue
		}
		if h264.NALUType(buf[i+3]&0x1F) != h264.NALUTypeAccessUnitDelimiter {
			continue
		}
		if i > from && buf[i-1] == 0 {
			return i - 1
		}
		return i
	}
	return -1
}

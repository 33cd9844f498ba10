package codec

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

const (
	adtsHeaderSize = 7
	maxADTSFrame   = 1<<13 - 1
)

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is one AAC access unit split out of an ADTS stream, with the
// header removed and its fields decoded into an AudioSpecificConfig.
type ADTSFrame struct {
	Raw     []byte // header and payload
	Payload []byte
	Config  mpeg4audio.AudioSpecificConfig
}

// SplitADTS parses complete ADTS frames from data. consumed is the number of
// bytes used; a truncated trailing frame is left for the next call.
func SplitADTS(data []byte) (frames []ADTSFrame, consumed int, err error) {
	offset := 0
	for offset < len(data) {
		if len(data)-offset < adtsHeaderSize {
			break
		}

		// Sync word: 0xFFF
		if data[offset] != 0xFF || data[offset+1]&0xF0 != 0xF0 {
			offset++
			consumed = offset
			continue
		}

		hasCRC := data[offset+1]&0x01 == 0
		headerSize := adtsHeaderSize
		if hasCRC {
			headerSize = 9
		}

		profile := int(data[offset+2]>>6) & 0x03
		sampleRateIdx := int(data[offset+2]>>2) & 0x0F
		if sampleRateIdx >= len(aacSampleRates) {
			return frames, consumed, ErrInvalidADTS
		}
		channelCfg := int(data[offset+2]&0x01)<<2 | int(data[offset+3]>>6)&0x03

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)
		if frameLen < headerSize {
			return frames, consumed, ErrInvalidADTS
		}
		if offset+frameLen > len(data) {
			break
		}

		frames = append(frames, ADTSFrame{
			Raw:     data[offset : offset+frameLen],
			Payload: data[offset+headerSize : offset+frameLen],
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectType(profile + 1),
				SampleRate:   aacSampleRates[sampleRateIdx],
				ChannelCount: channelCfg,
			},
		})
		offset += frameLen
		consumed = offset
	}
	return frames, consumed, nil
}

// ADTSHeader builds a 7-byte ADTS header (no CRC) for a raw AAC payload of
// payloadLen bytes.
func ADTSHeader(cfg *mpeg4audio.AudioSpecificConfig, payloadLen int) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("codec: missing audio config")
	}
	srIdx := sampleRateIndex(cfg.SampleRate)
	if srIdx < 0 {
		return nil, fmt.Errorf("codec: unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.Type < 1 || cfg.Type > 4 {
		return nil, fmt.Errorf("codec: object type %d not representable in ADTS", cfg.Type)
	}
	if cfg.ChannelCount < 1 || cfg.ChannelCount > 7 {
		return nil, fmt.Errorf("codec: unsupported channel count %d", cfg.ChannelCount)
	}
	frameLen := payloadLen + adtsHeaderSize
	if frameLen > maxADTSFrame {
		return nil, fmt.Errorf("codec: AAC frame too large (%d bytes)", payloadLen)
	}

	profile := byte(cfg.Type - 1)
	ch := byte(cfg.ChannelCount)
	return []byte{
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		profile<<6 | byte(srIdx)<<2 | ch>>2&0x01,
		(ch&0x03)<<6 | byte(frameLen>>11)&0x03,
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1F,
		0xFC,
	}, nil
}

// AudioCodecString returns the RFC 6381 codec string, e.g. "mp4a.40.2".
func AudioCodecString(cfg *mpeg4audio.AudioSpecificConfig) string {
	if cfg == nil {
		return ""
	}
	return fmt.Sprintf("mp4a.40.%d", cfg.Type)
}

// SamplesPerFrame is the number of PCM samples per channel in one AAC-LC
// access unit.
const SamplesPerFrame = 1024

func sampleRateIndex(rate int) int {
	for i, r := range aacSampleRates {
		if r == rate {
			return i
		}
	}
	return -1
}

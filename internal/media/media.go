// Package media defines the sample and unit types that flow through the
// livepush pipeline, from capture through encoding to the network pusher.
package media

import (
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Channel buffer sizes between capture and encode. Sized to absorb
// scheduling jitter: ~0.5s of 30fps video, ~1s of 1024-sample audio frames.
const (
	VideoBufferSize = 16
	AudioBufferSize = 48
)

// Kind identifies which of the two elementary streams a sample or unit
// belongs to.
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Rank orders kinds at equal timestamps: audio sorts before video.
func (k Kind) Rank() int {
	if k == KindAudio {
		return 0
	}
	return 1
}

// Raw and elementary sample formats understood by the encoder backends.
const (
	FormatI420  = "i420"
	FormatS16LE = "s16le"
	FormatH264  = "h264"
	FormatAAC   = "aac"
)

// Sample is one raw capture buffer: a video frame or a block of PCM audio.
// PTS is relative to the source's own start and never decreases within a
// single source.
type Sample struct {
	Kind       Kind
	PTS        time.Duration
	Payload    []byte
	IsKeyframe bool
	Format     string
}

// CodecParams carries the out-of-band configuration a decoder needs to
// start: SPS/PPS for H.264, the AudioSpecificConfig for AAC.
type CodecParams struct {
	SPS         []byte
	PPS         []byte
	AudioConfig *mpeg4audio.AudioSpecificConfig
}

// Unit is one encoded access unit. Video payloads are Annex B byte streams
// (start-code delimited NAL units); audio payloads are raw AAC frames without
// an ADTS header. Once a unit is handed to the mux queue the producer must not
// touch it again.
type Unit struct {
	Kind       Kind
	PTS        time.Duration
	DTS        time.Duration
	Payload    []byte
	IsKeyframe bool
	Params     *CodecParams
}

// Size returns the payload length in bytes.
func (u *Unit) Size() int {
	if u == nil {
		return 0
	}
	return len(u.Payload)
}

// Ticks90k converts a duration to the 90 kHz clock used by MPEG-TS,
// rounding to the nearest tick.
func Ticks90k(d time.Duration) int64 {
	return roundDiv(int64(d)*9, int64(100*time.Microsecond))
}

// FromTicks90k converts a 90 kHz tick count back to a duration, rounded to
// the nearest nanosecond.
func FromTicks90k(ticks int64) time.Duration {
	return time.Duration(roundDiv(ticks*int64(100*time.Microsecond), 9))
}

// roundDiv divides n by a positive d, rounding halves away from zero.
func roundDiv(n, d int64) int64 {
	if n < 0 {
		return -((-n + d/2) / d)
	}
	return (n + d/2) / d
}

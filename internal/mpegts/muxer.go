package mpegts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/livepush/internal/codec"
	"github.com/zsiec/livepush/internal/media"
)

var (
	// ErrNoAudioConfig is returned when an audio unit arrives before any
	// AudioSpecificConfig has been seen.
	ErrNoAudioConfig = errors.New("mpegts: audio unit before audio config")
	// ErrInvalidUnit wraps a payload that cannot be packetized. Nothing is
	// written for it and the muxer stays usable.
	ErrInvalidUnit = errors.New("mpegts: invalid unit")
)

var audNALU = []byte{byte(h264.NALUTypeAccessUnitDelimiter), 0xF0}

// MuxerOptions selects the elementary streams announced in the PMT.
type MuxerOptions struct {
	Video bool
	Audio bool
	// PSIInterval bounds the time between PAT/PMT repetitions. PAT/PMT are
	// also written ahead of every video keyframe. Default 500ms.
	PSIInterval time.Duration
}

// Muxer writes encoded units as MPEG-TS. Each WriteUnit call produces one
// Write on the underlying writer containing whole 188-byte packets.
// A Muxer is not safe for concurrent use.
type Muxer struct {
	w           io.Writer
	streams     []elementaryStream
	pcrPID      uint16
	psiInterval int64

	cc         map[uint16]uint8
	buf        bytes.Buffer
	pkt        [packetSize]byte
	psiWritten bool
	lastPSI    int64

	sps, pps    []byte
	audioConfig *mpeg4audio.AudioSpecificConfig

	written int64
}

// NewMuxer creates a muxer writing to w.
func NewMuxer(w io.Writer, opts MuxerOptions) *Muxer {
	if !opts.Video && !opts.Audio {
		opts.Video, opts.Audio = true, true
	}
	if opts.PSIInterval <= 0 {
		opts.PSIInterval = 500 * time.Millisecond
	}
	m := &Muxer{
		w:           w,
		cc:          make(map[uint16]uint8),
		psiInterval: media.Ticks90k(opts.PSIInterval),
	}
	if opts.Video {
		m.streams = append(m.streams, elementaryStream{StreamTypeH264, PIDVideo})
		m.pcrPID = PIDVideo
	}
	if opts.Audio {
		m.streams = append(m.streams, elementaryStream{StreamTypeAAC, PIDAudio})
		if !opts.Video {
			m.pcrPID = PIDAudio
		}
	}
	return m
}

// BytesWritten reports the total transport stream bytes written.
func (m *Muxer) BytesWritten() int64 { return m.written }

// WriteUnit muxes one unit with protocol timestamps pts and dts in 90 kHz
// ticks. dts < 0 means the unit has no separate decode time.
func (m *Muxer) WriteUnit(u *media.Unit, pts, dts int64) error {
	if u.Params != nil {
		if len(u.Params.SPS) > 0 && len(u.Params.PPS) > 0 {
			m.sps, m.pps = u.Params.SPS, u.Params.PPS
		}
		if u.Params.AudioConfig != nil {
			m.audioConfig = u.Params.AudioConfig
		}
	}

	var (
		pid      uint16
		streamID byte
		payload  []byte
		err      error
	)
	switch u.Kind {
	case media.KindVideo:
		pid, streamID = PIDVideo, streamIDVideo
		payload, err = m.videoPayload(u)
	case media.KindAudio:
		pid, streamID = PIDAudio, streamIDAudio
		payload, err = m.audioPayload(u)
		dts = -1
	default:
		return fmt.Errorf("mpegts: unknown unit kind %v", u.Kind)
	}
	if err != nil {
		if errors.Is(err, ErrNoAudioConfig) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrInvalidUnit, u.Kind, err)
	}

	m.buf.Reset()
	if !m.psiWritten || (u.Kind == media.KindVideo && u.IsKeyframe) || pts-m.lastPSI >= m.psiInterval {
		m.writePSI()
		m.lastPSI = pts
		m.psiWritten = true
	}

	pcr := dts
	if pcr < 0 {
		pcr = pts
	}
	m.writePES(pid, pesHeader(streamID, pts, dts, len(payload)), payload, pid == m.pcrPID, pcr)

	n, err := m.w.Write(m.buf.Bytes())
	m.written += int64(n)
	return err
}

func (m *Muxer) videoPayload(u *media.Unit) ([]byte, error) {
	au, err := codec.ParseAccessUnit(u.Payload)
	if err != nil {
		return nil, err
	}
	nalus := au.NALUs
	if u.IsKeyframe && au.SPS == nil && m.sps != nil {
		nalus = codec.WithParameterSets(nalus, m.sps, m.pps)
	}
	if len(nalus) == 0 || h264.NALUType(nalus[0][0]&0x1F) != h264.NALUTypeAccessUnitDelimiter {
		nalus = append([][]byte{audNALU}, nalus...)
	}
	return codec.MarshalAccessUnit(nalus)
}

func (m *Muxer) audioPayload(u *media.Unit) ([]byte, error) {
	if m.audioConfig == nil {
		return nil, ErrNoAudioConfig
	}
	hdr, err := codec.ADTSHeader(m.audioConfig, len(u.Payload))
	if err != nil {
		return nil, err
	}
	return append(hdr, u.Payload...), nil
}

func (m *Muxer) writePSI() {
	m.writeSection(PIDPAT, patSection(PIDPMT))
	m.writeSection(PIDPMT, pmtSection(m.pcrPID, m.streams))
}

func (m *Muxer) writeSection(pid uint16, section []byte) {
	writePacket(m.pkt[:], pid, m.nextCC(pid), true, 0, false, psiPayload(section))
	m.buf.Write(m.pkt[:])
}

func (m *Muxer) writePES(pid uint16, hdr, payload []byte, withPCR bool, pcr int64) {
	data := make([]byte, 0, len(hdr)+len(payload))
	data = append(append(data, hdr...), payload...)

	first := true
	for len(data) > 0 {
		n := writePacket(m.pkt[:], pid, m.nextCC(pid), first, pcr, first && withPCR, data)
		m.buf.Write(m.pkt[:])
		data = data[n:]
		first = false
	}
}

func (m *Muxer) nextCC(pid uint16) uint8 {
	cc := m.cc[pid]
	m.cc[pid] = (cc + 1) & 0x0F
	return cc
}

package mpegts

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/livepush/internal/codec"
	"github.com/zsiec/livepush/internal/media"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xD9, 0x00, 0xA0, 0x47, 0xFE, 0xC8}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testCfg = &mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 44100, ChannelCount: 2}
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, data []byte) ([]*Frame, *Reader) {
	t.Helper()
	rd := NewReader(bytes.NewReader(data))
	var frames []*Frame
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return frames, rd
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()
	for _, ts := range []int64{0, 1, 3000, 90000, 1<<33 - 1} {
		b := make([]byte, 5)
		encodeTimestamp(b, 0x2, ts)
		if got := decodeTimestamp(b); got != ts {
			t.Errorf("timestamp %d: got %d", ts, got)
		}
		if b[0]>>4 != 0x2 || b[0]&1 != 1 || b[2]&1 != 1 || b[4]&1 != 1 {
			t.Errorf("timestamp %d: prefix/marker bits wrong: % X", ts, b)
		}

		pcr := make([]byte, 6)
		encodePCR(pcr, ts)
		if got := decodePCR(pcr); got != ts {
			t.Errorf("PCR %d: got %d", ts, got)
		}
	}
}

func TestWritePacketStuffing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		size    int
		withPCR bool
	}{
		{"full", 184, false},
		{"one short", 183, false},
		{"two short", 182, false},
		{"tiny", 3, false},
		{"pcr full", 176, true},
		{"pcr tiny", 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			payload := bytes.Repeat([]byte{0xAB}, tt.size)
			pkt := make([]byte, packetSize)
			n := writePacket(pkt, PIDVideo, 7, true, 123456, tt.withPCR, payload)
			require.Equal(t, tt.size, n)

			h, got, err := parsePacket(pkt)
			require.NoError(t, err)
			assert.Equal(t, PIDVideo, h.pid)
			assert.EqualValues(t, 7, h.cc)
			assert.True(t, h.pusi)
			assert.Equal(t, payload, got)
			assert.Equal(t, tt.withPCR, h.hasPCR)
			if tt.withPCR {
				assert.EqualValues(t, 123456, h.pcr)
			}
		})
	}
}

func TestPSIRoundTrip(t *testing.T) {
	t.Parallel()

	section, err := readSection(psiPayload(patSection(PIDPMT)))
	require.NoError(t, err)
	pmtPID, err := parsePAT(section)
	require.NoError(t, err)
	assert.Equal(t, PIDPMT, pmtPID)

	streams := []elementaryStream{{StreamTypeH264, PIDVideo}, {StreamTypeAAC, PIDAudio}}
	section, err = readSection(psiPayload(pmtSection(PIDVideo, streams)))
	require.NoError(t, err)
	pcrPID, got, err := parsePMT(section)
	require.NoError(t, err)
	assert.Equal(t, PIDVideo, pcrPID)
	assert.Equal(t, streams, got)

	corrupt := psiPayload(patSection(PIDPMT))
	corrupt[10] ^= 0xFF
	_, err = readSection(corrupt)
	assert.ErrorIs(t, err, errCRC)
}

func TestMuxerRoundTrip(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	m := NewMuxer(&out, MuxerOptions{Video: true, Audio: true})

	big := make([]byte, 10000)
	for i := range big {
		big[i] = byte(i%250) + 1
	}
	idr := append([]byte{0x65}, big...)
	aac := bytes.Repeat([]byte{0x21}, 300)

	units := []struct {
		u        *media.Unit
		pts, dts int64
	}{
		{&media.Unit{Kind: media.KindAudio, Payload: aac, Params: &media.CodecParams{AudioConfig: testCfg}}, 0, -1},
		{&media.Unit{Kind: media.KindVideo, Payload: annexB(idr), IsKeyframe: true,
			Params: &media.CodecParams{SPS: testSPS, PPS: testPPS}}, 0, 0},
		{&media.Unit{Kind: media.KindAudio, Payload: aac}, 2089, -1},
		{&media.Unit{Kind: media.KindVideo, Payload: annexB([]byte{0x41, 0x9A, 0x01})}, 3000, 3000},
	}
	for _, tu := range units {
		require.NoError(t, m.WriteUnit(tu.u, tu.pts, tu.dts))
	}
	require.Zero(t, out.Len()%packetSize)
	assert.EqualValues(t, out.Len(), m.BytesWritten())

	frames, rd := readAll(t, out.Bytes())
	assert.Zero(t, rd.ContinuityErrors())

	var video, audio []*Frame
	for _, f := range frames {
		if f.Kind == media.KindVideo {
			video = append(video, f)
		} else {
			audio = append(audio, f)
		}
	}
	require.Len(t, video, 2)
	require.Len(t, audio, 2)

	key, err := codec.ParseAccessUnit(video[0].Data)
	require.NoError(t, err)
	assert.True(t, key.IsKeyframe)
	assert.Equal(t, testSPS, key.SPS, "keyframe must carry SPS in-band")
	assert.Equal(t, testPPS, key.PPS)
	assert.Equal(t, idr, key.NALUs[len(key.NALUs)-1])
	assert.EqualValues(t, 0x09, key.NALUs[0][0]&0x1F, "access unit delimiter first")
	assert.EqualValues(t, 3000, video[1].PTS)

	assert.EqualValues(t, 0, audio[0].PTS)
	assert.EqualValues(t, 2089, audio[1].PTS)
	adts, _, err := codec.SplitADTS(audio[1].Data)
	require.NoError(t, err)
	require.Len(t, adts, 1)
	assert.Equal(t, aac, adts[0].Payload)
	assert.Equal(t, 44100, adts[0].Config.SampleRate)
}

func TestMuxerAudioWithoutConfig(t *testing.T) {
	t.Parallel()
	m := NewMuxer(io.Discard, MuxerOptions{Audio: true})
	err := m.WriteUnit(&media.Unit{Kind: media.KindAudio, Payload: []byte{1, 2}}, 0, -1)
	assert.ErrorIs(t, err, ErrNoAudioConfig)
}

func TestMuxerInvalidVideoWritesNothing(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	m := NewMuxer(&out, MuxerOptions{Video: true})
	err := m.WriteUnit(&media.Unit{Kind: media.KindVideo, Payload: []byte{0xFF, 0xFF, 0xFF, 0xFF}}, 0, 0)
	require.ErrorIs(t, err, ErrInvalidUnit)
	assert.Zero(t, out.Len())

	params := &media.CodecParams{SPS: testSPS, PPS: testPPS}
	require.NoError(t, m.WriteUnit(&media.Unit{Kind: media.KindVideo, Payload: annexB([]byte{0x65, 0x88}), IsKeyframe: true, Params: params}, 3000, 3000))
	frames, rd := readAll(t, out.Bytes())
	assert.Zero(t, rd.ContinuityErrors())
	require.Len(t, frames, 1)
	assert.EqualValues(t, 3000, frames[0].PTS)
}

func TestMuxerRepeatsPSI(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	m := NewMuxer(&out, MuxerOptions{Video: true, PSIInterval: time.Second})
	params := &media.CodecParams{SPS: testSPS, PPS: testPPS}
	for i := range 10 {
		u := &media.Unit{Kind: media.KindVideo, Payload: annexB([]byte{0x41, 0x01})}
		if i%5 == 0 {
			u = &media.Unit{Kind: media.KindVideo, Payload: annexB([]byte{0x65, 0x01}), IsKeyframe: true, Params: params}
		}
		pts := int64(i) * 3000
		require.NoError(t, m.WriteUnit(u, pts, pts))
	}

	pats := 0
	data := out.Bytes()
	for off := 0; off < len(data); off += packetSize {
		h, _, err := parsePacket(data[off : off+packetSize])
		require.NoError(t, err)
		if h.pid == PIDPAT {
			pats++
		}
	}
	assert.Equal(t, 2, pats, "one PAT per keyframe within the interval")
}

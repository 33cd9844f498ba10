package codec

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sps720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var (
	aud   = []byte{0x09, 0xF0}
	pps   = []byte{0x68, 0xEB, 0xE3, 0xCB}
	idr   = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	slice = []byte{0x41, 0x9A, 0x02, 0x04}
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestParseAccessUnit(t *testing.T) {
	t.Parallel()

	au, err := ParseAccessUnit(annexB(aud, sps720p, pps, idr))
	require.NoError(t, err)
	assert.True(t, au.IsKeyframe)
	assert.Equal(t, sps720p, au.SPS)
	assert.Equal(t, pps, au.PPS)
	assert.Len(t, au.NALUs, 4)

	au, err = ParseAccessUnit(annexB(aud, slice))
	require.NoError(t, err)
	assert.False(t, au.IsKeyframe)
	assert.Nil(t, au.SPS)
}

func TestWithParameterSets(t *testing.T) {
	t.Parallel()

	oldSPS := []byte{0x67, 0x42, 0x00, 0x0a}
	got := WithParameterSets([][]byte{aud, oldSPS, idr}, sps720p, pps)
	require.Len(t, got, 4)
	assert.Equal(t, aud, got[0])
	assert.Equal(t, sps720p, got[1])
	assert.Equal(t, pps, got[2])
	assert.Equal(t, idr, got[3])

	got = WithParameterSets([][]byte{idr}, sps720p, pps)
	require.Len(t, got, 3)
	assert.Equal(t, sps720p, got[0])
}

func TestVideoCodecString(t *testing.T) {
	t.Parallel()

	s, err := VideoCodecString(sps720p)
	require.NoError(t, err)
	assert.Equal(t, "avc1.64001F", s)

	_, err = VideoCodecString([]byte{0x67, 0x64})
	assert.Error(t, err)
}

func TestDimensions(t *testing.T) {
	t.Parallel()

	w, h, err := Dimensions(sps720p)
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestAUSplitter(t *testing.T) {
	t.Parallel()

	stream := append(annexB(aud, sps720p, pps, idr), annexB(aud, slice)...)
	stream = append(stream, annexB(aud, slice)...)

	var s AUSplitter
	var aus [][]byte
	// Feed in awkward chunk sizes so start codes straddle pushes.
	for i := 0; i < len(stream); i += 5 {
		end := min(i+5, len(stream))
		aus = append(aus, s.Push(stream[i:end])...)
	}
	require.Len(t, aus, 2)
	last := s.Flush()
	require.NotNil(t, last)
	aus = append(aus, last)

	first, err := ParseAccessUnit(aus[0])
	require.NoError(t, err)
	assert.True(t, first.IsKeyframe)
	for _, au := range aus[1:] {
		parsed, err := ParseAccessUnit(au)
		require.NoError(t, err)
		assert.False(t, parsed.IsKeyframe)
		assert.Len(t, parsed.NALUs, 2)
	}
	assert.Nil(t, s.Flush())
}

func TestAUSplitterDropsLeadingGarbage(t *testing.T) {
	t.Parallel()

	var s AUSplitter
	stream := append([]byte{0xAA, 0xBB}, annexB(aud, idr)...)
	stream = append(stream, annexB(aud, slice)...)
	aus := s.Push(stream)
	require.Len(t, aus, 1)
	assert.Equal(t, annexB(aud, idr), aus[0])
}

func TestADTSRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := &mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 44100, ChannelCount: 2}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}

	hdr, err := ADTSHeader(cfg, len(payload))
	require.NoError(t, err)
	require.Len(t, hdr, 7)

	stream := append(append(hdr, payload...), hdr...)
	stream = append(stream, payload[:3]...) // truncated second frame

	frames, consumed, err := SplitADTS(stream)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 7+len(payload), consumed)
	assert.Equal(t, payload, frames[0].Payload)
	assert.Equal(t, 44100, frames[0].Config.SampleRate)
	assert.Equal(t, 2, frames[0].Config.ChannelCount)
	assert.EqualValues(t, 2, frames[0].Config.Type)
}

func TestADTSHeaderRejects(t *testing.T) {
	t.Parallel()

	_, err := ADTSHeader(nil, 10)
	assert.Error(t, err)
	_, err = ADTSHeader(&mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 12345, ChannelCount: 2}, 10)
	assert.Error(t, err)
	_, err = ADTSHeader(&mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 48000, ChannelCount: 2}, 9000)
	assert.Error(t, err)
}

func TestSplitADTSInvalidRate(t *testing.T) {
	t.Parallel()

	bad := []byte{0xFF, 0xF1, 0x40 | 15<<2, 0x80, 0x01, 0x1F, 0xFC}
	_, _, err := SplitADTS(bad)
	assert.ErrorIs(t, err, ErrInvalidADTS)
}

func TestAudioCodecString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "mp4a.40.2", AudioCodecString(&mpeg4audio.AudioSpecificConfig{Type: 2}))
	assert.Empty(t, AudioCodecString(nil))
}

package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os/exec"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/livepush/internal/codec"
	"github.com/zsiec/livepush/internal/media"
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestH264PassthroughRepeatsParameterSets(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0xC0, 0x1E}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	p := NewH264Passthrough()
	require.NoError(t, p.Start(context.Background()))

	units, err := p.Encode(&media.Sample{Kind: media.KindVideo, Format: media.FormatH264, Payload: annexB(sps, pps, []byte{0x65, 0x88})})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.True(t, units[0].IsKeyframe)
	require.NotNil(t, units[0].Params)
	assert.Equal(t, sps, units[0].Params.SPS)

	units, err = p.Encode(&media.Sample{Kind: media.KindVideo, Format: media.FormatH264, PTS: 33 * time.Millisecond, Payload: annexB([]byte{0x41, 0x9A})})
	require.NoError(t, err)
	assert.False(t, units[0].IsKeyframe)
	assert.Nil(t, units[0].Params)

	units, err = p.Encode(&media.Sample{Kind: media.KindVideo, Format: media.FormatH264, PTS: 66 * time.Millisecond, Payload: annexB([]byte{0x09, 0xF0}, []byte{0x65, 0x89})})
	require.NoError(t, err)
	au, err := codec.ParseAccessUnit(units[0].Payload)
	require.NoError(t, err)
	assert.True(t, au.IsKeyframe)
	assert.Equal(t, sps, au.SPS, "cached SPS is written ahead of the keyframe")
	assert.Equal(t, pps, au.PPS)
	assert.Equal(t, byte(0x09), au.NALUs[0][0], "delimiter stays first")
	assert.Nil(t, units[0].Params, "parameters unchanged")
}

func TestH264PassthroughRejectsRaw(t *testing.T) {
	t.Parallel()
	_, err := NewH264Passthrough().Encode(&media.Sample{Kind: media.KindVideo, Format: media.FormatI420, Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestAACPassthroughStripsADTS(t *testing.T) {
	t.Parallel()
	cfg := &mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 48000, ChannelCount: 2}
	hdr, err := codec.ADTSHeader(cfg, 3)
	require.NoError(t, err)
	frame := append(hdr, 0xA, 0xB, 0xC)

	p := NewAACPassthrough()
	units, err := p.Encode(&media.Sample{Kind: media.KindAudio, Format: media.FormatAAC, PTS: time.Second, Payload: append(append([]byte(nil), frame...), frame...)})
	require.NoError(t, err)
	require.Len(t, units, 2)

	assert.Equal(t, []byte{0xA, 0xB, 0xC}, units[0].Payload)
	require.NotNil(t, units[0].Params)
	assert.Equal(t, 48000, units[0].Params.AudioConfig.SampleRate)
	assert.Nil(t, units[1].Params)
	assert.Equal(t, time.Second+1024*time.Second/48000, units[1].PTS)

	_, err = p.Encode(&media.Sample{Kind: media.KindAudio, Format: media.FormatAAC, Payload: []byte{0, 1, 2}})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFFmpegArgs(t *testing.T) {
	t.Parallel()
	v := NewFFmpegVideo(VideoParams{Width: 1280, Height: 720, FPS: 25, Bitrate: 3_000_000}, FFmpegConfig{})
	args := v.Args()
	assert.Subset(t, args, []string{"-bf", "0", "1280x720", "libx264", "zerolatency", "h264_metadata=aud=insert"})
	assert.Contains(t, args, "50", "default GOP is two seconds")

	a := NewFFmpegAudio(AudioParams{}, FFmpegConfig{})
	assert.Subset(t, a.Args(), []string{"44100", "adts", "s16le"})
	assert.Equal(t, 2, a.AudioConfig().ChannelCount)
	assert.Nil(t, v.AudioConfig())
}

func TestFFmpegRejectsOddFrameSize(t *testing.T) {
	t.Parallel()
	v := NewFFmpegVideo(VideoParams{Width: 63, Height: 64}, FFmpegConfig{})
	assert.ErrorIs(t, v.Start(context.Background()), ErrUnsupportedFormat)
}

func TestFFmpegMissingBinary(t *testing.T) {
	t.Parallel()
	a := NewFFmpegAudio(AudioParams{}, FFmpegConfig{Path: "/nonexistent/ffmpeg"})
	assert.ErrorIs(t, a.Start(context.Background()), ErrUnsupportedFormat)
	require.NoError(t, a.Close())
}

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
}

func TestFFmpegVideoEncode(t *testing.T) {
	t.Parallel()
	requireFFmpeg(t)
	ctx := context.Background()
	v := NewFFmpegVideo(VideoParams{Width: 64, Height: 64, FPS: 25, KeyframeInterval: 5}, FFmpegConfig{})
	var c collector
	e := New(media.KindVideo, v, Options{})
	require.NoError(t, e.Start(ctx, c.sink))
	defer e.Close()

	for i := range 12 {
		require.NoError(t, e.Feed(ctx, &media.Sample{
			Kind:    media.KindVideo,
			PTS:     time.Duration(i) * 40 * time.Millisecond,
			Payload: bytes.Repeat([]byte{byte(16 + i*8)}, 64*64*3/2),
			Format:  media.FormatI420,
		}))
	}
	require.NoError(t, e.Flush(ctx))

	require.Len(t, c.units, 12)
	first := c.units[0]
	assert.True(t, first.IsKeyframe)
	require.NotNil(t, first.Params)
	assert.NotEmpty(t, first.Params.SPS)
	assert.Equal(t, 80*time.Millisecond, c.units[2].PTS, "input timestamps are carried through")
	assert.True(t, c.units[5].IsKeyframe)
}

func TestFFmpegAudioEncode(t *testing.T) {
	t.Parallel()
	requireFFmpeg(t)
	ctx := context.Background()
	a := NewFFmpegAudio(AudioParams{SampleRate: 48000, Channels: 1}, FFmpegConfig{})
	var c collector
	e := New(media.KindAudio, a, Options{})
	require.NoError(t, e.Start(ctx, c.sink))
	defer e.Close()

	for blk := range 20 {
		buf := make([]byte, 1024*2)
		for i := range 1024 {
			v := int16(math.Sin(float64(blk*1024+i)*0.06) * 8000)
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
		}
		require.NoError(t, e.Feed(ctx, &media.Sample{
			Kind:    media.KindAudio,
			PTS:     time.Duration(blk*1024) * time.Second / 48000,
			Payload: buf,
			Format:  media.FormatS16LE,
		}))
	}
	require.NoError(t, e.Flush(ctx))

	require.NotEmpty(t, c.units)
	require.NotNil(t, c.units[0].Params)
	assert.Equal(t, 48000, c.units[0].Params.AudioConfig.SampleRate)
	assert.Equal(t, 1, c.units[0].Params.AudioConfig.ChannelCount)
	for i := 1; i < len(c.units); i++ {
		assert.Greater(t, c.units[i].PTS, c.units[i-1].PTS)
	}
}

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/livepush/internal/codec"
	"github.com/zsiec/livepush/internal/config"
	"github.com/zsiec/livepush/internal/sink"
)

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "livepush dev\n", out.String())
}

func TestPushRejectsInvalidURL(t *testing.T) {
	t.Parallel()
	cfgFile := filepath.Join(t.TempDir(), "livepush.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("log_level: error\n"), 0o600))

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"push", "--config", cfgFile, "--url", "rtmp://ingest:1935/live/cam"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestSinkRequiresListener(t *testing.T) {
	t.Parallel()
	err := runSink(context.Background(), config.Sink{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestFlagsOverrideConfig(t *testing.T) {
	t.Parallel()
	cfgFile := filepath.Join(t.TempDir(), "livepush.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("push:\n  cache_size: 250\n  video:\n    fps: 25\n"), 0o600))

	a := &app{v: config.New(), cfgFile: cfgFile}
	cmd := newPushCmd(a)
	require.NoError(t, cmd.ParseFlags([]string{"--cache-size", "40"}))
	require.NoError(t, a.load())
	assert.Equal(t, 40, a.cfg.Push.CacheSize)
	assert.Equal(t, 25, a.cfg.Push.Video.FPS)
}

// writeElementary writes n H.264 access units and m ADTS frames.
func writeElementary(t *testing.T, dir string, n, m int) (string, string) {
	t.Helper()
	start := []byte{0, 0, 0, 1}
	var video bytes.Buffer
	for i := range n {
		video.Write(start)
		video.Write([]byte{0x09, 0xF0})
		if i == 0 {
			video.Write(start)
			video.Write([]byte{0x67, 0x42, 0xC0, 0x1E, 0xD9, 0x00, 0xA0, 0x47, 0xFE, 0xC8})
			video.Write(start)
			video.Write([]byte{0x68, 0xCE, 0x3C, 0x80})
			video.Write(start)
			video.Write([]byte{0x65, 0x88, 0x84, byte(i)})
		} else {
			video.Write(start)
			video.Write([]byte{0x41, 0x9A, 0x02, byte(i)})
		}
	}

	cfg := &mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 44100, ChannelCount: 2}
	var audio bytes.Buffer
	for i := range m {
		payload := []byte{0x21, 0x10, 0x05, byte(i)}
		hdr, err := codec.ADTSHeader(cfg, len(payload))
		require.NoError(t, err)
		audio.Write(hdr)
		audio.Write(payload)
	}

	vpath, apath := filepath.Join(dir, "cam.h264"), filepath.Join(dir, "cam.aac")
	require.NoError(t, os.WriteFile(vpath, video.Bytes(), 0o600))
	require.NoError(t, os.WriteFile(apath, audio.Bytes(), 0o600))
	return vpath, apath
}

type streamEnd struct {
	stats sink.Stats
	err   error
}

func TestPushElementaryToSink(t *testing.T) {
	t.Parallel()
	ends := make(chan streamEnd, 1)
	reg := sink.NewRegistry(sink.Config{
		Keys:        []string{"cam"},
		OnStreamEnd: func(st sink.Stats, err error) { ends <- streamEnd{st, err} },
	})
	srv := httptest.NewServer(sink.NewWSHandler(reg, nil))
	t.Cleanup(srv.Close)

	vpath, apath := writeElementary(t, t.TempDir(), 30, 20)
	cfg := config.Push{
		URL:         "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/live/cam",
		CacheSize:   100,
		Source:      config.SourceElementary,
		StopTimeout: 5 * time.Second,
		Video:       config.Video{FPS: 30, File: vpath},
		Audio:       config.Audio{File: apath},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runPush(ctx, cfg, log), "files end the push cleanly")

	select {
	case e := <-ends:
		require.NoError(t, e.err)
		assert.Equal(t, "cam", e.stats.Key)
		assert.Equal(t, "mp4a.40.2", e.stats.AudioCodec)
		assert.Equal(t, int64(30), e.stats.VideoFrames)
		assert.Equal(t, int64(20), e.stats.AudioFrames)
		assert.Zero(t, e.stats.ContinuityErrors)
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not see the stream end")
	}
}

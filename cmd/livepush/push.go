package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/livepush/internal/capture"
	"github.com/zsiec/livepush/internal/codec"
	"github.com/zsiec/livepush/internal/config"
	"github.com/zsiec/livepush/internal/encoder"
	"github.com/zsiec/livepush/internal/media"
	"github.com/zsiec/livepush/internal/session"
	"github.com/zsiec/livepush/internal/transport"
)

// ffmpegVideoCodec is the codec string announced for the ffmpeg backend:
// High profile, level 4.0.
const ffmpegVideoCodec = "avc1.640028"

func newPushCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Capture, encode and push one live stream",
		Example: `  livepush push --url 'srt://ingest.example:6000?streamid=live/cam'
  livepush push --url quic://127.0.0.1:4443/live/cam?insecure=1 --duration 30s
  livepush push --url ws://127.0.0.1:8080/live/cam --source elementary --video-file cam.h264 --audio-file cam.aac`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPush(ctx, a.cfg.Push, a.log)
		},
	}

	f := cmd.Flags()
	f.String("url", "", "ingest URL: srt://, quic://, ws:// or wss://")
	f.Int("cache-size", 100, "mux queue capacity in encoded units")
	f.String("source", config.SourceTest, "media source: test, device or elementary")
	f.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	f.Duration("stop-timeout", 10*time.Second, "how long a graceful stop may take")
	f.String("ffmpeg", "ffmpeg", "ffmpeg binary for test and device sources")
	f.Int("width", 1280, "video width")
	f.Int("height", 720, "video height")
	f.Int("fps", 30, "video frame rate")
	f.Int("video-bitrate", 2_500_000, "video bitrate in bit/s")
	f.Int("sample-rate", 48000, "audio sample rate")
	f.Int("channels", 2, "audio channels")
	f.String("video-device", "", "raw I420 frame device or FIFO (device source)")
	f.String("audio-device", "", "raw s16le PCM device or FIFO (device source)")
	f.String("video-file", "", "H.264 Annex B file (elementary source)")
	f.String("audio-file", "", "ADTS AAC file (elementary source)")
	bindFlags(a.v, f, map[string]string{
		"url":           "push.url",
		"cache-size":    "push.cache_size",
		"source":        "push.source",
		"duration":      "push.duration",
		"stop-timeout":  "push.stop_timeout",
		"ffmpeg":        "push.ffmpeg",
		"width":         "push.video.width",
		"height":        "push.video.height",
		"fps":           "push.video.fps",
		"video-bitrate": "push.video.bitrate",
		"sample-rate":   "push.audio.sample_rate",
		"channels":      "push.audio.channels",
		"video-device":  "push.video.device",
		"audio-device":  "push.audio.device",
		"video-file":    "push.video.file",
		"audio-file":    "push.audio.file",
	})
	return cmd
}

// runPush streams until ctx ends, cfg.Duration elapses or the session ends
// on its own, then stops gracefully.
func runPush(ctx context.Context, cfg config.Push, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	streams, err := buildStreams(cfg, log)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		URL:          cfg.URL,
		CacheSize:    cfg.CacheSize,
		Audio:        streams.audio,
		Video:        streams.video,
		Callback:     faultLogger(log),
		Capabilities: streams.caps,
		Transport:    cfg.TransportOptions(log),
		FlushTimeout: cfg.StopTimeout / 2,
		Logger:       log,
	})
	if err != nil {
		streams.close()
		return err
	}
	defer sess.Release()

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start push: %w", err)
	}

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logStatsEvery(gctx, sess, cfg.StatsInterval, log)
		return nil
	})
	g.Go(func() error {
		select {
		case <-sess.Done():
			if st := sess.State(); st == session.StateFaulted {
				return fmt.Errorf("push ended in state %s", st)
			}
			return nil
		case <-gctx.Done():
		}
		log.Info("stopping push")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
		defer cancel()
		if err := sess.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop push: %w", err)
		}
		return nil
	})
	err = g.Wait()
	logStats(log, "push finished", sess.Stats())
	return err
}

type streamSet struct {
	audio, video session.Stream
	caps         transport.Capabilities
}

// close releases the sources of a set that never reached a session.
func (s streamSet) close() {
	for _, st := range []session.Stream{s.audio, s.video} {
		if st.Source != nil {
			st.Source.Close()
		}
		if st.Encoder != nil {
			st.Encoder.Close()
		}
	}
}

func buildStreams(cfg config.Push, log *slog.Logger) (streamSet, error) {
	var set streamSet
	encOpts := encoder.Options{Logger: log}

	if cfg.Source == config.SourceElementary {
		vf, err := os.Open(cfg.Video.File)
		if err != nil {
			return set, fmt.Errorf("open video file: %w", err)
		}
		af, err := os.Open(cfg.Audio.File)
		if err != nil {
			vf.Close()
			return set, fmt.Errorf("open audio file: %w", err)
		}
		set.video = session.Stream{
			Source:  capture.NewElementarySource(vf, capture.ElementaryConfig{Kind: media.KindVideo, FPS: cfg.Video.FPS}),
			Encoder: encoder.New(media.KindVideo, encoder.NewH264Passthrough(), encOpts),
		}
		set.audio = session.Stream{
			Source:  capture.NewElementarySource(af, capture.ElementaryConfig{Kind: media.KindAudio}),
			Encoder: encoder.New(media.KindAudio, encoder.NewAACPassthrough(), encOpts),
		}
		set.caps.AudioCodec = codec.AudioCodecString(&mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC})
		return set, nil
	}

	v, au := cfg.Video, cfg.Audio
	var vsrc, asrc capture.Source
	switch cfg.Source {
	case config.SourceTest:
		vsrc = capture.NewTestVideoSource(capture.VideoPattern{Width: v.Width, Height: v.Height, FPS: v.FPS})
		asrc = capture.NewTestAudioSource(capture.AudioTone{SampleRate: au.SampleRate, Channels: au.Channels, Frequency: au.ToneHz})
	case config.SourceDevice:
		var err error
		vsrc, err = capture.NewDeviceSource(capture.DeviceConfig{
			Path:          v.Device,
			Kind:          media.KindVideo,
			Format:        media.FormatI420,
			FrameSize:     v.Width * v.Height * 3 / 2,
			FrameDuration: time.Second / time.Duration(v.FPS),
		})
		if err != nil {
			return set, err
		}
		asrc, err = capture.NewDeviceSource(capture.DeviceConfig{
			Path:          au.Device,
			Kind:          media.KindAudio,
			Format:        media.FormatS16LE,
			FrameSize:     codec.SamplesPerFrame * au.Channels * 2,
			FrameDuration: codec.SamplesPerFrame * time.Second / time.Duration(au.SampleRate),
		})
		if err != nil {
			return set, err
		}
	default:
		return set, errors.New("unknown source " + cfg.Source)
	}

	ff := encoder.FFmpegConfig{Path: cfg.FFmpeg, StopTimeout: cfg.StopTimeout / 2, Logger: log}
	set.video = session.Stream{
		Source: vsrc,
		Encoder: encoder.New(media.KindVideo, encoder.NewFFmpegVideo(encoder.VideoParams{
			Width:            v.Width,
			Height:           v.Height,
			FPS:              v.FPS,
			Bitrate:          v.Bitrate,
			KeyframeInterval: v.KeyframeInterval,
			Preset:           v.Preset,
		}, ff), encOpts),
	}
	set.audio = session.Stream{
		Source: asrc,
		Encoder: encoder.New(media.KindAudio, encoder.NewFFmpegAudio(encoder.AudioParams{
			SampleRate: au.SampleRate,
			Channels:   au.Channels,
			Bitrate:    au.Bitrate,
		}, ff), encOpts),
	}
	ac := &mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: au.SampleRate, ChannelCount: au.Channels}
	set.caps = transport.Capabilities{
		VideoCodec:  ffmpegVideoCodec,
		AudioCodec:  codec.AudioCodecString(ac),
		AudioConfig: ac,
		Width:       v.Width,
		Height:      v.Height,
	}
	return set, nil
}

func faultLogger(log *slog.Logger) session.Callback {
	return session.CallbackFunc(func(f session.Fault) {
		log.Error("fault", "kind", f.Kind.String(), "error", f.Err)
	})
}

func logStatsEvery(ctx context.Context, sess *session.Session, every time.Duration, log *slog.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-t.C:
			logStats(log, "push stats", sess.Stats())
		}
	}
}

func logStats(log *slog.Logger, msg string, st session.Stats) {
	log.Info(msg,
		"session_id", st.ID,
		"state", st.State.String(),
		"queue_len", st.Queue.Len,
		"queue_high_water", st.Queue.HighWater,
		"video_dropped", st.Queue.Video.Dropped,
		"audio_dropped", st.Queue.Audio.Dropped,
		"bytes_sent", st.Pusher.BytesWritten,
		"video_units", st.Pusher.Video.Units,
		"audio_units", st.Pusher.Audio.Units,
		"keyframe_requests", st.Pusher.KeyframeRequests,
		"last_pts", st.Pusher.LastPTS,
	)
}

package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/livepush/internal/codec"
	"github.com/zsiec/livepush/internal/media"
)

// VideoParams configures H.264 encoding of raw I420 frames.
type VideoParams struct {
	Width  int
	Height int
	FPS    int
	// Bitrate in bits per second.
	Bitrate int
	// KeyframeInterval is the GOP length in frames; default 2 seconds.
	KeyframeInterval int
	Preset           string
}

// AudioParams configures AAC encoding of interleaved s16le PCM.
type AudioParams struct {
	SampleRate int
	Channels   int
	Bitrate    int
}

// FFmpegConfig locates the ffmpeg binary.
type FFmpegConfig struct {
	// Path defaults to "ffmpeg" resolved through $PATH.
	Path        string
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// FFmpeg is a Backend that pipes raw samples through a long-running ffmpeg
// process and parses the elementary stream it writes back.
type FFmpeg struct {
	kind  media.Kind
	video VideoParams
	audio AudioParams
	cfg   FFmpegConfig
	log   *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	readWG sync.WaitGroup

	mu       sync.Mutex
	ready    []*media.Unit
	readErr  error
	ptsFIFO  []time.Duration
	audioPTS time.Duration
	audioSet bool
	frames   int64
	params   *media.CodecParams

	inputDone atomic.Bool
	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

// NewFFmpegVideo returns an H.264 backend. Zero fields default to 30fps at
// 2 Mbit/s with a two second GOP.
func NewFFmpegVideo(p VideoParams, cfg FFmpegConfig) *FFmpeg {
	if p.FPS <= 0 {
		p.FPS = 30
	}
	if p.Bitrate <= 0 {
		p.Bitrate = 2_000_000
	}
	if p.KeyframeInterval <= 0 {
		p.KeyframeInterval = 2 * p.FPS
	}
	if p.Preset == "" {
		p.Preset = "veryfast"
	}
	return newFFmpeg(media.KindVideo, cfg, func(f *FFmpeg) { f.video = p })
}

// NewFFmpegAudio returns an AAC-LC backend. Zero fields default to 44.1 kHz
// stereo at 128 kbit/s.
func NewFFmpegAudio(p AudioParams, cfg FFmpegConfig) *FFmpeg {
	if p.SampleRate <= 0 {
		p.SampleRate = 44100
	}
	if p.Channels <= 0 {
		p.Channels = 2
	}
	if p.Bitrate <= 0 {
		p.Bitrate = 128_000
	}
	return newFFmpeg(media.KindAudio, cfg, func(f *FFmpeg) { f.audio = p })
}

func newFFmpeg(kind media.Kind, cfg FFmpegConfig, set func(*FFmpeg)) *FFmpeg {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	f := &FFmpeg{
		kind: kind,
		cfg:  cfg,
		log:  log.With("component", "ffmpeg", "kind", kind.String()),
	}
	set(f)
	return f
}

// Args returns the ffmpeg command line used for this backend.
func (f *FFmpeg) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if f.kind == media.KindVideo {
		p := f.video
		gop := strconv.Itoa(p.KeyframeInterval)
		return append(args,
			"-f", "rawvideo",
			"-pix_fmt", "yuv420p",
			"-s", fmt.Sprintf("%dx%d", p.Width, p.Height),
			"-r", strconv.Itoa(p.FPS),
			"-i", "pipe:0",
			"-c:v", "libx264",
			"-preset", p.Preset,
			"-tune", "zerolatency",
			"-profile:v", "high",
			"-pix_fmt", "yuv420p",
			"-bf", "0",
			"-g", gop,
			"-keyint_min", gop,
			"-sc_threshold", "0",
			"-b:v", strconv.Itoa(p.Bitrate),
			"-maxrate", strconv.Itoa(p.Bitrate),
			"-bufsize", strconv.Itoa(2*p.Bitrate),
			"-x264-params", "repeat-headers=1",
			"-bsf:v", "h264_metadata=aud=insert",
			"-f", "h264",
			"pipe:1",
		)
	}
	p := f.audio
	return append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(p.SampleRate),
		"-ac", strconv.Itoa(p.Channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(p.Bitrate),
		"-f", "adts",
		"pipe:1",
	)
}

// Start launches the ffmpeg process. ctx only bounds startup; the process
// lives until Flush or Close.
func (f *FFmpeg) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.kind == media.KindVideo && (f.video.Width <= 0 || f.video.Height <= 0 || f.video.Width%2 != 0 || f.video.Height%2 != 0) {
		return fmt.Errorf("%w: invalid frame size %dx%d", ErrUnsupportedFormat, f.video.Width, f.video.Height)
	}
	path, err := exec.LookPath(f.cfg.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	f.cmd = exec.Command(path, f.Args()...)
	f.stderr = &tailBuffer{max: 4096}
	f.cmd.Stderr = f.stderr

	stdin, err := f.cmd.StdinPipe()
	if err != nil {
		return err
	}
	f.stdin = stdin

	stdout, err := f.cmd.StdoutPipe()
	if err != nil {
		f.stdin.Close()
		return err
	}
	f.stdout = stdout

	if err := f.cmd.Start(); err != nil {
		f.stdin.Close()
		f.stdout.Close()
		return fmt.Errorf("%w: %v", ErrCodecSaturated, err)
	}
	f.log.Info("ffmpeg started", "pid", f.cmd.Process.Pid)

	f.readWG.Add(1)
	go f.readLoop()
	return nil
}

// Encode writes one sample to ffmpeg and returns whatever output has been
// parsed so far.
func (f *FFmpeg) Encode(s *media.Sample) ([]*media.Unit, error) {
	if err := f.validate(s); err != nil {
		return nil, err
	}
	if err := f.failure(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.kind == media.KindVideo {
		f.ptsFIFO = append(f.ptsFIFO, s.PTS)
	} else if !f.audioSet {
		f.audioPTS, f.audioSet = s.PTS, true
	}
	f.mu.Unlock()

	if _, err := f.stdin.Write(s.Payload); err != nil {
		if ferr := f.failure(); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("%w: write to encoder: %v", ErrCodecSaturated, err)
	}
	return f.take(), nil
}

// Flush closes ffmpeg's input, waits for it to write out everything it
// holds and returns the remaining units.
func (f *FFmpeg) Flush() ([]*media.Unit, error) {
	if f.cmd == nil {
		return nil, nil
	}
	f.inputDone.Store(true)
	f.stdin.Close()
	f.readWG.Wait()
	if err := f.wait(); err != nil {
		return f.take(), fmt.Errorf("%w: %v", ErrCodecSaturated, err)
	}
	return f.take(), nil
}

// Close stops ffmpeg, killing it if it does not exit within StopTimeout.
func (f *FFmpeg) Close() error {
	if f.cmd == nil || f.cmd.Process == nil {
		return nil
	}
	f.closeOnce.Do(func() {
		f.inputDone.Store(true)
		f.stdin.Close()
		done := make(chan error, 1)
		go func() {
			f.readWG.Wait()
			done <- f.wait()
		}()
		select {
		case err := <-done:
			f.log.Info("ffmpeg stopped", "error", err)
		case <-time.After(f.cfg.StopTimeout):
			_ = f.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(time.Second):
				_ = f.cmd.Process.Kill()
				<-done
			}
			f.log.Warn("ffmpeg force stopped")
		}
		f.stdout.Close()
	})
	return nil
}

// wait reaps the process once; later calls return the first result.
func (f *FFmpeg) wait() error {
	f.waitOnce.Do(func() { f.waitErr = f.cmd.Wait() })
	return f.waitErr
}

func (f *FFmpeg) validate(s *media.Sample) error {
	if f.kind == media.KindVideo {
		want := f.video.Width * f.video.Height * 3 / 2
		if s.Format != media.FormatI420 || len(s.Payload) != want {
			return fmt.Errorf("%w: want %s frame of %d bytes, got %s of %d",
				ErrUnsupportedFormat, media.FormatI420, want, s.Format, len(s.Payload))
		}
		return nil
	}
	if s.Format != media.FormatS16LE || len(s.Payload)%(2*f.audio.Channels) != 0 {
		return fmt.Errorf("%w: want %s with %d channels, got %s of %d bytes",
			ErrUnsupportedFormat, media.FormatS16LE, f.audio.Channels, s.Format, len(s.Payload))
	}
	return nil
}

func (f *FFmpeg) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readErr
}

func (f *FFmpeg) take() []*media.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.ready
	f.ready = nil
	return out
}

func (f *FFmpeg) readLoop() {
	defer f.readWG.Done()
	var (
		aus  codec.AUSplitter
		adts []byte
	)
	buf := make([]byte, 64*1024)
	for {
		n, err := f.stdout.Read(buf)
		if n > 0 {
			if f.kind == media.KindVideo {
				for _, au := range aus.Push(buf[:n]) {
					f.addVideo(au)
				}
			} else {
				adts = append(adts, buf[:n]...)
				frames, consumed, perr := codec.SplitADTS(adts)
				for _, fr := range frames {
					f.addAudio(fr)
				}
				adts = append(adts[:0], adts[consumed:]...)
				if perr != nil {
					f.setReadErr(fmt.Errorf("%w: %v", ErrCodecSaturated, perr))
					return
				}
			}
		}
		if err != nil {
			if f.kind == media.KindVideo {
				if au := aus.Flush(); au != nil {
					f.addVideo(au)
				}
			}
			switch {
			case f.inputDone.Load():
			case errors.Is(err, io.EOF):
				f.setReadErr(fmt.Errorf("%w: encoder exited: %s", ErrCodecSaturated, f.stderr.String()))
			default:
				f.setReadErr(fmt.Errorf("%w: read encoder output: %v", ErrCodecSaturated, err))
			}
			return
		}
	}
}

func (f *FFmpeg) setReadErr(err error) {
	f.mu.Lock()
	if f.readErr == nil {
		f.readErr = err
	}
	f.mu.Unlock()
	f.log.Error("ffmpeg output failed", "error", err)
}

func (f *FFmpeg) addVideo(au []byte) {
	parsed, err := codec.ParseAccessUnit(au)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var pts time.Duration
	if len(f.ptsFIFO) > 0 {
		pts = f.ptsFIFO[0]
		f.ptsFIFO = f.ptsFIFO[1:]
	} else {
		pts = time.Duration(f.frames) * time.Second / time.Duration(f.video.FPS)
	}
	f.frames++

	u := &media.Unit{
		Kind:       media.KindVideo,
		PTS:        pts,
		DTS:        pts,
		Payload:    au,
		IsKeyframe: parsed.IsKeyframe,
	}
	if parsed.SPS != nil && parsed.PPS != nil {
		if f.params == nil || !bytes.Equal(f.params.SPS, parsed.SPS) || !bytes.Equal(f.params.PPS, parsed.PPS) {
			f.params = &media.CodecParams{SPS: parsed.SPS, PPS: parsed.PPS}
			u.Params = f.params
		}
	}
	f.ready = append(f.ready, u)
}

func (f *FFmpeg) addAudio(fr codec.ADTSFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pts := f.audioPTS + time.Duration(f.frames*codec.SamplesPerFrame)*time.Second/time.Duration(fr.Config.SampleRate)
	f.frames++
	u := &media.Unit{
		Kind:       media.KindAudio,
		PTS:        pts,
		DTS:        pts,
		Payload:    append([]byte(nil), fr.Payload...),
		IsKeyframe: true,
	}
	if f.params == nil || !sameAudioConfig(f.params.AudioConfig, &fr.Config) {
		cfg := fr.Config
		f.params = &media.CodecParams{AudioConfig: &cfg}
		u.Params = f.params
	}
	f.ready = append(f.ready, u)
}

func sameAudioConfig(a, b *mpeg4audio.AudioSpecificConfig) bool {
	return a != nil && b != nil && a.Type == b.Type &&
		a.SampleRate == b.SampleRate && a.ChannelCount == b.ChannelCount
}

// AudioConfig returns the AudioSpecificConfig this backend will produce.
func (f *FFmpeg) AudioConfig() *mpeg4audio.AudioSpecificConfig {
	if f.kind != media.KindAudio {
		return nil
	}
	return &mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   f.audio.SampleRate,
		ChannelCount: f.audio.Channels,
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

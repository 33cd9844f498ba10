package capture

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/zsiec/livepush/internal/media"
)

// VideoPattern configures a synthetic I420 video source.
type VideoPattern struct {
	Width  int
	Height int
	FPS    int
	// Frames limits the source to this many frames; 0 means unbounded.
	Frames int
	// NoPacing produces frames as fast as they are read.
	NoPacing bool
}

// AudioTone configures a synthetic s16le sine tone source.
type AudioTone struct {
	SampleRate int
	Channels   int
	Frequency  float64
	// SamplesPerRead is the per-channel sample count of each Sample.
	SamplesPerRead int
	Blocks         int
	NoPacing       bool
}

// lifecycle tracks open/closed state shared by the built-in sources.
type lifecycle struct {
	mu     sync.Mutex
	kind   media.Kind
	opened bool
	closed bool
}

func (l *lifecycle) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return &Error{Kind: l.kind, Err: ErrClosed}
	case l.opened:
		return &Error{Kind: l.kind, Err: ErrDeviceBusy}
	}
	l.opened = true
	return nil
}

func (l *lifecycle) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return &Error{Kind: l.kind, Err: ErrClosed}
	case !l.opened:
		return &Error{Kind: l.kind, Err: ErrNotOpen}
	}
	return nil
}

// close marks the lifecycle closed and reports whether this call did it.
func (l *lifecycle) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}

// TestVideoSource emits a moving luma bar over mid-grey chroma.
type TestVideoSource struct {
	cfg   VideoPattern
	life  lifecycle
	pace  pacer
	frame int
}

// NewTestVideoSource creates a synthetic video source. Zero fields default
// to 640x360 at 30fps.
func NewTestVideoSource(cfg VideoPattern) *TestVideoSource {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 360
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &TestVideoSource{
		cfg:  cfg,
		life: lifecycle{kind: media.KindVideo},
		pace: pacer{enabled: !cfg.NoPacing},
	}
}

func (s *TestVideoSource) Kind() media.Kind { return media.KindVideo }

func (s *TestVideoSource) Open(ctx context.Context) error {
	if err := s.life.open(); err != nil {
		return err
	}
	s.pace.reset()
	return nil
}

func (s *TestVideoSource) ReadSample(ctx context.Context) (*media.Sample, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	if s.cfg.Frames > 0 && s.frame >= s.cfg.Frames {
		return nil, io.EOF
	}
	pts := time.Duration(s.frame) * time.Second / time.Duration(s.cfg.FPS)
	if err := s.pace.wait(ctx, pts); err != nil {
		return nil, err
	}

	w, h := s.cfg.Width, s.cfg.Height
	buf := make([]byte, w*h*3/2)
	bar := (s.frame * 4) % w
	for y := range h {
		row := buf[y*w : (y+1)*w]
		for x := range row {
			if x >= bar && x < bar+w/16 {
				row[x] = 235
			} else {
				row[x] = byte(16 + (x*200)/w)
			}
		}
	}
	for i := w * h; i < len(buf); i++ {
		buf[i] = 128
	}
	s.frame++

	return &media.Sample{
		Kind:    media.KindVideo,
		PTS:     pts,
		Payload: buf,
		Format:  media.FormatI420,
	}, nil
}

func (s *TestVideoSource) Close() error {
	s.life.close()
	return nil
}

// TestAudioSource emits an interleaved s16le sine tone.
type TestAudioSource struct {
	cfg     AudioTone
	life    lifecycle
	pace    pacer
	samples int64
	blocks  int
}

// NewTestAudioSource creates a synthetic tone. Zero fields default to a
// 440 Hz stereo tone at 44.1 kHz in blocks of 1024 samples.
func NewTestAudioSource(cfg AudioTone) *TestAudioSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 440
	}
	if cfg.SamplesPerRead <= 0 {
		cfg.SamplesPerRead = 1024
	}
	return &TestAudioSource{
		cfg:  cfg,
		life: lifecycle{kind: media.KindAudio},
		pace: pacer{enabled: !cfg.NoPacing},
	}
}

func (s *TestAudioSource) Kind() media.Kind { return media.KindAudio }

func (s *TestAudioSource) Open(ctx context.Context) error {
	if err := s.life.open(); err != nil {
		return err
	}
	s.pace.reset()
	return nil
}

func (s *TestAudioSource) ReadSample(ctx context.Context) (*media.Sample, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	if s.cfg.Blocks > 0 && s.blocks >= s.cfg.Blocks {
		return nil, io.EOF
	}
	pts := time.Duration(s.samples) * time.Second / time.Duration(s.cfg.SampleRate)
	if err := s.pace.wait(ctx, pts); err != nil {
		return nil, err
	}

	n, ch := s.cfg.SamplesPerRead, s.cfg.Channels
	buf := make([]byte, n*ch*2)
	step := 2 * math.Pi * s.cfg.Frequency / float64(s.cfg.SampleRate)
	for i := range n {
		v := int16(math.Sin(step*float64(s.samples+int64(i))) * 0.3 * math.MaxInt16)
		for c := range ch {
			binary.LittleEndian.PutUint16(buf[(i*ch+c)*2:], uint16(v))
		}
	}
	s.samples += int64(n)
	s.blocks++

	return &media.Sample{
		Kind:    media.KindAudio,
		PTS:     pts,
		Payload: buf,
		Format:  media.FormatS16LE,
	}, nil
}

func (s *TestAudioSource) Close() error {
	s.life.close()
	return nil
}

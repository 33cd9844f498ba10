package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/livepush/internal/codec"
	"github.com/zsiec/livepush/internal/media"
)

const elementaryReadSize = 32 * 1024

// ElementaryConfig configures an ElementarySource.
type ElementaryConfig struct {
	Kind media.Kind
	// FPS stamps video access units; default 30.
	FPS      int
	NoPacing bool
}

// ElementarySource reads an already-encoded stream: H.264 Annex B with
// access unit delimiters for video, ADTS AAC for audio. It serves cameras
// and capture cards that encode in hardware. Samples carry whole access
// units (ADTS frames keep their header).
type ElementarySource struct {
	cfg  ElementaryConfig
	r    io.Reader
	life lifecycle
	pace pacer

	aus     codec.AUSplitter
	adts    []byte
	queue   []*media.Sample
	frames  int64
	samples int64
	eof     bool
}

// NewElementarySource wraps r. If r is an io.Closer it is closed with the
// source.
func NewElementarySource(r io.Reader, cfg ElementaryConfig) *ElementarySource {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &ElementarySource{
		cfg:  cfg,
		r:    r,
		life: lifecycle{kind: cfg.Kind},
		pace: pacer{enabled: !cfg.NoPacing},
	}
}

func (s *ElementarySource) Kind() media.Kind { return s.cfg.Kind }

func (s *ElementarySource) Open(ctx context.Context) error {
	if err := s.life.open(); err != nil {
		return err
	}
	s.pace.reset()
	return nil
}

func (s *ElementarySource) ReadSample(ctx context.Context) (*media.Sample, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	buf := make([]byte, elementaryReadSize)
	for len(s.queue) == 0 {
		if s.eof {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.r.Read(buf)
		if n > 0 {
			if perr := s.parse(buf[:n]); perr != nil {
				return nil, &Error{Kind: s.cfg.Kind, Err: perr}
			}
		}
		if err != nil {
			if cerr := s.life.check(); cerr != nil {
				return nil, cerr
			}
			if !errors.Is(err, io.EOF) {
				return nil, &Error{Kind: s.cfg.Kind, Err: deviceCause(err)}
			}
			s.eof = true
			if s.cfg.Kind == media.KindVideo {
				if au := s.aus.Flush(); au != nil {
					s.enqueueVideo(au)
				}
			}
		}
	}

	sample := s.queue[0]
	s.queue = s.queue[1:]
	if err := s.pace.wait(ctx, sample.PTS); err != nil {
		return nil, err
	}
	return sample, nil
}

func (s *ElementarySource) parse(p []byte) error {
	if s.cfg.Kind == media.KindVideo {
		for _, au := range s.aus.Push(p) {
			s.enqueueVideo(au)
		}
		return nil
	}

	s.adts = append(s.adts, p...)
	frames, consumed, err := codec.SplitADTS(s.adts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceDisconnected, err)
	}
	for _, f := range frames {
		s.queue = append(s.queue, &media.Sample{
			Kind:    media.KindAudio,
			PTS:     time.Duration(s.samples) * time.Second / time.Duration(f.Config.SampleRate),
			Payload: append([]byte(nil), f.Raw...),
			Format:  media.FormatAAC,
		})
		s.samples += codec.SamplesPerFrame
	}
	s.adts = append(s.adts[:0], s.adts[consumed:]...)
	return nil
}

func (s *ElementarySource) enqueueVideo(au []byte) {
	parsed, err := codec.ParseAccessUnit(au)
	if err != nil {
		return
	}
	s.queue = append(s.queue, &media.Sample{
		Kind:       media.KindVideo,
		PTS:        time.Duration(s.frames) * time.Second / time.Duration(s.cfg.FPS),
		Payload:    au,
		IsKeyframe: parsed.IsKeyframe,
		Format:     media.FormatH264,
	})
	s.frames++
}

func (s *ElementarySource) Close() error {
	if !s.life.close() {
		return nil
	}
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

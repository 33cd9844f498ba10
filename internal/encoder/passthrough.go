package encoder

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/livepush/internal/codec"
	"github.com/zsiec/livepush/internal/media"
)

// H264Passthrough forwards already-encoded Annex B access units. It caches
// the most recent SPS/PPS and writes them in front of every keyframe that
// lacks them, so the stream can be joined at any keyframe.
type H264Passthrough struct {
	sps, pps []byte
	params   *media.CodecParams
}

// NewH264Passthrough returns a passthrough backend for H.264 samples.
func NewH264Passthrough() *H264Passthrough { return &H264Passthrough{} }

func (p *H264Passthrough) Start(ctx context.Context) error { return ctx.Err() }

func (p *H264Passthrough) Encode(s *media.Sample) ([]*media.Unit, error) {
	if s.Format != media.FormatH264 {
		return nil, fmt.Errorf("%w: want %s, got %q", ErrUnsupportedFormat, media.FormatH264, s.Format)
	}
	au, err := codec.ParseAccessUnit(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	u := &media.Unit{
		Kind:       media.KindVideo,
		PTS:        s.PTS,
		DTS:        s.PTS,
		Payload:    s.Payload,
		IsKeyframe: au.IsKeyframe || s.IsKeyframe,
	}
	if au.SPS != nil && au.PPS != nil && (!bytes.Equal(au.SPS, p.sps) || !bytes.Equal(au.PPS, p.pps)) {
		p.sps = append([]byte(nil), au.SPS...)
		p.pps = append([]byte(nil), au.PPS...)
		p.params = &media.CodecParams{SPS: p.sps, PPS: p.pps}
		u.Params = p.params
	}
	if u.IsKeyframe && au.SPS == nil && p.sps != nil {
		payload, err := codec.MarshalAccessUnit(codec.WithParameterSets(au.NALUs, p.sps, p.pps))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		u.Payload = payload
	}
	return []*media.Unit{u}, nil
}

func (p *H264Passthrough) Flush() ([]*media.Unit, error) { return nil, nil }

func (p *H264Passthrough) Close() error { return nil }

// AACPassthrough forwards ADTS-framed AAC, stripping the ADTS header and
// carrying the decoded AudioSpecificConfig as codec parameters.
type AACPassthrough struct {
	params *media.CodecParams
}

// NewAACPassthrough returns a passthrough backend for ADTS samples.
func NewAACPassthrough() *AACPassthrough { return &AACPassthrough{} }

func (p *AACPassthrough) Start(ctx context.Context) error { return ctx.Err() }

func (p *AACPassthrough) Encode(s *media.Sample) ([]*media.Unit, error) {
	if s.Format != media.FormatAAC {
		return nil, fmt.Errorf("%w: want %s, got %q", ErrUnsupportedFormat, media.FormatAAC, s.Format)
	}
	frames, _, err := codec.SplitADTS(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no ADTS frame in %d bytes", ErrUnsupportedFormat, len(s.Payload))
	}

	units := make([]*media.Unit, 0, len(frames))
	for i, f := range frames {
		pts := s.PTS + time.Duration(i*codec.SamplesPerFrame)*time.Second/time.Duration(f.Config.SampleRate)
		u := &media.Unit{
			Kind:       media.KindAudio,
			PTS:        pts,
			DTS:        pts,
			Payload:    f.Payload,
			IsKeyframe: true,
		}
		if !sameAudioConfig(p.audioConfig(), &f.Config) {
			cfg := f.Config
			p.params = &media.CodecParams{AudioConfig: &cfg}
			u.Params = p.params
		}
		units = append(units, u)
	}
	return units, nil
}

func (p *AACPassthrough) audioConfig() *mpeg4audio.AudioSpecificConfig {
	if p.params == nil {
		return nil
	}
	return p.params.AudioConfig
}

func (p *AACPassthrough) Flush() ([]*media.Unit, error) { return nil, nil }

func (p *AACPassthrough) Close() error { return nil }

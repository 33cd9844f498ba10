package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/livepush/internal/capture"
	"github.com/zsiec/livepush/internal/encoder"
	"github.com/zsiec/livepush/internal/media"
	"github.com/zsiec/livepush/internal/muxqueue"
	"github.com/zsiec/livepush/internal/pusher"
	"github.com/zsiec/livepush/internal/transport"
)

// Encoder is what a session needs from an encoder; *encoder.Encoder
// implements it.
type Encoder interface {
	Kind() media.Kind
	Start(ctx context.Context, sink encoder.Sink) error
	Feed(ctx context.Context, s *media.Sample) error
	Flush(ctx context.Context) error
	RequestKeyframe()
	Close() error
	Done() <-chan struct{}
	Err() error
	Stats() encoder.Stats
}

// Stream pairs a source with the encoder for its samples.
type Stream struct {
	Source  capture.Source
	Encoder Encoder
}

// Config describes one push session. It is copied by New and never changed
// afterwards.
type Config struct {
	// URL selects the transport by scheme, e.g. srt://host:6000?streamid=...
	URL string
	// CacheSize bounds the mux queue in encoded units across both kinds.
	CacheSize int
	Audio     Stream
	Video     Stream
	// Callback receives faults; nil ignores them.
	Callback Callback

	// Queue overrides the queue policies; nil uses muxqueue.DefaultOptions.
	Queue *muxqueue.Options
	// Capabilities announced in the handshake. StreamKey defaults to the
	// key derived from URL.
	Capabilities transport.Capabilities
	Transport    transport.Options
	// Dial replaces transport.Dial.
	Dial pusher.DialFunc
	// FlushTimeout bounds each encoder flush during Stop.
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

// validate checks cfg and returns a normalized copy.
func (cfg Config) validate() (Config, error) {
	u, err := transport.ParseURL(cfg.URL)
	if err != nil {
		return cfg, fmt.Errorf("session: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return cfg, fmt.Errorf("session: cache size must be positive, got %d", cfg.CacheSize)
	}
	if err := cfg.Audio.check(media.KindAudio); err != nil {
		return cfg, err
	}
	if err := cfg.Video.check(media.KindVideo); err != nil {
		return cfg, err
	}

	if cfg.Callback == nil {
		cfg.Callback = NopCallback{}
	}
	opts := muxqueue.DefaultOptions()
	if cfg.Queue != nil {
		opts = *cfg.Queue
	}
	cfg.Queue = &opts
	if cfg.Capabilities.StreamKey == "" {
		cfg.Capabilities.StreamKey = transport.StreamKey(u)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg, nil
}

func (s Stream) check(kind media.Kind) error {
	if s.Source == nil {
		return fmt.Errorf("session: %s source is required", kind)
	}
	if s.Encoder == nil {
		return fmt.Errorf("session: %s encoder is required", kind)
	}
	if s.Source.Kind() != kind {
		return fmt.Errorf("session: %s source configured as %s", s.Source.Kind(), kind)
	}
	if s.Encoder.Kind() != kind {
		return fmt.Errorf("session: %s encoder configured as %s", s.Encoder.Kind(), kind)
	}
	return nil
}

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// session's current state.
	ErrInvalidState = errors.New("session: invalid state")
)

// Package sink is a receiving ingest server for local testing: it accepts
// publish connections over SRT, QUIC and WebSocket, checks the stream key,
// and parses the incoming MPEG-TS back into frames while keeping per-stream
// statistics.
package sink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/livepush/internal/media"
	"github.com/zsiec/livepush/internal/mpegts"
)

// Publish refusals. The protocol servers translate them into their own
// rejection signal.
var (
	ErrNoKey          = errors.New("missing stream key")
	ErrUnknownKey     = errors.New("unknown stream key")
	ErrStreamActive   = errors.New("stream already active")
	ErrRegistryClosed = errors.New("sink shutting down")
)

// Publish describes an incoming publish request as announced in the
// protocol handshake.
type Publish struct {
	Key        string `json:"key"`
	Protocol   string `json:"protocol"`
	RemoteAddr string `json:"remoteAddr"`
	VideoCodec string `json:"videoCodec,omitempty"`
	AudioCodec string `json:"audioCodec,omitempty"`
}

// Stats is a snapshot of one publish connection.
type Stats struct {
	Publish
	ConnectedAt      time.Time     `json:"connectedAt"`
	Uptime           time.Duration `json:"uptime"`
	BytesReceived    int64         `json:"bytesReceived"`
	ReadCount        int64         `json:"readCount"`
	VideoFrames      int64         `json:"videoFrames"`
	AudioFrames      int64         `json:"audioFrames"`
	ContinuityErrors int64         `json:"continuityErrors"`
	// LastPTS is the newest frame timestamp in 90 kHz ticks.
	LastPTS int64 `json:"lastPts"`
}

// Stream is an active publish connection.
type Stream struct {
	Publish
	StartedAt time.Time
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	videoFrames   atomic.Int64
	audioFrames   atomic.Int64
	ccErrors      atomic.Int64
	lastPTS       atomic.Int64
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Publish:          s.Publish,
		ConnectedAt:      s.StartedAt,
		Uptime:           time.Since(s.StartedAt),
		BytesReceived:    s.bytesReceived.Load(),
		ReadCount:        s.readCount.Load(),
		VideoFrames:      s.videoFrames.Load(),
		AudioFrames:      s.audioFrames.Load(),
		ContinuityErrors: s.ccErrors.Load(),
		LastPTS:          s.lastPTS.Load(),
	}
}

func (s *Stream) recordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

func (s *Stream) recordFrame(f *mpegts.Frame) {
	switch f.Kind {
	case media.KindVideo:
		s.videoFrames.Add(1)
	case media.KindAudio:
		s.audioFrames.Add(1)
	}
	s.lastPTS.Store(f.PTS)
}

// countingReader feeds socket reads into the stream counters.
type countingReader struct {
	r io.Reader
	s *Stream
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.s.recordRead(n)
	}
	return n, err
}

// Registry tracks active publish streams by key. It is shared by every
// protocol server and is the single place where keys are accepted or
// refused, so a key can publish over one protocol at a time.
type Registry struct {
	log     *slog.Logger
	keys    map[string]struct{}
	onFrame func(key string, f *mpegts.Frame)
	onEnd   func(Stats, error)

	mu      sync.RWMutex
	streams map[string]*Stream
	closed  bool
}

// NewRegistry creates a Registry from the key list and hooks in cfg.
func NewRegistry(cfg Config) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:     log.With("component", "sink-registry"),
		onFrame: cfg.OnFrame,
		onEnd:   cfg.OnStreamEnd,
		streams: make(map[string]*Stream),
	}
	if len(cfg.Keys) > 0 {
		r.keys = make(map[string]struct{}, len(cfg.Keys))
		for _, k := range cfg.Keys {
			r.keys[k] = struct{}{}
		}
	}
	return r
}

// Authorize reports whether key may publish now without registering it.
func (r *Registry) Authorize(key string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authorizeLocked(key)
}

func (r *Registry) authorizeLocked(key string) error {
	if r.closed {
		return ErrRegistryClosed
	}
	if key == "" {
		return ErrNoKey
	}
	if r.keys != nil {
		if _, ok := r.keys[key]; !ok {
			return ErrUnknownKey
		}
	}
	if _, ok := r.streams[key]; ok {
		return ErrStreamActive
	}
	return nil
}

// Open registers a publish stream. It fails with one of the refusal errors
// when the key is not allowed or already publishing.
func (r *Registry) Open(p Publish) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeLocked(p.Key); err != nil {
		r.log.Warn("publish refused", "stream_key", p.Key, "protocol", p.Protocol, "remote", p.RemoteAddr, "reason", err)
		return nil, err
	}
	s := &Stream{
		Publish:   p,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	r.streams[p.Key] = s
	r.log.Info("publish", "stream_key", p.Key, "protocol", p.Protocol, "remote", p.RemoteAddr,
		"video_codec", p.VideoCodec, "audio_codec", p.AudioCodec)
	return s, nil
}

// Consume parses MPEG-TS from src into s until src ends. A clean end of
// stream returns nil.
func (r *Registry) Consume(s *Stream, src io.Reader) error {
	rd := mpegts.NewReader(countingReader{r: src, s: s})
	for {
		f, err := rd.Next()
		s.ccErrors.Store(int64(rd.ContinuityErrors()))
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s stream %q: %w", s.Protocol, s.Key, err)
		}
		s.recordFrame(f)
		if r.onFrame != nil {
			r.onFrame(s.Key, f)
		}
	}
}

// Close unregisters s, signals Done and reports its final stats. err is the
// reason the stream ended, nil for a clean end of stream.
func (r *Registry) Close(s *Stream, err error) {
	r.mu.Lock()
	cur, ok := r.streams[s.Key]
	if ok && cur == s {
		delete(r.streams, s.Key)
	}
	r.mu.Unlock()
	if !ok || cur != s {
		return
	}
	close(s.done)

	st := s.Stats()
	r.log.Info("stream ended", "stream_key", s.Key, "protocol", s.Protocol,
		"bytes", st.BytesReceived, "reads", st.ReadCount,
		"video_frames", st.VideoFrames, "audio_frames", st.AudioFrames,
		"cc_errors", st.ContinuityErrors, "uptime_ms", st.Uptime.Milliseconds(),
		"error", err)
	if r.onEnd != nil {
		r.onEnd(st, err)
	}
}

// Get returns the active stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns stats for every active stream, sorted by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	out := make([]Stats, len(streams))
	for i, s := range streams {
		out[i] = s.Stats()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Shutdown refuses new streams. Active streams end when their servers
// close the connections.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

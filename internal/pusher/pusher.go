// Package pusher drains the mux queue onto the network. A Pusher connects
// and handshakes through a transport adapter, then muxes every popped unit
// into MPEG-TS with timestamps rebased to the first unit sent.
package pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/livepush/internal/media"
	"github.com/zsiec/livepush/internal/mpegts"
	"github.com/zsiec/livepush/internal/muxqueue"
	"github.com/zsiec/livepush/internal/transport"
)

// State is the connection state of a Pusher.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) terminal() bool { return s == StateFaulted || s == StateClosed }

var (
	// ErrNotStreaming is returned by Run before a successful Start.
	ErrNotStreaming = errors.New("pusher: not streaming")
	// ErrAlreadyStarted is returned by a second Start or Run.
	ErrAlreadyStarted = errors.New("pusher: already started")
)

// Source is the queue side of the pusher.
type Source interface {
	Pop(ctx context.Context) (muxqueue.Entry, error)
}

// DialFunc opens a transport connection; transport.Dial by default.
type DialFunc func(ctx context.Context, rawURL string, opts transport.Options) (transport.Conn, error)

// Config configures a Pusher.
type Config struct {
	URL          string
	Capabilities transport.Capabilities
	Transport    transport.Options
	Dial         DialFunc
	// Video and Audio select the elementary streams in the PMT; both when
	// neither is set.
	Video bool
	Audio bool
	// OnKeyframeNeeded is called from the send loop when video starts
	// waiting for a keyframe. It must not block.
	OnKeyframeNeeded func()
	Logger           *slog.Logger
}

// KindStats counts units sent for one stream kind.
type KindStats struct {
	Units int64
	Bytes int64
}

// Stats is a point-in-time snapshot of pusher counters.
type Stats struct {
	State            State
	Audio            KindStats
	Video            KindStats
	BytesWritten     int64
	SkippedVideo     int64
	SkippedAudio     int64
	KeyframeRequests int64
	ConnectedAt      time.Time
	LastPTS          time.Duration
}

// Pusher owns one transport connection for the life of a stream. It never
// reconnects: any transport failure moves it to StateFaulted.
type Pusher struct {
	cfg Config
	src Source
	log *slog.Logger

	state atomic.Int32

	mu          sync.Mutex
	conn        transport.Conn
	connClosed  bool
	runStarted  bool
	cancelRun   context.CancelFunc
	connectedAt time.Time
	err         error

	done    chan struct{}
	aborted atomic.Bool
	started atomic.Bool

	audio, video               kindCounters
	skippedVideo, skippedAudio atomic.Int64
	keyframeRequests, lastPTS  atomic.Int64
	bytesWritten               atomic.Int64
}

type kindCounters struct {
	units atomic.Int64
	bytes atomic.Int64
}

// New creates a pusher that will drain src once started.
func New(cfg Config, src Source) *Pusher {
	if cfg.Dial == nil {
		cfg.Dial = transport.Dial
	}
	if !cfg.Video && !cfg.Audio {
		cfg.Video, cfg.Audio = true, true
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = log
	}
	return &Pusher{
		cfg:  cfg,
		src:  src,
		log:  log.With("component", "pusher"),
		done: make(chan struct{}),
	}
}

// State returns the current connection state.
func (p *Pusher) State() State { return State(p.state.Load()) }

// setState moves to s unless a terminal state has already been reached.
func (p *Pusher) setState(s State) bool {
	for {
		cur := State(p.state.Load())
		if cur.terminal() {
			return false
		}
		if p.state.CompareAndSwap(int32(cur), int32(s)) {
			if cur != s {
				p.log.Debug("state", "from", cur.String(), "to", s.String())
			}
			return true
		}
	}
}

// Err returns the fault that moved the pusher to StateFaulted.
func (p *Pusher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pusher) fault(err error) error {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	if p.setState(StateFaulted) {
		p.log.Error("push fault", "error", err)
	}
	p.closeConn(false)
	return err
}

// Start connects and performs the publish handshake. Nothing is popped
// from the queue until Start succeeds.
func (p *Pusher) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if !p.setState(StateConnecting) {
		return transport.ErrClosed
	}
	conn, err := p.cfg.Dial(ctx, p.cfg.URL, p.cfg.Transport)
	if err != nil {
		return p.fault(err)
	}

	p.mu.Lock()
	if p.aborted.Load() {
		p.mu.Unlock()
		conn.Close(false)
		return transport.ErrClosed
	}
	p.conn = conn
	p.mu.Unlock()

	if !p.setState(StateHandshaking) {
		return transport.ErrClosed
	}
	if err := conn.Handshake(ctx, p.cfg.Capabilities); err != nil {
		if p.aborted.Load() {
			return transport.ErrClosed
		}
		return p.fault(err)
	}

	p.mu.Lock()
	p.connectedAt = time.Now()
	p.mu.Unlock()
	if !p.setState(StateStreaming) {
		return transport.ErrClosed
	}
	p.log.Info("streaming", "url", p.cfg.URL, "protocol", conn.Protocol(),
		"video_codec", p.cfg.Capabilities.VideoCodec, "audio_codec", p.cfg.Capabilities.AudioCodec)
	return nil
}

// Run pops entries and sends them until the source is closed and drained
// (graceful end, StateClosed, nil error), the pusher is aborted, or a
// transport error occurs (StateFaulted, the error is returned).
func (p *Pusher) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.runStarted {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	if p.aborted.Load() {
		p.mu.Unlock()
		return nil
	}
	if p.State() != StateStreaming {
		p.mu.Unlock()
		return ErrNotStreaming
	}
	p.runStarted = true
	ctx, p.cancelRun = context.WithCancel(ctx)
	conn := p.conn
	p.mu.Unlock()
	defer close(p.done)
	defer p.cancelRun()

	s := sender{
		p:   p,
		mux: mpegts.NewMuxer(&countingWriter{w: conn, n: &p.bytesWritten}, mpegts.MuxerOptions{Video: p.cfg.Video, Audio: p.cfg.Audio}),
	}
	s.waitingKey = p.cfg.Video

	for {
		e, err := p.src.Pop(ctx)
		if err != nil {
			if p.aborted.Load() {
				p.setState(StateClosed)
				return nil
			}
			if errors.Is(err, muxqueue.ErrClosed) {
				p.log.Info("queue drained, closing", "sent_video", p.video.units.Load(), "sent_audio", p.audio.units.Load())
				if cerr := p.closeConn(true); cerr != nil {
					p.log.Debug("close", "error", cerr)
				}
				p.setState(StateClosed)
				return nil
			}
			p.setState(StateClosed)
			p.closeConn(false)
			return err
		}
		if err := s.send(e); err != nil {
			if p.aborted.Load() {
				p.setState(StateClosed)
				return nil
			}
			return p.fault(err)
		}
	}
}

// Stop waits for Run to drain a closed queue and close the connection. The
// caller closes the queue first. A connected pusher whose Run has not begun
// yet is waited for as well, so nothing queued is lost. If ctx ends first,
// the pusher is aborted.
func (p *Pusher) Stop(ctx context.Context) error {
	if p.State() != StateStreaming && !p.running() {
		p.closeConn(true)
		p.setState(StateClosed)
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.log.Warn("stop timed out, aborting", "run_started", p.running())
		p.Abort()
		if p.running() {
			<-p.done
		}
		return ctx.Err()
	}
}

func (p *Pusher) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runStarted
}

// Abort closes the transport immediately, unblocking any write or pop.
func (p *Pusher) Abort() {
	if !p.aborted.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	cancel := p.cancelRun
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.closeConn(false)
	p.setState(StateClosed)
}

// Done is closed when Run returns.
func (p *Pusher) Done() <-chan struct{} { return p.done }

// Stats returns a snapshot of the pusher counters.
func (p *Pusher) Stats() Stats {
	p.mu.Lock()
	connectedAt := p.connectedAt
	p.mu.Unlock()
	return Stats{
		State:            p.State(),
		Audio:            KindStats{Units: p.audio.units.Load(), Bytes: p.audio.bytes.Load()},
		Video:            KindStats{Units: p.video.units.Load(), Bytes: p.video.bytes.Load()},
		BytesWritten:     p.bytesWritten.Load(),
		SkippedVideo:     p.skippedVideo.Load(),
		SkippedAudio:     p.skippedAudio.Load(),
		KeyframeRequests: p.keyframeRequests.Load(),
		ConnectedAt:      connectedAt,
		LastPTS:          time.Duration(p.lastPTS.Load()),
	}
}

// closeConn closes the connection once; later calls are no-ops.
func (p *Pusher) closeConn(graceful bool) error {
	p.mu.Lock()
	conn := p.conn
	if conn == nil || p.connClosed {
		p.mu.Unlock()
		return nil
	}
	p.connClosed = true
	p.mu.Unlock()
	return conn.Close(graceful)
}

// sender holds the send loop's per-stream state.
type sender struct {
	p          *Pusher
	mux        *mpegts.Muxer
	waitingKey bool
	requested  bool
	hasOrigin  bool
	origin     time.Duration
}

func (s *sender) send(e muxqueue.Entry) error {
	u := e.Unit
	p := s.p

	if u.Kind == media.KindVideo {
		if e.Discontinuity && !s.waitingKey {
			p.log.Debug("video discontinuity, waiting for keyframe", "seq", e.Seq)
			s.waitingKey, s.requested = true, false
		}
		if s.waitingKey {
			if !u.IsKeyframe {
				p.skippedVideo.Add(1)
				s.requestKeyframe()
				return nil
			}
			s.waitingKey = false
		}
	}

	origin := s.origin
	if !s.hasOrigin {
		origin = u.PTS
	}
	pts := media.Ticks90k(u.PTS - origin)
	dts := pts
	if u.DTS < u.PTS && u.DTS >= origin {
		dts = media.Ticks90k(u.DTS - origin)
	}

	before := p.bytesWritten.Load()
	if err := s.mux.WriteUnit(u, pts, dts); err != nil {
		switch {
		case errors.Is(err, mpegts.ErrNoAudioConfig):
			p.skippedAudio.Add(1)
			return nil
		case errors.Is(err, mpegts.ErrInvalidUnit):
			p.log.Warn("skipping unit", "kind", u.Kind.String(), "pts", u.PTS, "error", err)
			if u.Kind == media.KindAudio {
				p.skippedAudio.Add(1)
				return nil
			}
			p.skippedVideo.Add(1)
			s.waitingKey, s.requested = true, false
			s.requestKeyframe()
			return nil
		}
		return err
	}
	written := p.bytesWritten.Load() - before
	s.origin, s.hasOrigin = origin, true

	c := &p.audio
	if u.Kind == media.KindVideo {
		c = &p.video
	}
	c.units.Add(1)
	c.bytes.Add(written)
	p.lastPTS.Store(int64(u.PTS - s.origin))
	return nil
}

func (s *sender) requestKeyframe() {
	if s.requested {
		return
	}
	s.requested = true
	s.p.keyframeRequests.Add(1)
	if s.p.cfg.OnKeyframeNeeded != nil {
		s.p.cfg.OnKeyframeNeeded()
	}
}

// countingWriter adapts a transport.Conn to io.Writer and counts bytes.
type countingWriter struct {
	w interface{ Write([]byte) (int, error) }
	n *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

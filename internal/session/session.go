// Package session orchestrates one live push: two capture/encode chains
// feeding a mux queue that a pusher drains onto the network. A Session is
// single use; after it stops or faults, build a new one.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/livepush/internal/capture"
	"github.com/zsiec/livepush/internal/encoder"
	"github.com/zsiec/livepush/internal/media"
	"github.com/zsiec/livepush/internal/muxqueue"
	"github.com/zsiec/livepush/internal/pipeline"
	"github.com/zsiec/livepush/internal/pusher"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateReleased
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateReleased:
		return "released"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool { return s == StateReleased || s == StateFaulted }

// ChainStats combines a chain's counters with its encoder's.
type ChainStats struct {
	pipeline.Stats
	Encoder encoder.Stats
}

// Stats is a point-in-time snapshot of the whole session.
type Stats struct {
	ID     string
	State  State
	Queue  muxqueue.Stats
	Pusher pusher.Stats
	Audio  ChainStats
	Video  ChainStats
}

// Session is one push from two sources to one ingest URL.
type Session struct {
	cfg Config
	id  uuid.UUID
	log *slog.Logger
	rep *reporter

	queue  *muxqueue.Queue
	pusher *pusher.Pusher
	chains [2]*pipeline.Chain // indexed by media.Kind.Rank()

	mu        sync.Mutex
	state     State
	lifeCtx   context.Context
	cancel    context.CancelFunc
	startDone chan struct{}
	closers   []func()

	wg          sync.WaitGroup
	releaseOnce sync.Once
	done        chan struct{}
}

// New validates cfg and builds an idle session. Nothing is opened until
// Start.
func New(cfg Config) (*Session, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	base := cfg.Logger.With("session_id", id.String())
	s := &Session{
		cfg:       cfg,
		id:        id,
		log:       base.With("component", "session"),
		done:      make(chan struct{}),
		startDone: make(chan struct{}),
	}
	s.lifeCtx, s.cancel = context.WithCancel(context.Background())

	qopts := *cfg.Queue
	qopts.Logger = base
	s.queue, err = muxqueue.New(cfg.CacheSize, qopts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	topts := cfg.Transport
	topts.Logger = base
	s.pusher = pusher.New(pusher.Config{
		URL:              cfg.URL,
		Capabilities:     cfg.Capabilities,
		Transport:        topts,
		Dial:             cfg.Dial,
		OnKeyframeNeeded: cfg.Video.Encoder.RequestKeyframe,
		Logger:           base,
	}, s.queue)

	for _, st := range []Stream{cfg.Audio, cfg.Video} {
		kind := st.Source.Kind()
		c, err := pipeline.New(pipeline.Config{
			Source:       st.Source,
			Encoder:      st.Encoder,
			Queue:        s.queue,
			OnFault:      s.chainFault(kind),
			FlushTimeout: cfg.FlushTimeout,
			Logger:       base,
		})
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.chains[kind.Rank()] = c
	}
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id.String() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has released everything, whether it was
// stopped, released or faulted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of every component's counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:     s.ID(),
		State:  s.State(),
		Queue:  s.queue.Stats(),
		Pusher: s.pusher.Stats(),
		Audio:  s.chainStats(media.KindAudio),
		Video:  s.chainStats(media.KindVideo),
	}
}

func (s *Session) chainStats(k media.Kind) ChainStats {
	enc := s.cfg.Audio.Encoder
	if k == media.KindVideo {
		enc = s.cfg.Video.Encoder
	}
	return ChainStats{Stats: s.chains[k.Rank()].Stats(), Encoder: enc.Stats()}
}

// Start opens both sources, starts both encoders and connects the pusher.
// On any failure everything opened so far is closed in reverse order, the
// fault is reported and the session ends Faulted.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle || s.lifeCtx.Err() != nil {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrInvalidState, st)
	}
	s.state = StateStarting
	s.rep = newReporter(s.cfg.Callback, s.log)
	s.mu.Unlock()
	defer close(s.startDone)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.lifeCtx, cancel)
	defer stop()

	s.log.Info("starting", "url", s.cfg.URL, "cache_size", s.cfg.CacheSize,
		"audio_policy", s.cfg.Queue.Audio.String(), "video_policy", s.cfg.Queue.Video.String())

	if kind, err := s.open(ctx); err != nil {
		return s.startFailed(kind, err)
	}

	s.mu.Lock()
	if s.lifeCtx.Err() != nil {
		// Released while starting; the releaser finishes the teardown.
		s.mu.Unlock()
		return fmt.Errorf("%w: released during start", ErrInvalidState)
	}
	s.state = StateStreaming
	for _, c := range s.chains {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.Run(s.lifeCtx)
		}()
	}
	s.wg.Add(2)
	go s.drain()
	go s.endWhenChainsEnd()
	s.mu.Unlock()

	s.log.Info("streaming", "stream_key", s.cfg.Capabilities.StreamKey)
	return nil
}

// open acquires every resource in dependency order, pushing a closer for
// each. The returned kind names the fault on failure.
func (s *Session) open(ctx context.Context) (FaultKind, error) {
	for _, st := range []Stream{s.cfg.Audio, s.cfg.Video} {
		src := st.Source
		if err := src.Open(ctx); err != nil {
			return captureFault(src.Kind()), wrapCapture(src.Kind(), err)
		}
		s.addCloser(func() {
			if err := src.Close(); err != nil {
				s.log.Warn("source close failed", "kind", src.Kind().String(), "error", err)
			}
		})
	}
	for _, st := range []Stream{s.cfg.Audio, s.cfg.Video} {
		enc := st.Encoder
		if err := enc.Start(s.lifeCtx, s.chains[enc.Kind().Rank()].Sink()); err != nil {
			return encodeFault(enc.Kind()), err
		}
		s.addCloser(func() {
			if err := enc.Close(); err != nil {
				s.log.Warn("encoder close failed", "kind", enc.Kind().String(), "error", err)
			}
		})
	}
	s.addCloser(s.pusher.Abort)
	if err := s.pusher.Start(ctx); err != nil {
		return FaultPush, err
	}
	return 0, nil
}

func (s *Session) addCloser(fn func()) {
	s.mu.Lock()
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}

// startFailed unwinds what open acquired. A failure caused by a concurrent
// Release is not a fault.
func (s *Session) startFailed(kind FaultKind, err error) error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}

	if s.lifeCtx.Err() != nil {
		return fmt.Errorf("%w: released during start: %w", ErrInvalidState, err)
	}
	s.log.Error("start failed", "fault", kind.String(), "error", err)
	s.rep.report(Fault{Kind: kind, Err: err})
	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateFaulted
	}
	s.mu.Unlock()
	go s.teardown(StateFaulted)
	return err
}

// drain runs the pusher. A pusher fault ends the whole session.
func (s *Session) drain() {
	defer s.wg.Done()
	err := s.pusher.Run(s.lifeCtx)
	if err == nil || s.pusher.State() != pusher.StateFaulted {
		return
	}
	s.rep.report(Fault{Kind: FaultPush, Err: err})
	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateFaulted
	}
	s.mu.Unlock()
	go s.teardown(StateFaulted)
}

// endWhenChainsEnd closes the queue once both producers are gone, so the
// pusher drains what is left and the session ends on its own.
func (s *Session) endWhenChainsEnd() {
	defer s.wg.Done()
	for _, c := range s.chains {
		select {
		case <-c.Done():
		case <-s.lifeCtx.Done():
			return
		}
	}
	s.queue.Close()

	select {
	case <-s.pusher.Done():
	case <-s.lifeCtx.Done():
		return
	}
	s.mu.Lock()
	streaming := s.state == StateStreaming && s.lifeCtx.Err() == nil
	s.mu.Unlock()
	if streaming && s.pusher.State() != pusher.StateFaulted {
		s.log.Info("both streams ended")
		go s.teardown(StateReleased)
	}
}

// Stop ends the stream gracefully: capture stops, encoders flush into the
// queue, the queue closes and the pusher drains it and closes the
// connection. If ctx ends first the session is released abruptly.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStreaming:
		s.state = StateStopping
	case StateIdle:
		s.mu.Unlock()
		s.Release()
		return nil
	default:
		st := s.state
		s.mu.Unlock()
		if st.terminal() || st == StateStopping {
			<-s.done
			return nil
		}
		return fmt.Errorf("%w: stop in %s", ErrInvalidState, st)
	}
	s.mu.Unlock()
	s.log.Info("stopping")

	for _, c := range s.chains {
		c.Stop()
	}
	for _, c := range s.chains {
		select {
		case <-c.Done():
		case <-ctx.Done():
			s.log.Warn("stop timed out waiting for encoders")
			s.Release()
			return ctx.Err()
		}
	}
	s.queue.Close()
	err := s.pusher.Stop(ctx)
	s.Release()
	return err
}

// Release tears everything down at once. It is safe to call any number of
// times, from any goroutine and in any state, including from a Callback;
// every call returns after teardown has completed.
func (s *Session) Release() {
	s.teardown(StateReleased)
}

func (s *Session) teardown(final State) {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		starting := s.state == StateStarting
		started := s.state != StateIdle
		s.cancel()
		s.mu.Unlock()

		if starting {
			<-s.startDone
		}
		s.pusher.Abort()
		s.queue.Abort()
		// A chain may be blocked in a device read that ignores cancellation;
		// closing the source unblocks it. The closers below then find it closed.
		for _, st := range []Stream{s.cfg.Audio, s.cfg.Video} {
			if err := st.Source.Close(); err != nil {
				s.log.Warn("source close failed", "kind", st.Source.Kind().String(), "error", err)
			}
		}
		s.wg.Wait()

		s.mu.Lock()
		closers := s.closers
		s.closers = nil
		s.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}

		s.mu.Lock()
		if !s.state.terminal() {
			s.state = final
		}
		st := s.state
		s.mu.Unlock()
		if started {
			s.rep.close()
		}
		close(s.done)
		s.log.Info("released", "state", st.String())
	})
	<-s.done
}

func (s *Session) chainFault(kind media.Kind) func(pipeline.Stage, error) {
	return func(stage pipeline.Stage, err error) {
		fk := captureFault(kind)
		if stage == pipeline.StageEncode {
			fk = encodeFault(kind)
		}
		s.rep.report(Fault{Kind: fk, Err: err, At: time.Now()})
	}
}

func captureFault(k media.Kind) FaultKind {
	if k == media.KindAudio {
		return FaultAudioCapture
	}
	return FaultVideoCapture
}

func encodeFault(k media.Kind) FaultKind {
	if k == media.KindAudio {
		return FaultAudioEncode
	}
	return FaultVideoEncode
}

func wrapCapture(k media.Kind, err error) error {
	if _, ok := err.(*capture.Error); ok {
		return err
	}
	return &capture.Error{Kind: k, Err: err}
}

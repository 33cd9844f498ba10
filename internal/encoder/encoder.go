// Package encoder turns raw capture samples into encoded access units. An
// Encoder owns one worker goroutine per stream that runs a pluggable Backend,
// restores presentation order and hands each unit to a Sink.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/livepush/internal/media"
)

var (
	// ErrUnsupportedFormat is returned when a sample's format or geometry
	// does not match what the backend was configured for.
	ErrUnsupportedFormat = errors.New("unsupported sample format")
	// ErrCodecSaturated is returned when the codec cannot keep up or ran
	// out of resources (the encoder process died, a pipe filled, ...).
	ErrCodecSaturated = errors.New("codec resources exhausted")
	// ErrClosed is returned by Feed after Flush or Close.
	ErrClosed = errors.New("encoder closed")
	// ErrNotStarted is returned by Feed before Start.
	ErrNotStarted = errors.New("encoder not started")
)

// Error is a terminal encoding failure for one stream.
type Error struct {
	Kind media.Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s encoder: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Backend performs the actual encoding. Start, Encode and Flush are called
// from a single goroutine. Encode may return zero or more units per sample;
// codecs with look-ahead return them later, or from Flush. Close may run
// while Encode or Flush is blocked and must make it return.
type Backend interface {
	Start(ctx context.Context) error
	Encode(s *media.Sample) ([]*media.Unit, error)
	Flush() ([]*media.Unit, error)
	Close() error
}

// KeyframeRequester is implemented by backends that can force the next
// output unit to be a keyframe. RequestKeyframe may be called from any
// goroutine.
type KeyframeRequester interface {
	RequestKeyframe()
}

// Sink receives encoded units in presentation order. An error stops the
// encoder without marking it failed.
type Sink func(ctx context.Context, u *media.Unit) error

// Options tunes the runner around a backend.
type Options struct {
	// LookAhead bounds the samples queued between Feed and the backend.
	LookAhead int
	// ReorderDepth is the number of units held back to restore
	// presentation order. Zero suits backends that never reorder.
	ReorderDepth int
	Logger       *slog.Logger
}

// Stats is a point-in-time snapshot of encoder counters.
type Stats struct {
	Fed       int64
	Emitted   int64
	Restamped int64
}

// Encoder runs one backend for one stream kind.
type Encoder struct {
	kind    media.Kind
	backend Backend
	opts    Options
	log     *slog.Logger

	in       chan *media.Sample
	flushReq chan chan error
	done     chan struct{}
	sink     Sink
	cancel   context.CancelFunc

	started   atomic.Bool
	flushOnce sync.Once
	flushErr  error
	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error

	reorder    reorderBuffer
	lastPTS    time.Duration
	hasLast    bool
	lastParams *media.CodecParams
	sentFirst  bool

	fed       atomic.Int64
	emitted   atomic.Int64
	restamped atomic.Int64
}

// New creates an encoder for kind around backend. Start must be called
// before Feed.
func New(kind media.Kind, backend Backend, opts Options) *Encoder {
	if opts.LookAhead <= 0 {
		opts.LookAhead = 4
	}
	if opts.ReorderDepth < 0 {
		opts.ReorderDepth = 0
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{
		kind:     kind,
		backend:  backend,
		opts:     opts,
		log:      log.With("component", "encoder", "kind", kind.String()),
		in:       make(chan *media.Sample, opts.LookAhead),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
		reorder:  reorderBuffer{depth: opts.ReorderDepth},
	}
}

// Kind reports which stream this encoder serves.
func (e *Encoder) Kind() media.Kind { return e.kind }

// Start starts the backend and the worker goroutine. Units are delivered to
// sink until Flush, Close, a backend failure or cancellation of ctx.
func (e *Encoder) Start(ctx context.Context, sink Sink) error {
	if sink == nil {
		return errors.New("encoder: nil sink")
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("encoder: already started")
	}
	if err := e.backend.Start(ctx); err != nil {
		err = &Error{Kind: e.kind, Err: err}
		e.setErr(err)
		close(e.done)
		return err
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.sink = sink
	go e.run(ctx)
	e.log.Debug("encoder started", "look_ahead", e.opts.LookAhead, "reorder_depth", e.opts.ReorderDepth)
	return nil
}

// Feed queues one sample for encoding, blocking while the look-ahead
// window is full. After a terminal failure it returns the *Error.
func (e *Encoder) Feed(ctx context.Context, s *media.Sample) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if err := e.Err(); err != nil {
		return err
	}
	if s == nil || s.Kind != e.kind {
		return &Error{Kind: e.kind, Err: fmt.Errorf("%w: sample kind mismatch", ErrUnsupportedFormat)}
	}
	select {
	case <-e.done:
		return e.errOr(ErrClosed)
	default:
	}
	select {
	case e.in <- s:
		e.fed.Add(1)
		return nil
	case <-e.done:
		return e.errOr(ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush drains the look-ahead window and the backend, emits every held
// unit and stops the worker. Only the first call does anything; later calls
// return its result.
func (e *Encoder) Flush(ctx context.Context) error {
	e.flushOnce.Do(func() {
		if !e.started.Load() {
			e.flushErr = ErrNotStarted
			return
		}
		reply := make(chan error, 1)
		select {
		case e.flushReq <- reply:
		case <-e.done:
			e.flushErr = e.Err()
			return
		case <-ctx.Done():
			e.flushErr = ctx.Err()
			return
		}
		select {
		case e.flushErr = <-reply:
		case <-ctx.Done():
			e.flushErr = ctx.Err()
		}
	})
	return e.flushErr
}

// RequestKeyframe asks the backend to make its next unit a keyframe. It is
// a no-op for backends that cannot.
func (e *Encoder) RequestKeyframe() {
	if kr, ok := e.backend.(KeyframeRequester); ok {
		e.log.Debug("keyframe requested")
		kr.RequestKeyframe()
	}
}

// Close stops the worker without flushing and releases the backend. It is
// idempotent.
func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		// The worker may be blocked inside the backend, e.g. writing to a
		// wedged subprocess; closing the backend first releases it.
		e.closeErr = e.backend.Close()
		if e.started.Load() {
			<-e.done
		}
	})
	return e.closeErr
}

// Err returns the terminal error, if any.
func (e *Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done is closed when the worker exits for any reason.
func (e *Encoder) Done() <-chan struct{} { return e.done }

// Stats returns a snapshot of the encoder counters.
func (e *Encoder) Stats() Stats {
	return Stats{
		Fed:       e.fed.Load(),
		Emitted:   e.emitted.Load(),
		Restamped: e.restamped.Load(),
	}
}

func (e *Encoder) setErr(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *Encoder) errOr(fallback error) error {
	if err := e.Err(); err != nil {
		return err
	}
	return fallback
}

func (e *Encoder) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case s := <-e.in:
			if err := e.encode(ctx, s); err != nil {
				if ctx.Err() == nil {
					e.stop(err)
				}
				return
			}
		case reply := <-e.flushReq:
			err := e.drain(ctx)
			if err != nil {
				e.stop(err)
			}
			reply <- err
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Encoder) stop(err error) {
	var encErr *Error
	if errors.As(err, &encErr) {
		e.log.Error("encoder failed", "error", err)
	} else {
		e.log.Debug("encoder stopped", "reason", err)
	}
	e.setErr(err)
}

func (e *Encoder) drain(ctx context.Context) error {
	for len(e.in) > 0 {
		if err := e.encode(ctx, <-e.in); err != nil {
			return err
		}
	}
	units, err := e.backend.Flush()
	if err != nil {
		return &Error{Kind: e.kind, Err: err}
	}
	for _, u := range units {
		if err := e.deliver(ctx, e.reorder.push(u)); err != nil {
			return err
		}
	}
	if err := e.deliver(ctx, e.reorder.drain()); err != nil {
		return err
	}
	e.log.Debug("encoder flushed", "emitted", e.emitted.Load())
	return nil
}

func (e *Encoder) encode(ctx context.Context, s *media.Sample) error {
	units, err := e.backend.Encode(s)
	if err != nil {
		var encErr *Error
		if errors.As(err, &encErr) {
			return err
		}
		return &Error{Kind: e.kind, Err: err}
	}
	for _, u := range units {
		if err := e.deliver(ctx, e.reorder.push(u)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) deliver(ctx context.Context, units []*media.Unit) error {
	for _, u := range units {
		u.Kind = e.kind
		if e.hasLast && u.PTS < e.lastPTS {
			u.PTS = e.lastPTS
			if u.DTS > u.PTS {
				u.DTS = u.PTS
			}
			e.restamped.Add(1)
		}
		e.lastPTS, e.hasLast = u.PTS, true
		e.attachParams(u)
		if err := e.sink(ctx, u); err != nil {
			return err
		}
		e.emitted.Add(1)
	}
	return nil
}

// attachParams keeps the most recent codec parameters and attaches them to
// every video keyframe and to the first audio unit, so a receiver joining at
// any keyframe can start decoding.
func (e *Encoder) attachParams(u *media.Unit) {
	if u.Params != nil {
		e.lastParams = u.Params
	} else if e.lastParams != nil {
		if (e.kind == media.KindVideo && u.IsKeyframe) || (e.kind == media.KindAudio && !e.sentFirst) {
			u.Params = e.lastParams
		}
	}
	e.sentFirst = true
}

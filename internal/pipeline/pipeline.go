// Package pipeline runs the per-stream half of a push session: samples are
// read from a capture source, fed to an encoder, and the encoder's units are
// pushed into the shared mux queue. One Chain serves one stream kind; a
// failure in one chain never touches the other.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/livepush/internal/capture"
	"github.com/zsiec/livepush/internal/encoder"
	"github.com/zsiec/livepush/internal/media"
)

// Stage names where a chain failed.
type Stage int

const (
	StageCapture Stage = iota
	StageEncode
)

func (s Stage) String() string {
	switch s {
	case StageCapture:
		return "capture"
	case StageEncode:
		return "encode"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Encoder is the subset of *encoder.Encoder a chain drives. The encoder is
// started by the owner with Chain.Sink before Run.
type Encoder interface {
	Kind() media.Kind
	Feed(ctx context.Context, s *media.Sample) error
	Flush(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Queue is where encoded units go.
type Queue interface {
	Push(ctx context.Context, u *media.Unit) error
	EndKind(k media.Kind)
}

// Config wires one chain.
type Config struct {
	Source  capture.Source
	Encoder Encoder
	Queue   Queue
	// OnFault receives the chain's first capture or encode failure, once.
	OnFault func(stage Stage, err error)
	// FlushTimeout bounds the encoder flush at the end of the stream.
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

// Stats is a point-in-time snapshot of chain counters.
type Stats struct {
	Captured int64
	Queued   int64
	LastPTS  time.Duration
	Ended    bool
}

// Chain moves one stream from its source to the mux queue.
type Chain struct {
	cfg  Config
	kind media.Kind
	log  *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	captured atomic.Int64
	queued   atomic.Int64
	lastPTS  atomic.Int64
	ended    atomic.Bool
}

// New creates a chain. Source, Encoder and Queue must be non-nil and the
// source and encoder must serve the same kind.
func New(cfg Config) (*Chain, error) {
	if cfg.Source == nil || cfg.Encoder == nil || cfg.Queue == nil {
		return nil, errors.New("pipeline: source, encoder and queue are required")
	}
	if cfg.Source.Kind() != cfg.Encoder.Kind() {
		return nil, fmt.Errorf("pipeline: %s source paired with %s encoder", cfg.Source.Kind(), cfg.Encoder.Kind())
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	kind := cfg.Source.Kind()
	return &Chain{
		cfg:  cfg,
		kind: kind,
		log:  log.With("component", "pipeline", "kind", kind.String()),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Kind reports which stream the chain carries.
func (c *Chain) Kind() media.Kind { return c.kind }

// Sink is the encoder sink that pushes units into the queue.
func (c *Chain) Sink() encoder.Sink {
	return func(ctx context.Context, u *media.Unit) error {
		if err := c.cfg.Queue.Push(ctx, u); err != nil {
			return err
		}
		c.queued.Add(1)
		return nil
	}
}

// Stop asks the capture loop to end. Run then flushes the encoder, closes
// the source and ends the kind in the queue.
func (c *Chain) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Done is closed when Run returns.
func (c *Chain) Done() <-chan struct{} { return c.done }

// Stats returns a snapshot of the chain counters.
func (c *Chain) Stats() Stats {
	return Stats{
		Captured: c.captured.Load(),
		Queued:   c.queued.Load(),
		LastPTS:  time.Duration(c.lastPTS.Load()),
		Ended:    c.ended.Load(),
	}
}

// Run reads, feeds and flushes until the source ends, Stop is called, the
// encoder fails or ctx is cancelled. Cancelling ctx abandons the stream
// without a flush. The returned error is the fault passed to OnFault.
func (c *Chain) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: chain already running")
	}
	defer close(c.done)

	capCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
		case <-c.cfg.Encoder.Done():
		case <-capCtx.Done():
		}
		cancel()
	}()

	stage, fault := c.capture(capCtx)

	if fault == nil || stage == StageCapture {
		if err := c.encoderFault(); err != nil {
			stage, fault = StageEncode, err
		}
	}

	if (fault == nil || stage == StageCapture) && ctx.Err() == nil {
		fctx, fcancel := context.WithTimeout(ctx, c.cfg.FlushTimeout)
		err := c.cfg.Encoder.Flush(fctx)
		fcancel()
		var encErr *encoder.Error
		switch {
		case errors.As(err, &encErr) && fault == nil:
			stage, fault = StageEncode, err
		case err != nil && !errors.As(err, &encErr):
			c.log.Debug("flush ended early", "error", err)
		}
	}

	if err := c.cfg.Source.Close(); err != nil {
		c.log.Warn("source close failed", "error", err)
	}
	c.ended.Store(true)

	if fault != nil {
		c.log.Error("chain failed", "stage", stage.String(), "error", fault)
		if c.cfg.OnFault != nil {
			c.cfg.OnFault(stage, fault)
		}
	} else {
		c.log.Info("chain ended", "captured", c.captured.Load(), "queued", c.queued.Load())
	}
	c.cfg.Queue.EndKind(c.kind)
	return fault
}

// capture runs the read/feed loop. A nil error means the loop ended
// without a fault of its own.
func (c *Chain) capture(ctx context.Context) (Stage, error) {
	for {
		s, err := c.cfg.Source.ReadSample(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.log.Info("source ended")
				return StageCapture, nil
			case ctx.Err() != nil:
				return StageCapture, nil
			}
			var cerr *capture.Error
			if !errors.As(err, &cerr) {
				err = &capture.Error{Kind: c.kind, Err: err}
			}
			return StageCapture, err
		}
		c.captured.Add(1)
		c.lastPTS.Store(int64(s.PTS))

		if err := c.cfg.Encoder.Feed(ctx, s); err != nil {
			var encErr *encoder.Error
			if errors.As(err, &encErr) {
				return StageEncode, err
			}
			// Cancellation, or the encoder stopped because the queue went away.
			return StageCapture, nil
		}
	}
}

// encoderFault returns the encoder's terminal *encoder.Error, if the worker
// has already stopped with one.
func (c *Chain) encoderFault() error {
	select {
	case <-c.cfg.Encoder.Done():
	default:
		return nil
	}
	err := c.cfg.Encoder.Err()
	var encErr *encoder.Error
	if errors.As(err, &encErr) {
		return err
	}
	return nil
}

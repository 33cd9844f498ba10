package encoder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/livepush/internal/media"
)

type fakeBackend struct {
	mu       sync.Mutex
	startErr error
	failAt   int
	pts      []time.Duration // overrides output PTS in order
	params   *media.CodecParams
	encoded  int
	flushes  int
	closes   int
	held     []*media.Unit
	holdAll  bool
	kfAsked  int
}

func (b *fakeBackend) Start(context.Context) error { return b.startErr }

func (b *fakeBackend) Encode(s *media.Sample) ([]*media.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encoded++
	if b.failAt > 0 && b.encoded == b.failAt {
		return nil, ErrCodecSaturated
	}
	u := &media.Unit{PTS: s.PTS, DTS: s.PTS, Payload: s.Payload, IsKeyframe: s.IsKeyframe}
	if i := b.encoded - 1; i < len(b.pts) {
		u.PTS, u.DTS = b.pts[i], b.pts[i]
	}
	if b.encoded == 1 {
		u.Params = b.params
	}
	if b.holdAll {
		b.held = append(b.held, u)
		return nil, nil
	}
	return []*media.Unit{u}, nil
}

func (b *fakeBackend) Flush() ([]*media.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	out := b.held
	b.held = nil
	return out, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *fakeBackend) RequestKeyframe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kfAsked++
}

type collector struct {
	mu    sync.Mutex
	units []*media.Unit
	err   error
}

func (c *collector) sink(_ context.Context, u *media.Unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.units = append(c.units, u)
	return nil
}

func (c *collector) pts() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.units))
	for i, u := range c.units {
		out[i] = u.PTS
	}
	return out
}

func videoSample(ms int, key bool) *media.Sample {
	return &media.Sample{
		Kind:       media.KindVideo,
		PTS:        time.Duration(ms) * time.Millisecond,
		Payload:    []byte{byte(ms)},
		IsKeyframe: key,
	}
}

func feedAll(t *testing.T, e *Encoder, samples ...*media.Sample) {
	t.Helper()
	for _, s := range samples {
		require.NoError(t, e.Feed(context.Background(), s))
	}
}

func TestEncoderDeliversAndFlushes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := &fakeBackend{holdAll: true}
	var c collector
	e := New(media.KindVideo, b, Options{})
	require.NoError(t, e.Start(ctx, c.sink))

	feedAll(t, e, videoSample(0, true), videoSample(33, false), videoSample(66, false))
	require.NoError(t, e.Flush(ctx))
	require.NoError(t, e.Flush(ctx), "second flush returns the first result")

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{0, 33 * ms, 66 * ms}, c.pts())
	assert.Equal(t, 1, b.flushes)
	assert.Equal(t, Stats{Fed: 3, Emitted: 3}, e.Stats())

	<-e.Done()
	assert.ErrorIs(t, e.Feed(ctx, videoSample(99, false)), ErrClosed)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, b.closes)
}

func TestEncoderReordersWithinDepth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ms := time.Millisecond
	b := &fakeBackend{pts: []time.Duration{0, 66 * ms, 33 * ms, 133 * ms, 100 * ms}}
	var c collector
	e := New(media.KindVideo, b, Options{ReorderDepth: 2})
	require.NoError(t, e.Start(ctx, c.sink))

	for i := range 5 {
		feedAll(t, e, videoSample(i*33, i == 0))
	}
	require.NoError(t, e.Flush(ctx))

	assert.Equal(t, []time.Duration{0, 33 * ms, 66 * ms, 100 * ms, 133 * ms}, c.pts())
	assert.Zero(t, e.Stats().Restamped)
}

func TestEncoderRestampsBackwardsPTS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ms := time.Millisecond
	b := &fakeBackend{pts: []time.Duration{0, 66 * ms, 33 * ms}}
	var c collector
	e := New(media.KindVideo, b, Options{})
	require.NoError(t, e.Start(ctx, c.sink))

	feedAll(t, e, videoSample(0, true), videoSample(33, false), videoSample(66, false))
	require.NoError(t, e.Flush(ctx))

	assert.Equal(t, []time.Duration{0, 66 * ms, 66 * ms}, c.pts())
	assert.Equal(t, int64(1), e.Stats().Restamped)
}

func TestEncoderFailureIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := &fakeBackend{failAt: 2}
	var c collector
	e := New(media.KindAudio, b, Options{})
	require.NoError(t, e.Start(ctx, c.sink))

	sample := func(ms int) *media.Sample {
		return &media.Sample{Kind: media.KindAudio, PTS: time.Duration(ms) * time.Millisecond}
	}
	feedAll(t, e, sample(0), sample(23))

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("encoder did not stop after backend failure")
	}

	var encErr *Error
	require.ErrorAs(t, e.Err(), &encErr)
	assert.Equal(t, media.KindAudio, encErr.Kind)
	assert.ErrorIs(t, e.Err(), ErrCodecSaturated)

	err := e.Feed(ctx, sample(46))
	assert.ErrorIs(t, err, ErrCodecSaturated, "feed reports the terminal error")
	assert.ErrorIs(t, e.Flush(ctx), ErrCodecSaturated)
	assert.Len(t, c.pts(), 1)
	require.NoError(t, e.Close())
}

func TestEncoderSinkErrorStops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stop := errors.New("queue closed")
	c := collector{err: stop}
	e := New(media.KindVideo, &fakeBackend{}, Options{})
	require.NoError(t, e.Start(ctx, c.sink))

	feedAll(t, e, videoSample(0, true))
	<-e.Done()

	var encErr *Error
	assert.False(t, errors.As(e.Err(), &encErr), "a sink error is not an encode fault")
	assert.ErrorIs(t, e.Err(), stop)
}

func TestEncoderAttachesParamsToKeyframes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	params := &media.CodecParams{SPS: []byte{0x67}, PPS: []byte{0x68}}
	var c collector
	e := New(media.KindVideo, &fakeBackend{params: params}, Options{})
	require.NoError(t, e.Start(ctx, c.sink))

	feedAll(t, e, videoSample(0, true), videoSample(33, false), videoSample(66, true))
	require.NoError(t, e.Flush(ctx))

	require.Len(t, c.units, 3)
	assert.Same(t, params, c.units[0].Params)
	assert.Nil(t, c.units[1].Params)
	assert.Same(t, params, c.units[2].Params)
	for _, u := range c.units {
		assert.Equal(t, media.KindVideo, u.Kind)
	}
}

func TestEncoderRejectsWrongKind(t *testing.T) {
	t.Parallel()
	var c collector
	e := New(media.KindAudio, &fakeBackend{}, Options{})
	assert.ErrorIs(t, e.Feed(context.Background(), videoSample(0, true)), ErrNotStarted)

	require.NoError(t, e.Start(context.Background(), c.sink))
	defer e.Close()
	assert.ErrorIs(t, e.Feed(context.Background(), videoSample(0, true)), ErrUnsupportedFormat)
}

func TestEncoderStartFailure(t *testing.T) {
	t.Parallel()
	var c collector
	e := New(media.KindVideo, &fakeBackend{startErr: ErrUnsupportedFormat}, Options{})

	err := e.Start(context.Background(), c.sink)
	var encErr *Error
	require.ErrorAs(t, err, &encErr)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	<-e.Done()
	require.NoError(t, e.Close())
}

func TestEncoderFeedHonoursContext(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	sink := func(ctx context.Context, _ *media.Unit) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}
	e := New(media.KindVideo, &fakeBackend{}, Options{LookAhead: 1})
	require.NoError(t, e.Start(context.Background(), sink))
	defer func() {
		close(block)
		e.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var err error
	for i := range 10 {
		if err = e.Feed(ctx, videoSample(i, false)); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEncoderRequestKeyframe(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	e := New(media.KindVideo, b, Options{})
	e.RequestKeyframe()
	assert.Equal(t, 1, b.kfAsked)

	New(media.KindVideo, NewH264Passthrough(), Options{}).RequestKeyframe()
}

// stuckBackend blocks in Encode until it is closed, like a write to a
// subprocess that stopped reading its input.
type stuckBackend struct {
	fakeBackend
	entered   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (b *stuckBackend) Encode(*media.Sample) ([]*media.Unit, error) {
	close(b.entered)
	<-b.closed
	return nil, errors.New("write to encoder: file already closed")
}

func (b *stuckBackend) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func TestEncoderCloseUnblocksStuckBackend(t *testing.T) {
	t.Parallel()
	b := &stuckBackend{entered: make(chan struct{}), closed: make(chan struct{})}
	var c collector
	e := New(media.KindVideo, b, Options{})
	require.NoError(t, e.Start(context.Background(), c.sink))
	feedAll(t, e, videoSample(0, true))
	<-b.entered

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked behind a stuck encode")
	}
	<-e.Done()
	assert.NoError(t, e.Err(), "a close is not an encode fault")
}

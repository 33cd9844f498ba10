// Package muxqueue implements the bounded, time-ordered merge point between
// the audio and video encoders and the network pusher.
//
// Entries are ordered by presentation timestamp, audio before video at equal
// timestamps, then by insertion order. The queue never holds more than its
// capacity. What happens when a producer finds it full is chosen per kind:
// block, evict according to a drop rule, or fail fast.
package muxqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/livepush/internal/media"
)

var (
	// ErrQueueFull is returned by a non-blocking push when the queue is at
	// capacity and the kind's policy does not drop.
	ErrQueueFull = errors.New("muxqueue: queue full")
	// ErrClosed is returned by Push after Close, and by Pop once a closed
	// queue has been drained.
	ErrClosed = errors.New("muxqueue: queue closed")
)

// Policy decides what a push does when the queue is full.
type Policy int

const (
	// PolicyBlock waits for space. No unit is ever lost.
	PolicyBlock Policy = iota
	// PolicyDropOldest evicts the oldest evictable unit of the same kind.
	// For video it never evicts from the newest keyframe-bounded GOP; if
	// nothing is evictable the incoming unit is dropped instead.
	PolicyDropOldest
	// PolicyReject returns ErrQueueFull immediately.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop-oldest"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "block", "":
		return PolicyBlock, nil
	case "drop-oldest", "drop":
		return PolicyDropOldest, nil
	case "reject":
		return PolicyReject, nil
	}
	return 0, fmt.Errorf("muxqueue: unknown policy %q", s)
}

// Options configures a Queue.
type Options struct {
	Audio Policy
	Video Policy
	// MaxSkew is how long the head entry may wait for the other kind to
	// catch up before it is released anyway.
	MaxSkew time.Duration
	Logger  *slog.Logger
}

// DefaultOptions blocks audio, drops video, and waits up to 500ms for skew.
func DefaultOptions() Options {
	return Options{
		Audio:   PolicyBlock,
		Video:   PolicyDropOldest,
		MaxSkew: 500 * time.Millisecond,
	}
}

// Entry is one queued unit.
type Entry struct {
	Unit *media.Unit
	Seq  uint64
	// Discontinuity marks the first video entry popped after one or more
	// video units were dropped ahead of it.
	Discontinuity bool

	enqueued time.Time
}

// KindStats counts per-kind traffic through the queue.
type KindStats struct {
	Pushed  uint64
	Popped  uint64
	Dropped uint64
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Len       int
	Capacity  int
	HighWater int
	Audio     KindStats
	Video     KindStats
	Restamped uint64
}

// Queue is the synchronized mux queue. All methods are safe for concurrent
// use; the internal lock is held only for bookkeeping.
type Queue struct {
	capacity int
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	h           entryHeap
	count       [2]int
	seq         uint64
	changed     chan struct{}
	closed      bool
	aborted     bool
	ended       [2]bool
	lastPTS     time.Duration
	poppedAny   bool
	pendingGaps []uint64
	highWater   int
	kinds       [2]KindStats
	restamped   uint64
}

// New creates a queue holding at most capacity units.
func New(capacity int, opts Options) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("muxqueue: capacity must be positive, got %d", capacity)
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultOptions().MaxSkew
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		capacity: capacity,
		opts:     opts,
		log:      log.With("component", "muxqueue"),
		now:      time.Now,
		h:        make(entryHeap, 0, capacity),
		changed:  make(chan struct{}),
	}, nil
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int { return q.capacity }

func (q *Queue) policy(k media.Kind) Policy {
	if k == media.KindVideo {
		return q.opts.Video
	}
	return q.opts.Audio
}

// Push enqueues u according to its kind's policy, blocking under
// PolicyBlock until space frees, the queue closes, or ctx is done. A unit
// discarded by PolicyDropOldest is not an error.
func (q *Queue) Push(ctx context.Context, u *media.Unit) error {
	return q.push(ctx, u, true)
}

// TryPush is Push without waiting: where Push would block it returns
// ErrQueueFull.
func (q *Queue) TryPush(u *media.Unit) error {
	return q.push(context.Background(), u, false)
}

func (q *Queue) push(ctx context.Context, u *media.Unit, wait bool) error {
	if u == nil {
		return errors.New("muxqueue: nil unit")
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.h) < q.capacity {
			q.admitLocked(u)
			q.mu.Unlock()
			return nil
		}

		switch q.policy(u.Kind) {
		case PolicyDropOldest:
			q.evictForLocked(u)
			q.mu.Unlock()
			return nil
		case PolicyReject:
			q.mu.Unlock()
			return ErrQueueFull
		}
		if !wait {
			q.mu.Unlock()
			return ErrQueueFull
		}

		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// admitLocked inserts u. Caller holds mu and has checked capacity.
func (q *Queue) admitLocked(u *media.Unit) {
	if q.poppedAny && u.PTS < q.lastPTS {
		q.log.Debug("restamping late unit", "kind", u.Kind, "pts", u.PTS, "watermark", q.lastPTS)
		u.PTS = q.lastPTS
		if u.DTS > u.PTS {
			u.DTS = u.PTS
		}
		q.restamped++
	}
	q.seq++
	heap.Push(&q.h, &Entry{Unit: u, Seq: q.seq, enqueued: q.now()})
	q.count[u.Kind.Rank()]++
	q.kinds[u.Kind.Rank()].Pushed++
	if len(q.h) > q.highWater {
		q.highWater = len(q.h)
	}
	q.notifyLocked()
}

// evictForLocked applies PolicyDropOldest for a full queue: it evicts one
// queued unit of the same kind and admits u, or drops u.
func (q *Queue) evictForLocked(u *media.Unit) {
	victim := q.victimLocked(u)
	if victim < 0 {
		q.seq++
		q.recordDropLocked(u.Kind, q.seq)
		q.log.Debug("dropping incoming unit", "kind", u.Kind, "pts", u.PTS, "keyframe", u.IsKeyframe)
		return
	}
	e := heap.Remove(&q.h, victim).(*Entry)
	q.count[e.Unit.Kind.Rank()]--
	q.recordDropLocked(e.Unit.Kind, e.Seq)
	q.log.Debug("evicted queued unit", "kind", e.Unit.Kind, "pts", e.Unit.PTS, "keyframe", e.Unit.IsKeyframe)
	q.admitLocked(u)
}

func (q *Queue) recordDropLocked(k media.Kind, seq uint64) {
	q.kinds[k.Rank()].Dropped++
	if k == media.KindVideo {
		q.pendingGaps = append(q.pendingGaps, seq)
	}
}

// victimLocked returns the heap index to evict for an incoming unit u, or -1
// when u itself should be dropped.
func (q *Queue) victimLocked(u *media.Unit) int {
	if u.Kind != media.KindVideo {
		oldest := -1
		for i, e := range q.h {
			if e.Unit.Kind == u.Kind && (oldest < 0 || e.Seq < q.h[oldest].Seq) {
				oldest = i
			}
		}
		return oldest
	}

	// The newest GOP starts at the newest keyframe, which is the incoming
	// unit itself when it is one.
	var newestKey uint64
	if u.IsKeyframe {
		newestKey = q.seq + 1
	} else {
		for _, e := range q.h {
			if e.Unit.Kind == media.KindVideo && e.Unit.IsKeyframe && e.Seq > newestKey {
				newestKey = e.Seq
			}
		}
	}

	oldestDelta, oldestKey := -1, -1
	for i, e := range q.h {
		if e.Unit.Kind != media.KindVideo {
			continue
		}
		if newestKey != 0 && e.Seq >= newestKey {
			continue
		}
		if e.Unit.IsKeyframe {
			if oldestKey < 0 || e.Seq < q.h[oldestKey].Seq {
				oldestKey = i
			}
		} else if oldestDelta < 0 || e.Seq < q.h[oldestDelta].Seq {
			oldestDelta = i
		}
	}
	if oldestDelta >= 0 {
		return oldestDelta
	}
	return oldestKey
}

// Pop removes and returns the earliest entry once it is safe to release:
// the other kind has a later unit queued or has ended, the queue is full or
// closed, or the entry has waited MaxSkew. After Close, Pop drains remaining
// entries and then returns ErrClosed.
func (q *Queue) Pop(ctx context.Context) (Entry, error) {
	for {
		q.mu.Lock()
		if q.aborted {
			q.mu.Unlock()
			return Entry{}, ErrClosed
		}
		if len(q.h) == 0 {
			if q.closed {
				q.mu.Unlock()
				return Entry{}, ErrClosed
			}
			changed := q.changed
			q.mu.Unlock()
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return Entry{}, ctx.Err()
			}
		}

		delay, ok := q.releasableLocked(q.h[0])
		if ok {
			e := q.popLocked()
			q.mu.Unlock()
			return e, nil
		}
		changed := q.changed
		q.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Entry{}, ctx.Err()
		}
		timer.Stop()
	}
}

func (q *Queue) releasableLocked(head *Entry) (time.Duration, bool) {
	if q.closed || len(q.h) >= q.capacity {
		return 0, true
	}
	other := media.KindVideo
	if head.Unit.Kind == media.KindVideo {
		other = media.KindAudio
	}
	if q.ended[other.Rank()] || q.count[other.Rank()] > 0 {
		return 0, true
	}
	waited := q.now().Sub(head.enqueued)
	if waited >= q.opts.MaxSkew {
		return 0, true
	}
	return q.opts.MaxSkew - waited, false
}

func (q *Queue) popLocked() Entry {
	e := heap.Pop(&q.h).(*Entry)
	k := e.Unit.Kind
	q.count[k.Rank()]--
	q.kinds[k.Rank()].Popped++
	q.lastPTS = e.Unit.PTS
	q.poppedAny = true

	if k == media.KindVideo && len(q.pendingGaps) > 0 {
		kept := q.pendingGaps[:0]
		for _, gap := range q.pendingGaps {
			if gap < e.Seq {
				e.Discontinuity = true
			} else {
				kept = append(kept, gap)
			}
		}
		q.pendingGaps = kept
	}
	q.notifyLocked()
	return *e
}

// EndKind tells the queue that no more units of kind k will arrive, so
// entries of the other kind need not wait for it.
func (q *Queue) EndKind(k media.Kind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ended[k.Rank()] {
		q.ended[k.Rank()] = true
		q.notifyLocked()
	}
}

// Close stops accepting pushes. Pop keeps returning queued entries, then
// ErrClosed. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.notifyLocked()
	}
}

// Abort closes the queue and discards everything still queued, waking
// all waiters.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted {
		return
	}
	q.closed, q.aborted = true, true
	q.h = q.h[:0]
	q.count = [2]int{}
	q.notifyLocked()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:       len(q.h),
		Capacity:  q.capacity,
		HighWater: q.highWater,
		Audio:     q.kinds[media.KindAudio.Rank()],
		Video:     q.kinds[media.KindVideo.Rank()],
		Restamped: q.restamped,
	}
}

// notifyLocked wakes every goroutine waiting on the current change channel.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

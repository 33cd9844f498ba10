package session

import (
	"fmt"
	"log/slog"
	"time"
)

// FaultKind says which part of the session failed.
type FaultKind int

const (
	FaultAudioCapture FaultKind = iota
	FaultVideoCapture
	FaultAudioEncode
	FaultVideoEncode
	FaultPush
)

func (k FaultKind) String() string {
	switch k {
	case FaultAudioCapture:
		return "audio-capture"
	case FaultVideoCapture:
		return "video-capture"
	case FaultAudioEncode:
		return "audio-encode"
	case FaultVideoEncode:
		return "video-encode"
	case FaultPush:
		return "push"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// Fault is one failure event.
type Fault struct {
	Kind FaultKind
	Err  error
	At   time.Time
}

func (f Fault) String() string {
	return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
}

// Callback receives faults. Exactly one method is called per failure, always
// from the session's reporter goroutine, never concurrently. Callbacks may
// call Stop or Release.
type Callback interface {
	OnAudioCaptureFault(err error)
	OnVideoCaptureFault(err error)
	OnAudioEncodeFault(err error)
	OnVideoEncodeFault(err error)
	OnPushFault(err error)
}

// CallbackFunc adapts a single function to Callback.
type CallbackFunc func(Fault)

func (f CallbackFunc) OnAudioCaptureFault(err error) {
	f(Fault{Kind: FaultAudioCapture, Err: err, At: time.Now()})
}
func (f CallbackFunc) OnVideoCaptureFault(err error) {
	f(Fault{Kind: FaultVideoCapture, Err: err, At: time.Now()})
}
func (f CallbackFunc) OnAudioEncodeFault(err error) {
	f(Fault{Kind: FaultAudioEncode, Err: err, At: time.Now()})
}
func (f CallbackFunc) OnVideoEncodeFault(err error) {
	f(Fault{Kind: FaultVideoEncode, Err: err, At: time.Now()})
}
func (f CallbackFunc) OnPushFault(err error) { f(Fault{Kind: FaultPush, Err: err, At: time.Now()}) }

// NopCallback ignores every fault.
type NopCallback struct{}

func (NopCallback) OnAudioCaptureFault(error) {}
func (NopCallback) OnVideoCaptureFault(error) {}
func (NopCallback) OnAudioEncodeFault(error)  {}
func (NopCallback) OnVideoEncodeFault(error)  {}
func (NopCallback) OnPushFault(error)         {}

// reporter delivers faults to the callback on its own goroutine so no
// pipeline goroutine ever runs caller code.
type reporter struct {
	cb   Callback
	log  *slog.Logger
	ch   chan Fault
	done chan struct{}
}

// Each session produces at most one fault per chain stage plus one push
// fault, so the buffer never fills.
const reporterBuffer = 8

func newReporter(cb Callback, log *slog.Logger) *reporter {
	r := &reporter{
		cb:   cb,
		log:  log,
		ch:   make(chan Fault, reporterBuffer),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *reporter) report(f Fault) {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	select {
	case r.ch <- f:
	default:
		r.log.Error("fault dropped, reporter backlog full", "fault", f.Kind.String(), "error", f.Err)
	}
}

// close stops accepting faults. Already queued faults are still delivered.
func (r *reporter) close() { close(r.ch) }

func (r *reporter) run() {
	defer close(r.done)
	for f := range r.ch {
		r.deliver(f)
	}
}

func (r *reporter) deliver(f Fault) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("fault callback panicked", "fault", f.Kind.String(), "panic", p)
		}
	}()
	r.log.Debug("reporting fault", "fault", f.Kind.String(), "error", f.Err)
	if fn, ok := r.cb.(CallbackFunc); ok {
		fn(f)
		return
	}
	switch f.Kind {
	case FaultAudioCapture:
		r.cb.OnAudioCaptureFault(f.Err)
	case FaultVideoCapture:
		r.cb.OnVideoCaptureFault(f.Err)
	case FaultAudioEncode:
		r.cb.OnAudioEncodeFault(f.Err)
	case FaultVideoEncode:
		r.cb.OnVideoEncodeFault(f.Err)
	case FaultPush:
		r.cb.OnPushFault(f.Err)
	}
}

// Package capture defines the MediaSource contract and the sources that
// ship with livepush: synthetic test patterns, raw-frame devices and
// pre-encoded elementary streams.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/livepush/internal/media"
)

// Sentinel causes carried by Error.
var (
	ErrDeviceBusy         = errors.New("device busy")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrClosed             = errors.New("source closed")
	ErrNotOpen            = errors.New("source not open")
)

// Error is a capture failure for one stream. Sources never retry on their
// own; the first Error ends the source.
type Error struct {
	Kind media.Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s capture: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Source is a live producer of raw samples for one stream kind.
//
// Open acquires the device exclusively. ReadSample blocks until the next
// sample is available; timestamps never decrease. After Close, or after
// ReadSample has failed, the source cannot be restarted. io.EOF from
// ReadSample means a finite source ran out. Close is idempotent and always
// releases the device.
type Source interface {
	Kind() media.Kind
	Open(ctx context.Context) error
	ReadSample(ctx context.Context) (*media.Sample, error)
	Close() error
}

// pacer releases samples no faster than real time.
type pacer struct {
	enabled bool
	start   time.Time
}

func (p *pacer) reset() { p.start = time.Now() }

// wait blocks until pts has elapsed since the pacer started.
func (p *pacer) wait(ctx context.Context, pts time.Duration) error {
	if !p.enabled {
		return ctx.Err()
	}
	d := time.Until(p.start.Add(pts))
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

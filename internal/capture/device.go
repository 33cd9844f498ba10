package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/zsiec/livepush/internal/media"
)

// DeviceConfig describes a raw-frame device: a character device or a FIFO
// that yields fixed-size frames, e.g. a v4l2loopback node or a named pipe
// fed by an external capture process.
type DeviceConfig struct {
	Path   string
	Kind   media.Kind
	Format string
	// FrameSize is the byte size of one sample.
	FrameSize int
	// FrameDuration stamps samples at fixed intervals. Zero stamps them with
	// the elapsed time since Open.
	FrameDuration time.Duration
}

// DeviceSource reads raw samples from a device node held under an exclusive
// lock for the lifetime of the source.
type DeviceSource struct {
	cfg  DeviceConfig
	life lifecycle

	mu     sync.Mutex
	f      *os.File
	start  time.Time
	frames int64
}

// NewDeviceSource validates cfg and returns an unopened source.
func NewDeviceSource(cfg DeviceConfig) (*DeviceSource, error) {
	if cfg.Path == "" {
		return nil, errors.New("capture: device path required")
	}
	if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("capture: frame size must be positive, got %d", cfg.FrameSize)
	}
	return &DeviceSource{cfg: cfg, life: lifecycle{kind: cfg.Kind}}, nil
}

func (s *DeviceSource) Kind() media.Kind { return s.cfg.Kind }

func (s *DeviceSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.life.open(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.cfg.Path, os.O_RDONLY, 0)
	if err != nil {
		s.life.close()
		return &Error{Kind: s.cfg.Kind, Err: deviceCause(err)}
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		s.life.close()
		return &Error{Kind: s.cfg.Kind, Err: deviceCause(err)}
	}

	s.mu.Lock()
	s.f = f
	s.start = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *DeviceSource) ReadSample(ctx context.Context) (*media.Sample, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	f := s.f
	s.mu.Unlock()
	if f == nil {
		return nil, &Error{Kind: s.cfg.Kind, Err: ErrClosed}
	}

	// Cancellation expires the read deadline, which unblocks a read on a
	// pollable descriptor such as a FIFO. A deadline left by an earlier
	// cancelled call is cleared first.
	_ = f.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = f.SetReadDeadline(time.Now()) })
	buf := make([]byte, s.cfg.FrameSize)
	_, err := io.ReadFull(f, buf)
	stop()
	if err != nil {
		if cerr := s.life.check(); cerr != nil {
			return nil, cerr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: s.cfg.Kind, Err: deviceCause(err)}
	}

	pts := time.Since(s.start)
	if s.cfg.FrameDuration > 0 {
		pts = time.Duration(s.frames) * s.cfg.FrameDuration
	}
	s.frames++
	return &media.Sample{
		Kind:    s.cfg.Kind,
		PTS:     pts,
		Payload: buf,
		Format:  s.cfg.Format,
	}, nil
}

// Close releases the device. A blocked ReadSample returns ErrClosed once the
// file is closed.
func (s *DeviceSource) Close() error {
	if !s.life.close() {
		return nil
	}
	s.mu.Lock()
	f := s.f
	s.f = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	unlock(f)
	return f.Close()
}

// deviceCause maps an OS error onto the capture sentinels.
func deviceCause(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.EWOULDBLOCK):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrClosed),
		errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO), errors.Is(err, syscall.EIO):
		return fmt.Errorf("%w: %v", ErrDeviceDisconnected, err)
	}
	return err
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/tevino/abool"
	srtgo "github.com/zsiec/srtgo"
)

// SRTPayloadSize is the conventional SRT payload: 7 MPEG-TS packets.
const SRTPayloadSize = 1316

// srtLatencyNs is the SRT receiver latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

type srtConn struct {
	u      *url.URL
	addr   string
	opts   Options
	log    *slog.Logger
	closed *abool.AtomicBool

	mu   sync.Mutex
	conn *srtgo.Conn
}

func dialSRT(ctx context.Context, u *url.URL, opts Options) (Conn, error) {
	if err := resolve(ctx, u); err != nil {
		return nil, &Error{Op: "dial", Protocol: "srt", Err: err}
	}
	return &srtConn{
		u:      u,
		addr:   u.Host,
		opts:   opts,
		log:    opts.Logger.With("component", "srt-pusher", "addr", u.Host),
		closed: abool.New(),
	}, nil
}

// StreamIDFor returns the stream ID sent in the SRT handshake: the URL's
// streamid parameter, or the access-control form built from the key.
func StreamIDFor(u *url.URL, key string) string {
	if sid := u.Query().Get("streamid"); sid != "" {
		return sid
	}
	return "#!::r=live/" + key + ",m=publish"
}

// Handshake performs the SRT caller handshake, which carries the publish
// stream ID. A listener that refuses the stream ID is reported as rejected.
func (c *srtConn) Handshake(ctx context.Context, caps Capabilities) error {
	if c.closed.IsSet() {
		return &Error{Op: "handshake", Protocol: "srt", Err: ErrClosed}
	}
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = StreamIDFor(c.u, caps.StreamKey)

	c.log.Info("dialing", "stream_id", cfg.StreamID)
	conn, err := runWithContext(ctx, func() (*srtgo.Conn, error) {
		return srtgo.Dial(c.addr, cfg)
	}, func(conn *srtgo.Conn) { conn.Close() })
	if err != nil {
		if ctx.Err() == nil && strings.Contains(strings.ToLower(err.Error()), "reject") {
			return &RejectedError{Reason: err.Error()}
		}
		return &Error{Op: "handshake", Protocol: "srt", Err: err}
	}
	c.mu.Lock()
	if c.closed.IsSet() {
		c.mu.Unlock()
		conn.Close()
		return &Error{Op: "handshake", Protocol: "srt", Err: ErrClosed}
	}
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("connected")
	return nil
}

// Write sends p in SRT-sized payloads.
func (c *srtConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if c.closed.IsSet() || conn == nil {
		return 0, &Error{Op: "write", Protocol: "srt", Err: ErrClosed}
	}
	written := 0
	for written < len(p) {
		end := min(written+SRTPayloadSize, len(p))
		n, err := conn.Write(p[written:end])
		written += n
		if err != nil {
			if c.closed.IsSet() {
				err = errors.Join(ErrClosed, err)
			}
			return written, &Error{Op: "write", Protocol: "srt", Err: err}
		}
	}
	return written, nil
}

// Close sends the SRT shutdown. SRT has no separate end-of-stream signal,
// so graceful and abrupt close are the same.
func (c *srtConn) Close(graceful bool) error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.log.Debug("closing", "graceful", graceful)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("srt close: %w", err)
	}
	return nil
}

func (c *srtConn) Protocol() string { return "srt" }

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/tevino/abool"

	"github.com/zsiec/livepush/internal/certs"
	"github.com/zsiec/livepush/internal/moq"
)

type quicConn struct {
	u      *url.URL
	opts   Options
	log    *slog.Logger
	conn   quic.Connection
	closed *abool.AtomicBool

	mu    sync.Mutex
	ctrl  quic.Stream
	media quic.SendStream
}

// QUICTLSConfig builds the client TLS config for a quic:// URL. A
// fingerprint query parameter pins the server certificate; insecure=1
// disables verification entirely.
func QUICTLSConfig(u *url.URL) (*tls.Config, error) {
	q := u.Query()
	if fp := q.Get("fingerprint"); fp != "" {
		// An unescaped '+' in the query decodes as a space.
		sum, err := certs.ParseFingerprint(strings.ReplaceAll(fp, " ", "+"))
		if err != nil {
			return nil, err
		}
		return certs.PinnedClientConfig(sum, moq.ALPN), nil
	}
	return &tls.Config{
		ServerName:         u.Hostname(),
		NextProtos:         []string{moq.ALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: q.Get("insecure") == "1",
	}, nil
}

func dialQUIC(ctx context.Context, u *url.URL, opts Options) (Conn, error) {
	tlsConf := opts.TLSConfig
	if tlsConf == nil {
		var err error
		if tlsConf, err = QUICTLSConfig(u); err != nil {
			return nil, &Error{Op: "dial", Protocol: "quic", Err: err}
		}
	}
	conn, err := quic.DialAddr(ctx, u.Host, tlsConf, &quic.Config{
		HandshakeIdleTimeout: opts.DialTimeout,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      5 * time.Second,
	})
	if err != nil {
		return nil, &Error{Op: "dial", Protocol: "quic", Err: err}
	}
	log := opts.Logger.With("component", "quic-pusher", "addr", u.Host)
	log.Info("connected")
	return &quicConn{
		u:      u,
		opts:   opts,
		log:    log,
		conn:   conn,
		closed: abool.New(),
	}, nil
}

// Handshake runs CLIENT_SETUP / SERVER_SETUP on a bidirectional control
// stream and opens the unidirectional media stream. A server that refuses
// the publish closes the connection with an application error.
func (c *quicConn) Handshake(ctx context.Context, caps Capabilities) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	ctrl, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return c.mapErr("handshake", err)
	}
	stop := context.AfterFunc(ctx, func() { ctrl.CancelRead(0) })
	defer stop()

	setup := moq.ClientSetup{
		Versions:      []uint64{moq.Version},
		Path:          caps.StreamKey,
		Authorization: c.u.Query().Get("auth"),
		VideoCodec:    caps.VideoCodec,
		AudioCodec:    caps.AudioCodec,
	}
	if _, err := moq.ClientHandshake(ctrl, setup); err != nil {
		if ctx.Err() != nil {
			return &Error{Op: "handshake", Protocol: "quic", Err: ctx.Err()}
		}
		return c.mapErr("handshake", err)
	}

	media, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return c.mapErr("handshake", err)
	}
	if _, err := media.Write(quicvarint.Append(nil, moq.StreamTypeMPEGTS)); err != nil {
		return c.mapErr("handshake", err)
	}

	c.mu.Lock()
	c.ctrl, c.media = ctrl, media
	c.mu.Unlock()
	c.log.Info("publishing", "stream_key", caps.StreamKey)
	return nil
}

func (c *quicConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if c.closed.IsSet() || media == nil {
		return 0, &Error{Op: "write", Protocol: "quic", Err: ErrClosed}
	}
	_ = media.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	n, err := media.Write(p)
	if err != nil {
		return n, c.mapErr("write", err)
	}
	return n, nil
}

// Close finishes the media stream with a FIN and waits up to WriteTimeout
// for the server to close the connection once it has read everything.
func (c *quicConn) Close(graceful bool) error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()

	if graceful && media != nil {
		_ = media.Close()
		select {
		case <-c.conn.Context().Done():
		case <-time.After(c.opts.WriteTimeout):
			c.log.Warn("server did not close after end of stream")
		}
		return c.conn.CloseWithError(quic.ApplicationErrorCode(moq.CodeNoError), "end of stream")
	}
	return c.conn.CloseWithError(quic.ApplicationErrorCode(moq.CodeInternal), "aborted")
}

func (c *quicConn) Protocol() string { return "quic" }

// mapErr turns a peer-initiated application close during the handshake
// into a RejectedError.
func (c *quicConn) mapErr(op string, err error) error {
	if op == "handshake" {
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) && appErr.Remote && uint64(appErr.ErrorCode) != moq.CodeNoError {
			return &RejectedError{Reason: appErr.ErrorMessage, Code: uint64(appErr.ErrorCode)}
		}
		if errors.Is(err, moq.ErrVersionMismatch) {
			return &RejectedError{Reason: err.Error(), Code: moq.CodeVersionMismatch}
		}
	}
	if c.closed.IsSet() {
		err = errors.Join(ErrClosed, err)
	}
	return &Error{Op: op, Protocol: "quic", Err: err}
}

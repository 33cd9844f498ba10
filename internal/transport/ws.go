package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tevino/abool"
)

// Headers carried on the WebSocket upgrade request.
const (
	HeaderStreamKey  = "X-Livepush-Stream-Key"
	HeaderVideoCodec = "X-Livepush-Video-Codec"
	HeaderAudioCodec = "X-Livepush-Audio-Codec"
	HeaderSampleRate = "X-Livepush-Sample-Rate"
	HeaderChannels   = "X-Livepush-Channels"
	HeaderReason     = "X-Livepush-Reject-Reason"
)

type wsConn struct {
	u      *url.URL
	opts   Options
	log    *slog.Logger
	closed *abool.AtomicBool

	mu       sync.Mutex
	conn     *websocket.Conn
	peerDone chan struct{}
	peerErr  error
}

func dialWS(ctx context.Context, u *url.URL, opts Options) (Conn, error) {
	if err := resolve(ctx, u); err != nil {
		return nil, &Error{Op: "dial", Protocol: "ws", Err: err}
	}
	return &wsConn{
		u:        u,
		opts:     opts,
		log:      opts.Logger.With("component", "ws-pusher", "addr", u.Host),
		closed:   abool.New(),
		peerDone: make(chan struct{}),
	}, nil
}

// Handshake performs the HTTP upgrade, announcing the stream key and codecs
// in headers. 401, 403 and 404 responses mean the server refused the
// publish.
func (c *wsConn) Handshake(ctx context.Context, caps Capabilities) error {
	h := http.Header{}
	h.Set(HeaderStreamKey, caps.StreamKey)
	if caps.VideoCodec != "" {
		h.Set(HeaderVideoCodec, caps.VideoCodec)
	}
	if caps.AudioCodec != "" {
		h.Set(HeaderAudioCodec, caps.AudioCodec)
	}
	if ac := caps.AudioConfig; ac != nil {
		h.Set(HeaderSampleRate, strconv.Itoa(ac.SampleRate))
		h.Set(HeaderChannels, strconv.Itoa(ac.ChannelCount))
	}
	if tok := c.u.Query().Get("auth"); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		TLSClientConfig:  c.opts.TLSConfig,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, c.u.String(), h)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				reason := resp.Header.Get(HeaderReason)
				if reason == "" {
					reason = resp.Status
				}
				return &RejectedError{Reason: reason, Code: uint64(resp.StatusCode)}
			}
		}
		return &Error{Op: "handshake", Protocol: "ws", Err: err}
	}

	c.mu.Lock()
	if c.closed.IsSet() {
		c.mu.Unlock()
		conn.Close()
		return &Error{Op: "handshake", Protocol: "ws", Err: ErrClosed}
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	c.log.Info("publishing", "stream_key", caps.StreamKey)
	return nil
}

// readLoop consumes control frames so pings and the server's close are
// processed. The server sends no data messages.
func (c *wsConn) readLoop(conn *websocket.Conn) {
	defer close(c.peerDone)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			c.mu.Lock()
			c.peerErr = err
			c.mu.Unlock()
			return
		}
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	conn, peerErr := c.conn, c.peerErr
	c.mu.Unlock()
	if c.closed.IsSet() || conn == nil {
		return 0, &Error{Op: "write", Protocol: "ws", Err: ErrClosed}
	}
	if peerErr != nil {
		return 0, &Error{Op: "write", Protocol: "ws", Err: fmt.Errorf("peer closed: %w", peerErr)}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		if c.closed.IsSet() {
			err = errors.Join(ErrClosed, err)
		}
		return 0, &Error{Op: "write", Protocol: "ws", Err: err}
	}
	return len(p), nil
}

// Close sends a normal-closure frame and waits for the server's close reply
// when graceful; otherwise it drops the TCP connection.
func (c *wsConn) Close(graceful bool) error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	if graceful {
		deadline := time.Now().Add(c.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of stream")
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err == nil {
			select {
			case <-c.peerDone:
			case <-time.After(time.Until(deadline)):
				c.log.Warn("server did not acknowledge close")
			}
		}
	}
	return conn.Close()
}

func (c *wsConn) Protocol() string { return "ws" }

package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/livepush/internal/transport"
)

// WSHandler upgrades publish requests to WebSocket and reads MPEG-TS from
// binary messages. The stream key comes from the stream key header or the
// request path; a refused key is answered before the upgrade with an HTTP
// error and the reason header.
type WSHandler struct {
	log      *slog.Logger
	reg      *Registry
	upgrader websocket.Upgrader
}

// NewWSHandler creates a handler publishing into reg. If log is nil,
// slog.Default() is used.
func NewWSHandler(reg *Registry, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		log: log.With("component", "ws-sink"),
		reg: reg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   64 * 1024,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(transport.HeaderStreamKey)
	if key == "" {
		key = transport.StreamKey(r.URL)
	}
	if err := h.reg.Authorize(key); err != nil {
		h.refuse(w, key, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "stream_key", key, "error", err)
		return
	}
	defer conn.Close()

	st, err := h.reg.Open(Publish{
		Key:        key,
		Protocol:   "ws",
		RemoteAddr: r.RemoteAddr,
		VideoCodec: r.Header.Get(transport.HeaderVideoCodec),
		AudioCodec: r.Header.Get(transport.HeaderAudioCodec),
	})
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	ctx := r.Context()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = h.reg.Consume(st, &messageReader{conn: conn})
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		h.log.Debug("read error", "stream_key", key, "error", err)
	}
	h.reg.Close(st, err)
}

func (h *WSHandler) refuse(w http.ResponseWriter, key string, err error) {
	status := http.StatusForbidden
	switch {
	case errors.Is(err, ErrNoKey):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrRegistryClosed):
		status = http.StatusServiceUnavailable
	}
	h.log.Info("refusing publish", "stream_key", key, "status", status, "reason", err)
	w.Header().Set(transport.HeaderReason, err.Error())
	http.Error(w, err.Error(), status)
}

// messageReader presents the binary messages of a connection as one byte
// stream. A normal close from the peer reads as io.EOF; the library answers
// the close frame itself.
type messageReader struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (m *messageReader) Read(p []byte) (int, error) {
	for {
		if m.cur == nil {
			typ, r, err := m.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			m.cur = r
		}
		n, err := m.cur.Read(p)
		if errors.Is(err, io.EOF) {
			m.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// WSServer serves a WSHandler on its own HTTP listener.
type WSServer struct {
	log *slog.Logger
	ln  net.Listener
	srv *http.Server
}

// ListenWS binds addr for WebSocket publishers.
func ListenWS(addr string, reg *Registry, log *slog.Logger) (*WSServer, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("WebSocket listen on %s: %w", addr, err)
	}
	s := &WSServer{
		log: log.With("component", "ws-sink"),
		ln:  ln,
		srv: &http.Server{
			Handler:           NewWSHandler(reg, log),
			ReadHeaderTimeout: handshakeTimeout,
		},
	}
	s.log.Info("listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr is the bound TCP address.
func (s *WSServer) Addr() net.Addr { return s.ln.Addr() }

// Serve handles requests until ctx is cancelled. Active publishers are
// disconnected when ctx ends.
func (s *WSServer) Serve(ctx context.Context) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("WebSocket server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("shutdown", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("WebSocket server: %w", err)
	}
	return nil
}

package sink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/tevino/abool"

	"github.com/zsiec/livepush/internal/moq"
	"github.com/zsiec/livepush/internal/transport"
)

// QUICServer accepts publishers that speak the setup exchange on a
// bidirectional control stream and send MPEG-TS on one unidirectional
// stream. A refused publisher gets a connection close carrying
// moq.CodeUnauthorized and the reason.
type QUICServer struct {
	log    *slog.Logger
	ln     *quic.Listener
	reg    *Registry
	closed *abool.AtomicBool
	wg     sync.WaitGroup
}

// ListenQUIC binds addr. tlsConf must carry a certificate; the moq ALPN is
// added when it names no protocols.
func ListenQUIC(addr string, tlsConf *tls.Config, reg *Registry, log *slog.Logger) (*QUICServer, error) {
	if log == nil {
		log = slog.Default()
	}
	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{moq.ALPN}
	}
	ln, err := quic.ListenAddr(addr, conf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("QUIC listen on %s: %w", addr, err)
	}
	s := &QUICServer{
		log:    log.With("component", "quic-sink"),
		ln:     ln,
		reg:    reg,
		closed: abool.New(),
	}
	s.log.Info("listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr is the bound UDP address.
func (s *QUICServer) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting connections.
func (s *QUICServer) Close() error {
	s.closed.Set()
	return s.ln.Close()
}

// Serve accepts connections until ctx is cancelled or Close is called, then
// waits for the active connections to close.
func (s *QUICServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.IsSet() {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func closeWith(conn quic.Connection, code uint64, msg string) {
	_ = conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (s *QUICServer) handleConnection(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	log := s.log.With("remote", remote)

	st, br, err := s.handshake(ctx, conn, remote)
	if err != nil {
		log.Info("handshake failed", "error", err)
		return
	}

	stop := context.AfterFunc(ctx, func() { closeWith(conn, moq.CodeNoError, "sink shutting down") })
	err = s.reg.Consume(st, br)
	stop()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) && appErr.Remote {
			log.Debug("publisher aborted", "stream_key", st.Key, "code", uint64(appErr.ErrorCode))
		}
		closeWith(conn, moq.CodeInternal, "read error")
	} else {
		closeWith(conn, moq.CodeNoError, "end of stream")
	}
	s.reg.Close(st, err)
}

// handshake reads CLIENT_SETUP, registers the stream and opens the media
// stream. Every failure closes the connection with a matching code.
func (s *QUICServer) handshake(ctx context.Context, conn quic.Connection, remote string) (*Stream, *bufio.Reader, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	ctrl, err := conn.AcceptStream(ctx)
	if err != nil {
		closeWith(conn, moq.CodeProtocolViolation, "no control stream")
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { ctrl.CancelRead(0) })
	cs, err := moq.ReadClientSetup(ctrl)
	stop()
	if err != nil {
		code := moq.CodeProtocolViolation
		if errors.Is(err, moq.ErrVersionMismatch) {
			code = moq.CodeVersionMismatch
		}
		closeWith(conn, code, err.Error())
		return nil, nil, err
	}

	st, err := s.reg.Open(Publish{
		Key:        transport.StreamIDKey(cs.Path),
		Protocol:   "quic",
		RemoteAddr: remote,
		VideoCodec: cs.VideoCodec,
		AudioCodec: cs.AudioCodec,
	})
	if err != nil {
		closeWith(conn, moq.CodeUnauthorized, err.Error())
		return nil, nil, err
	}
	fail := func(code uint64, err error) (*Stream, *bufio.Reader, error) {
		closeWith(conn, code, err.Error())
		s.reg.Close(st, err)
		return nil, nil, err
	}

	if err := moq.WriteServerSetup(ctrl, 0); err != nil {
		return fail(moq.CodeInternal, err)
	}
	media, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return fail(moq.CodeProtocolViolation, err)
	}
	br := bufio.NewReader(media)
	typ, err := quicvarint.Read(br)
	if err != nil {
		return fail(moq.CodeProtocolViolation, err)
	}
	if typ != moq.StreamTypeMPEGTS {
		return fail(moq.CodeProtocolViolation, fmt.Errorf("unexpected stream type %#x", typ))
	}
	return st, br, nil
}

package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/livepush/internal/certs"
	"github.com/zsiec/livepush/internal/moq"
	"github.com/zsiec/livepush/internal/mpegts"
)

// handshakeTimeout bounds the setup exchange of every protocol.
const handshakeTimeout = 10 * time.Second

// Config selects the listeners and the publish policy. An empty address
// disables that protocol.
type Config struct {
	SRTAddr  string
	QUICAddr string
	WSAddr   string

	// Keys lists the stream keys allowed to publish; empty accepts any key.
	Keys []string
	// TLSConfig serves the QUIC listener. Nil generates a self-signed
	// certificate whose fingerprint is logged at startup.
	TLSConfig *tls.Config

	// OnFrame is called for every parsed frame, from the connection's
	// goroutine.
	OnFrame func(key string, f *mpegts.Frame)
	// OnStreamEnd receives the final stats of each stream and the error that
	// ended it, nil for a clean end of stream.
	OnStreamEnd func(Stats, error)
	Logger      *slog.Logger
}

// Server runs every configured listener against one Registry.
type Server struct {
	cfg Config
	log *slog.Logger
	reg *Registry
}

// New creates a Server. At least one address must be set.
func New(cfg Config) (*Server, error) {
	if cfg.SRTAddr == "" && cfg.QUICAddr == "" && cfg.WSAddr == "" {
		return nil, errors.New("sink: no listener address configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "sink"),
		reg: NewRegistry(cfg),
	}, nil
}

// Registry returns the registry shared by all listeners.
func (s *Server) Registry() *Registry { return s.reg }

// Run listens on every configured address and serves until ctx is cancelled
// or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	var quicSrv *QUICServer
	var wsSrv *WSServer
	if s.cfg.QUICAddr != "" {
		tlsConf := s.cfg.TLSConfig
		if tlsConf == nil {
			cert, err := certs.Generate(0)
			if err != nil {
				return fmt.Errorf("sink: %w", err)
			}
			s.log.Info("certificate generated",
				"fingerprint", cert.FingerprintBase64(),
				"expires", cert.NotAfter.Format(time.RFC3339))
			tlsConf = cert.ServerConfig(moq.ALPN)
		}
		var err error
		if quicSrv, err = ListenQUIC(s.cfg.QUICAddr, tlsConf, s.reg, s.log); err != nil {
			return err
		}
	}
	if s.cfg.WSAddr != "" {
		var err error
		if wsSrv, err = ListenWS(s.cfg.WSAddr, s.reg, s.log); err != nil {
			if quicSrv != nil {
				quicSrv.Close()
			}
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.SRTAddr != "" {
		srtSrv := NewSRTServer(s.cfg.SRTAddr, s.reg, s.log)
		g.Go(func() error { return srtSrv.Serve(ctx) })
	}
	if quicSrv != nil {
		g.Go(func() error { return quicSrv.Serve(ctx) })
	}
	if wsSrv != nil {
		g.Go(func() error { return wsSrv.Serve(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		s.reg.Shutdown()
		return nil
	})
	return g.Wait()
}

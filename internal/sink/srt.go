package sink

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/livepush/internal/transport"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = transport.SRTPayloadSize * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// SRTServer accepts SRT publish connections. The stream key comes from the
// caller's stream ID and is checked before the handshake completes, so a
// refused caller sees an SRT rejection.
type SRTServer struct {
	log  *slog.Logger
	addr string
	reg  *Registry
	wg   sync.WaitGroup
}

// NewSRTServer creates an SRT server for addr. If log is nil, slog.Default()
// is used.
func NewSRTServer(addr string, reg *Registry, log *slog.Logger) *SRTServer {
	if log == nil {
		log = slog.Default()
	}
	return &SRTServer{
		log:  log.With("component", "srt-sink"),
		addr: addr,
		reg:  reg,
	}
}

// Serve listens and accepts connections until ctx is cancelled, then waits
// for the active connections to close.
func (s *SRTServer) Serve(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		return s.admit(req.StreamID)
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// admit is the listener's accept hook.
func (s *SRTServer) admit(streamID string) srtgo.RejectReason {
	if err := s.reg.Authorize(transport.StreamIDKey(streamID)); err != nil {
		s.log.Info("rejecting caller", "stream_id", streamID, "reason", err)
		return srtgo.RejPeer
	}
	return 0
}

func (s *SRTServer) handleConnection(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	st, err := s.reg.Open(Publish{
		Key:        transport.StreamIDKey(conn.StreamID()),
		Protocol:   "srt",
		RemoteAddr: conn.RemoteAddr().String(),
	})
	if err != nil {
		// Lost a race with another caller for the same key.
		return
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// SRT delivers whole messages; the buffer keeps 188-byte packet reads
	// from truncating them.
	err = s.reg.Consume(st, bufio.NewReaderSize(conn, srtReadBufferSize))
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		s.log.Debug("read error", "stream_key", st.Key, "error", err)
	}
	s.reg.Close(st, err)
}

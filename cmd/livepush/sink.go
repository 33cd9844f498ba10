package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/livepush/internal/config"
	"github.com/zsiec/livepush/internal/sink"
)

func newSinkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local ingest server that accepts and verifies pushed streams",
		Example: `  livepush sink --srt :6000 --quic :4443 --ws :8080 --key cam
  livepush sink --quic "" --ws ""   # SRT only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSink(ctx, a.cfg.Sink, a.log)
		},
	}

	f := cmd.Flags()
	f.String("srt", ":6000", "SRT listen address (empty disables)")
	f.String("quic", ":4443", "QUIC listen address (empty disables)")
	f.String("ws", ":8080", "WebSocket listen address (empty disables)")
	f.StringSlice("key", nil, "accepted stream key, repeatable (default accepts any)")
	bindFlags(a.v, f, map[string]string{
		"srt":  "sink.srt",
		"quic": "sink.quic",
		"ws":   "sink.ws",
		"key":  "sink.keys",
	})
	return cmd
}

const sinkStatsInterval = 5 * time.Second

func runSink(ctx context.Context, cfg config.Sink, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	srv, err := sink.New(sink.Config{
		SRTAddr:  cfg.SRT,
		QUICAddr: cfg.QUIC,
		WSAddr:   cfg.WS,
		Keys:     cfg.Keys,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	log.Info("sink starting", "version", version, "srt", cfg.SRT, "quic", cfg.QUIC, "ws", cfg.WS, "keys", cfg.Keys)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		t := time.NewTicker(sinkStatsInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				for _, st := range srv.Registry().List() {
					log.Info("stream stats", "stream_key", st.Key, "protocol", st.Protocol,
						"bytes", st.BytesReceived, "video_frames", st.VideoFrames,
						"audio_frames", st.AudioFrames, "cc_errors", st.ContinuityErrors,
						"uptime_ms", st.Uptime.Milliseconds())
				}
			}
		}
	})
	return g.Wait()
}

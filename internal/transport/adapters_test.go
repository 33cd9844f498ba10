package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/livepush/internal/certs"
	"github.com/zsiec/livepush/internal/moq"
)

type quicResult struct {
	setup moq.ClientSetup
	media []byte
}

// startQUICIngest runs a one-shot QUIC ingest that accepts stream key
// "good" and closes the connection with CodeUnauthorized otherwise.
func startQUICIngest(t *testing.T) (string, <-chan quicResult) {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	require.NoError(t, err)
	ln, err := quic.ListenAddr("127.0.0.1:0", cert.ServerConfig(moq.ALPN), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan quicResult, 1)
	go func() {
		ctx := context.Background()
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		ctrl, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		cs, err := moq.ReadClientSetup(ctrl)
		if err != nil || cs.Path != "good" {
			conn.CloseWithError(quic.ApplicationErrorCode(moq.CodeUnauthorized), "unknown stream key")
			out <- quicResult{setup: cs}
			return
		}
		if err := moq.WriteServerSetup(ctrl, 1); err != nil {
			return
		}
		uni, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		data, _ := io.ReadAll(uni)
		conn.CloseWithError(quic.ApplicationErrorCode(moq.CodeNoError), "")
		out <- quicResult{setup: cs, media: data}
	}()

	url := fmt.Sprintf("quic://%s/live/cam?fingerprint=%s", ln.Addr(), cert.FingerprintBase64())
	return url, out
}

func TestQUICPublish(t *testing.T) {
	t.Parallel()
	rawURL, results := startQUICIngest(t)
	ctx := context.Background()

	conn, err := Dial(ctx, rawURL, Options{})
	require.NoError(t, err)
	assert.Equal(t, "quic", conn.Protocol())
	require.NoError(t, conn.Handshake(ctx, Capabilities{StreamKey: "good", VideoCodec: "avc1.42C01E", AudioCodec: "mp4a.40.2"}))

	payload := []byte(strings.Repeat("ts", 500))
	n, err := conn.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, conn.Close(true))

	res := <-results
	assert.Equal(t, "avc1.42C01E", res.setup.VideoCodec)
	prefix := quicvarint.Append(nil, moq.StreamTypeMPEGTS)
	assert.Equal(t, append(prefix, payload...), res.media)

	_, err = conn.Write(payload)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQUICRejected(t *testing.T) {
	t.Parallel()
	rawURL, results := startQUICIngest(t)
	ctx := context.Background()

	conn, err := Dial(ctx, rawURL, Options{})
	require.NoError(t, err)
	defer conn.Close(false)

	err = conn.Handshake(ctx, Capabilities{StreamKey: "bad"})
	require.ErrorIs(t, err, ErrRejected)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "unknown stream key", rej.Reason)
	assert.Equal(t, moq.CodeUnauthorized, rej.Code)
	assert.Equal(t, "bad", (<-results).setup.Path)
}

func TestQUICFingerprintMismatch(t *testing.T) {
	t.Parallel()
	rawURL, _ := startQUICIngest(t)
	other, err := certs.Generate(time.Hour)
	require.NoError(t, err)
	rawURL = rawURL[:strings.Index(rawURL, "fingerprint=")] + "fingerprint=" + other.FingerprintBase64()

	_, err = Dial(context.Background(), rawURL, Options{DialTimeout: 2 * time.Second})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
}

type wsResult struct {
	header   http.Header
	messages [][]byte
}

func startWSIngest(t *testing.T) (string, <-chan wsResult) {
	t.Helper()
	out := make(chan wsResult, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderStreamKey) != "good" {
			w.Header().Set(HeaderReason, "unknown stream key")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		res := wsResult{header: r.Header.Clone()}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			res.messages = append(res.messages, msg)
		}
		out <- res
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/live/cam", out
}

func TestWebSocketPublish(t *testing.T) {
	t.Parallel()
	rawURL, results := startWSIngest(t)
	ctx := context.Background()

	conn, err := Dial(ctx, rawURL, Options{})
	require.NoError(t, err)
	require.NoError(t, conn.Handshake(ctx, Capabilities{StreamKey: "good", VideoCodec: "avc1.64001F"}))

	for i := range 3 {
		_, err := conn.Write([]byte{byte(i), 0x47})
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close(true))
	require.NoError(t, conn.Close(true))

	res := <-results
	assert.Equal(t, "avc1.64001F", res.header.Get(HeaderVideoCodec))
	require.Len(t, res.messages, 3)
	assert.Equal(t, []byte{2, 0x47}, res.messages[2])
}

func TestWebSocketRejected(t *testing.T) {
	t.Parallel()
	rawURL, _ := startWSIngest(t)
	ctx := context.Background()

	conn, err := Dial(ctx, rawURL, Options{})
	require.NoError(t, err)
	err = conn.Handshake(ctx, Capabilities{StreamKey: "nope"})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "unknown stream key", rej.Reason)
	assert.Equal(t, uint64(http.StatusForbidden), rej.Code)

	_, err = conn.Write([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSRTUnreachable(t *testing.T) {
	t.Parallel()
	conn, err := Dial(context.Background(), "srt://127.0.0.1:9?streamid=live/cam", Options{})
	require.NoError(t, err, "dial only resolves the address")
	defer conn.Close(false)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = conn.Handshake(ctx, Capabilities{StreamKey: "cam"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

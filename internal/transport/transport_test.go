package transport

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"srt://127.0.0.1:6000?streamid=live/cam",
		"quic://ingest.example:4443/live/cam",
		"ws://localhost/live/cam",
		"wss://ingest.example/live/cam",
	} {
		_, err := ParseURL(raw)
		assert.NoError(t, err, raw)
	}

	for raw, why := range map[string]string{
		"":                     "empty",
		"rtmp://host:1935/app": "unsupported scheme",
		"srt://:6000":          "no host",
		"quic://host/live":     "no port",
		"://bad":               "unparseable",
	} {
		_, err := ParseURL(raw)
		assert.Error(t, err, why)
	}
}

func TestSchemes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"quic", "srt", "ws", "wss"}, Schemes())
}

func TestStreamKey(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"quic://h:1/live/cam1": "cam1",
		"ws://h/cam2":          "cam2",
		"srt://h:1?streamid=%23!::r=live/cam3,m=publish": "cam3",
		"srt://h:1?streamid=live/cam4":                   "cam4",
		"srt://h:1/fallback?streamid=%23!::m=publish":    "fallback",
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, StreamKey(u), raw)
	}
}

func TestStreamIDFor(t *testing.T) {
	t.Parallel()
	u, _ := url.Parse("srt://h:1/live/cam")
	assert.Equal(t, "#!::r=live/cam,m=publish", StreamIDFor(u, "cam"))

	u, _ = url.Parse("srt://h:1?streamid=custom")
	assert.Equal(t, "custom", StreamIDFor(u, "cam"))
}

func TestRejectedErrorMatches(t *testing.T) {
	t.Parallel()
	var err error = &Error{Op: "handshake", Protocol: "quic", Err: &RejectedError{Reason: "bad key", Code: 2}}
	assert.ErrorIs(t, err, ErrRejected)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "bad key", rej.Reason)
	assert.Contains(t, (&RejectedError{Code: 2}).Error(), "0x2")

	assert.False(t, errors.Is(&Error{Op: "write", Err: ErrClosed}, ErrRejected))
}

func TestRunWithContextCleansUpLateResult(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	cleaned := make(chan int, 1)
	_, err := runWithContext(ctx, func() (int, error) {
		<-release
		return 42, nil
	}, func(v int) { cleaned <- v })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	select {
	case v := <-cleaned:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("late result was not cleaned up")
	}
}

func TestDialUnresolvableHost(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), "ws://livepush-test.invalid/live/cam", Options{DialTimeout: 2 * time.Second})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
}

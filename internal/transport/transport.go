// Package transport defines the network leg of the push pipeline: a Conn
// that completes a protocol handshake and then carries an MPEG-TS byte
// stream to an ingest server. The URL scheme selects the adapter.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ErrRejected matches any RejectedError via errors.Is.
var ErrRejected = errors.New("transport: rejected by server")

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("transport: connection closed")

// Error records the operation and protocol of a transport failure.
type Error struct {
	Op       string
	Protocol string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Protocol, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RejectedError is returned when the server refuses the publish request:
// bad stream key, unsupported codec or protocol version.
type RejectedError struct {
	Reason string
	Code   uint64
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: rejected by server (code %#x)", e.Code)
	}
	return "transport: rejected by server: " + e.Reason
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Capabilities is what the publisher announces during the handshake.
type Capabilities struct {
	StreamKey   string
	VideoCodec  string // RFC 6381, e.g. "avc1.64001F"
	AudioCodec  string // e.g. "mp4a.40.2"
	AudioConfig *mpeg4audio.AudioSpecificConfig
	Width       int
	Height      int
}

// Conn is an established transport. Write carries whole MPEG-TS packets
// and is called from one goroutine; Close may be called concurrently with
// Write to unblock it.
type Conn interface {
	// Handshake announces the publisher and waits for the server to accept.
	// A refusal is reported as a *RejectedError.
	Handshake(ctx context.Context, caps Capabilities) error
	Write(p []byte) (int, error)
	// Close ends the connection. A graceful close signals end of stream and
	// waits briefly for the peer; otherwise the connection is torn down.
	Close(graceful bool) error
	Protocol() string
}

// Options tunes every adapter.
type Options struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// TLSConfig overrides the client TLS config for quic:// and wss://.
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// DialFunc connects to u. It must honour ctx and return a Conn that has
// not yet performed the publish handshake.
type DialFunc func(ctx context.Context, u *url.URL, opts Options) (Conn, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]DialFunc{}
)

// Register adds or replaces the adapter for scheme.
func Register(scheme string, dial DialFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(scheme)] = dial
}

// Schemes lists the registered URL schemes.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func lookup(scheme string) (DialFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[strings.ToLower(scheme)]
	return d, ok
}

func init() {
	Register("srt", dialSRT)
	Register("quic", dialQUIC)
	Register("ws", dialWS)
	Register("wss", dialWS)
}

// ParseURL validates a push URL: a registered scheme and a host with port.
func ParseURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, errors.New("transport: empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse URL: %w", err)
	}
	if _, ok := lookup(u.Scheme); !ok {
		return nil, fmt.Errorf("transport: unsupported scheme %q (have %s)", u.Scheme, strings.Join(Schemes(), ", "))
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("transport: URL %q has no host", rawURL)
	}
	if u.Port() == "" && u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transport: URL %q has no port", rawURL)
	}
	return u, nil
}

// Dial parses rawURL and connects with the matching adapter, bounded by
// opts.DialTimeout.
func Dial(ctx context.Context, rawURL string, opts Options) (Conn, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	dial, _ := lookup(u.Scheme)
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	return dial(ctx, u, opts)
}

// StreamKey derives the stream key from a push URL: the path without its
// leading slash (and a "live/" prefix), or the SRT streamid's r= resource.
func StreamKey(u *url.URL) string {
	if sid := u.Query().Get("streamid"); sid != "" {
		if r := StreamIDKey(sid); r != "" {
			return r
		}
	}
	key := strings.TrimPrefix(u.Path, "/")
	key = strings.TrimPrefix(key, "live/")
	return key
}

// StreamIDKey extracts the stream key from an SRT stream ID: the r=<resource>
// of an access-control ID ("#!::r=live/key,m=publish"), or the ID itself
// when it has no such structure. A leading "live/" is dropped either way.
func StreamIDKey(sid string) string {
	rest, ok := strings.CutPrefix(sid, "#!::")
	if !ok {
		return strings.TrimPrefix(strings.TrimPrefix(sid, "/"), "live/")
	}
	for _, kv := range strings.Split(rest, ",") {
		if v, ok := strings.CutPrefix(kv, "r="); ok {
			return strings.TrimPrefix(strings.TrimPrefix(v, "/"), "live/")
		}
	}
	return ""
}

// resolve checks that u's host resolves, so Connecting fails fast on a bad
// address for adapters whose real connection happens in Handshake.
func resolve(ctx context.Context, u *url.URL) error {
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return nil
	}
	_, err := net.DefaultResolver.LookupHost(ctx, host)
	return err
}

// runWithContext runs fn in a goroutine and returns early when ctx ends.
// cleanup receives fn's result if it arrives after ctx ended.
func runWithContext[T any](ctx context.Context, fn func() (T, error), cleanup func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && cleanup != nil {
				cleanup(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// Package config loads livepush command-line settings from livepush.yaml,
// LIVEPUSH_* environment variables and bound flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zsiec/livepush/internal/transport"
)

// Source kinds for the push command.
const (
	SourceTest       = "test"
	SourceDevice     = "device"
	SourceElementary = "elementary"
)

type Config struct {
	LogLevel string `mapstructure:"log_level"`
	Push     Push   `mapstructure:"push"`
	Sink     Sink   `mapstructure:"sink"`
}

// Push configures one push session.
type Push struct {
	URL       string `mapstructure:"url"`
	CacheSize int    `mapstructure:"cache_size"`
	// Source selects test patterns, raw devices or pre-encoded files.
	Source string `mapstructure:"source"`
	// FFmpeg is the encoder binary used for test and device sources.
	FFmpeg string `mapstructure:"ffmpeg"`
	// Duration stops the push after this long; zero runs until interrupted.
	Duration         time.Duration `mapstructure:"duration"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`

	Video Video `mapstructure:"video"`
	Audio Audio `mapstructure:"audio"`
}

type Video struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
	FPS    int `mapstructure:"fps"`
	// Bitrate in bits per second.
	Bitrate          int    `mapstructure:"bitrate"`
	KeyframeInterval int    `mapstructure:"keyframe_interval"`
	Preset           string `mapstructure:"preset"`
	// Device is a raw I420 frame device or FIFO.
	Device string `mapstructure:"device"`
	// File is an H.264 Annex B elementary stream.
	File string `mapstructure:"file"`
}

type Audio struct {
	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
	// Bitrate in bits per second.
	Bitrate int `mapstructure:"bitrate"`
	// ToneHz is the test tone frequency.
	ToneHz float64 `mapstructure:"tone_hz"`
	// Device is a raw s16le PCM device or FIFO.
	Device string `mapstructure:"device"`
	// File is an ADTS AAC elementary stream.
	File string `mapstructure:"file"`
}

// Sink configures the local ingest server.
type Sink struct {
	SRT  string   `mapstructure:"srt"`
	QUIC string   `mapstructure:"quic"`
	WS   string   `mapstructure:"ws"`
	Keys []string `mapstructure:"keys"`
}

var defaults = map[string]any{
	"log_level": "info",

	"push.url":               "",
	"push.cache_size":        100,
	"push.source":            SourceTest,
	"push.ffmpeg":            "ffmpeg",
	"push.duration":          time.Duration(0),
	"push.stop_timeout":      10 * time.Second,
	"push.dial_timeout":      10 * time.Second,
	"push.handshake_timeout": 10 * time.Second,
	"push.write_timeout":     5 * time.Second,
	"push.stats_interval":    5 * time.Second,

	"push.video.width":             1280,
	"push.video.height":            720,
	"push.video.fps":               30,
	"push.video.bitrate":           2_500_000,
	"push.video.keyframe_interval": 60,
	"push.video.preset":            "veryfast",
	"push.video.device":            "",
	"push.video.file":              "",

	"push.audio.sample_rate": 48000,
	"push.audio.channels":    2,
	"push.audio.bitrate":     128_000,
	"push.audio.tone_hz":     440.0,
	"push.audio.device":      "",
	"push.audio.file":        "",

	"sink.srt":  ":6000",
	"sink.quic": ":4443",
	"sink.ws":   ":8080",
	"sink.keys": []string{},
}

// New returns a viper instance with livepush defaults and LIVEPUSH_*
// environment lookup: push.video.fps is read from LIVEPUSH_PUSH_VIDEO_FPS.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("LIVEPUSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads cfgFile, or livepush.yaml from the working directory or the
// user config directory when cfgFile is empty, and decodes the merged
// settings. A missing default file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("livepush")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "livepush"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Level parses the log level; DEBUG in the environment forces debug.
func (c *Config) Level() (slog.Level, error) {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Validate checks the settings the push command needs.
func (p Push) Validate() error {
	var errs []error
	if _, err := transport.ParseURL(p.URL); err != nil {
		errs = append(errs, err)
	}
	if p.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("cache_size must be positive, got %d", p.CacheSize))
	}
	switch p.Source {
	case SourceTest:
	case SourceDevice:
		if p.Video.Device == "" || p.Audio.Device == "" {
			errs = append(errs, errors.New("device source needs video.device and audio.device"))
		}
	case SourceElementary:
		if p.Video.File == "" || p.Audio.File == "" {
			errs = append(errs, errors.New("elementary source needs video.file and audio.file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q (want %s, %s or %s)", p.Source, SourceTest, SourceDevice, SourceElementary))
	}
	if p.Source != SourceElementary {
		if p.Video.Width <= 0 || p.Video.Height <= 0 || p.Video.Width%2 != 0 || p.Video.Height%2 != 0 {
			errs = append(errs, fmt.Errorf("video size %dx%d must be positive and even", p.Video.Width, p.Video.Height))
		}
		if p.Audio.SampleRate <= 0 || p.Audio.Channels <= 0 {
			errs = append(errs, fmt.Errorf("audio %d Hz x %d channels is invalid", p.Audio.SampleRate, p.Audio.Channels))
		}
	}
	if p.Video.FPS <= 0 {
		errs = append(errs, fmt.Errorf("video fps must be positive, got %d", p.Video.FPS))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: push: %w", err)
	}
	return nil
}

// TransportOptions returns the transport timeouts.
func (p Push) TransportOptions(log *slog.Logger) transport.Options {
	return transport.Options{
		DialTimeout:      p.DialTimeout,
		HandshakeTimeout: p.HandshakeTimeout,
		WriteTimeout:     p.WriteTimeout,
		Logger:           log,
	}
}

// Validate checks that at least one listener is enabled.
func (s Sink) Validate() error {
	if s.SRT == "" && s.QUIC == "" && s.WS == "" {
		return errors.New("config: sink: enable at least one of srt, quic or ws")
	}
	return nil
}

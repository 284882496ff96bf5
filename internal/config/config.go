// Package config loads posturestream settings: defaults, then a YAML file,
// then environment overrides. Callers apply CLI flags last and Validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/YamYamee/soft-electronic/internal/transport"
)

// Environment overrides.
const (
	EnvEndpoint   = "POSTURE_ENDPOINT"
	EnvListenAddr = "POSTURE_LISTEN_ADDR"
	EnvLogLevel   = "LOG_LEVEL"
)

// Config is the root configuration.
type Config struct {
	Client ClientConfig `yaml:"client"`
	API    APIConfig    `yaml:"api"`
	Feed   FeedConfig   `yaml:"feed"`
	Log    LogConfig    `yaml:"log"`
}

// ClientConfig configures the connection to the classification server.
type ClientConfig struct {
	Endpoint         string          `yaml:"endpoint"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration   `yaml:"write_timeout"`
	PongWait         time.Duration   `yaml:"pong_wait"`
	PingPeriod       time.Duration   `yaml:"ping_period"`
	MaxMessageSize   int64           `yaml:"max_message_size"`
	SendQueueSize    int             `yaml:"send_queue_size"`
	ObserverTimeout  time.Duration   `yaml:"observer_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig mirrors transport.ReconnectPolicy.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Base         time.Duration `yaml:"base"`
	Factor       float64       `yaml:"factor"`
	Cap          time.Duration `yaml:"cap"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
	RetryInitial bool          `yaml:"retry_initial"`
}

// APIConfig configures the local HTTP surface.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// FeedConfig configures the sample replay source.
type FeedConfig struct {
	Input string  `yaml:"input"` // path, "-" for stdin, empty for none
	Rate  float64 `yaml:"rate"`  // samples per second, 0 = unpaced
	Burst int     `yaml:"burst"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	tc := transport.DefaultConfig()
	return &Config{
		Client: ClientConfig{
			Endpoint:         "ws://localhost:8000/ws",
			HandshakeTimeout: tc.HandshakeTimeout,
			WriteTimeout:     tc.WriteTimeout,
			PongWait:         tc.PongWait,
			PingPeriod:       tc.PingPeriod,
			MaxMessageSize:   tc.MaxMessageSize,
			SendQueueSize:    tc.SendQueueSize,
			ObserverTimeout:  2 * time.Second,
			Reconnect: ReconnectConfig{
				Enabled:      tc.Reconnect.Enabled,
				Base:         tc.Reconnect.Base,
				Factor:       tc.Reconnect.Factor,
				Cap:          tc.Reconnect.Cap,
				MaxAttempts:  tc.Reconnect.MaxAttempts,
				RetryInitial: tc.Reconnect.RetryInitial,
			},
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8080",
		},
		Feed: FeedConfig{
			Rate:  10,
			Burst: 1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies environment overrides using lookup (os.LookupEnv in
// production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		c.Client.Endpoint = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.API.ListenAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var err error
	cl := c.Client

	if u, perr := url.Parse(cl.Endpoint); perr != nil {
		err = multierr.Append(err, fmt.Errorf("client.endpoint: %w", perr))
	} else if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		err = multierr.Append(err, fmt.Errorf("client.endpoint: %q is not a ws:// or wss:// URL", cl.Endpoint))
	}

	for name, d := range map[string]time.Duration{
		"client.handshake_timeout": cl.HandshakeTimeout,
		"client.write_timeout":     cl.WriteTimeout,
		"client.pong_wait":         cl.PongWait,
		"client.ping_period":       cl.PingPeriod,
		"client.observer_timeout":  cl.ObserverTimeout,
	} {
		if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s: must be positive, got %s", name, d))
		}
	}
	if cl.PingPeriod > 0 && cl.PongWait > 0 && cl.PingPeriod >= cl.PongWait {
		err = multierr.Append(err, fmt.Errorf("client.ping_period: %s must be shorter than pong_wait %s", cl.PingPeriod, cl.PongWait))
	}
	if cl.MaxMessageSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("client.max_message_size: must be positive"))
	}
	if cl.SendQueueSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("client.send_queue_size: must be positive"))
	}

	r := cl.Reconnect
	if r.Base <= 0 {
		err = multierr.Append(err, fmt.Errorf("client.reconnect.base: must be positive"))
	}
	if r.Factor < 1 {
		err = multierr.Append(err, fmt.Errorf("client.reconnect.factor: must be >= 1, got %g", r.Factor))
	}
	if r.Cap < r.Base {
		err = multierr.Append(err, fmt.Errorf("client.reconnect.cap: %s is below base %s", r.Cap, r.Base))
	}
	if r.MaxAttempts < 0 {
		err = multierr.Append(err, fmt.Errorf("client.reconnect.max_attempts: must not be negative"))
	}

	if c.API.Enabled && c.API.ListenAddr == "" {
		err = multierr.Append(err, fmt.Errorf("api.listen_addr: required when the API is enabled"))
	}
	if c.Feed.Rate < 0 {
		err = multierr.Append(err, fmt.Errorf("feed.rate: must not be negative"))
	}
	if c.Feed.Rate > 0 && c.Feed.Burst < 1 {
		err = multierr.Append(err, fmt.Errorf("feed.burst: must be at least 1 when rate is set"))
	}
	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}

	if err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Transport converts the client section into a transport.Config.
func (cl ClientConfig) Transport() transport.Config {
	return transport.Config{
		HandshakeTimeout: cl.HandshakeTimeout,
		WriteTimeout:     cl.WriteTimeout,
		PongWait:         cl.PongWait,
		PingPeriod:       cl.PingPeriod,
		MaxMessageSize:   cl.MaxMessageSize,
		SendQueueSize:    cl.SendQueueSize,
		Reconnect: transport.ReconnectPolicy{
			Enabled:      cl.Reconnect.Enabled,
			Base:         cl.Reconnect.Base,
			Factor:       cl.Reconnect.Factor,
			Cap:          cl.Reconnect.Cap,
			MaxAttempts:  cl.Reconnect.MaxAttempts,
			RetryInitial: cl.Reconnect.RetryInitial,
		},
	}
}

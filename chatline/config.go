package chatline

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls how the SDK connects.
type Config struct {
	// URL is the WebSocket endpoint. When empty it is derived from Origin.
	URL string `env:"CHATLINE_URL"`
	// Origin is the page origin the client acts for, e.g. "https://chat.example.com".
	Origin           string        `env:"CHATLINE_ORIGIN"`
	HandshakeTimeout time.Duration `env:"CHATLINE_HANDSHAKE_TIMEOUT"`
	ReadTimeout      time.Duration `env:"CHATLINE_READ_TIMEOUT"` // 0 keeps idle connections open
	WriteTimeout     time.Duration `env:"CHATLINE_WRITE_TIMEOUT"`
	SendQueueSize    int           `env:"CHATLINE_SEND_QUEUE"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendQueueSize:    16,
	}
}

// ConfigFromEnv overlays CHATLINE_* environment variables on DefaultConfig.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, WrapError(ErrorInvalidConfig, "parse env", err)
	}
	return cfg, nil
}

// Validate reports the first problem with the config, if any.
func (c Config) Validate() error {
	if c.HandshakeTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return NewError(ErrorInvalidConfig, "timeouts must not be negative")
	}
	if c.SendQueueSize < 0 {
		return NewError(ErrorInvalidConfig, "send queue size must not be negative")
	}
	_, err := c.Endpoint()
	return err
}

// Endpoint returns the WebSocket URL to dial.
func (c Config) Endpoint() (string, error) {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return "", WrapError(ErrorInvalidConfig, "parse url", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", NewError(ErrorInvalidConfig, fmt.Sprintf("unsupported url scheme %q", u.Scheme))
		}
		if u.Host == "" {
			return "", NewError(ErrorInvalidConfig, "url has no host")
		}
		return u.String(), nil
	}
	if c.Origin == "" {
		return "", NewError(ErrorInvalidConfig, "empty URL and origin")
	}
	return EndpointFromOrigin(c.Origin)
}

// EndpointFromOrigin maps a page origin to the chat endpoint at the root
// path of the same host: https pages use wss, everything else ws.
func EndpointFromOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", WrapError(ErrorInvalidConfig, "parse origin", err)
	}
	if u.Host == "" {
		return "", NewError(ErrorInvalidConfig, fmt.Sprintf("origin %q has no host", origin))
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/"}).String(), nil
}

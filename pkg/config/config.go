// Package config loads the server configuration.
//
// Values start from Default(), are overlaid by a YAML file when one is given, and then by
// command line flags in cmd/server. Validate must pass before the server starts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the config file when --config is not passed.
const EnvVar = "LIVEDRAW_CONFIG"

type Config struct {
	// Listen is the host:port the HTTP server binds.
	Listen string `yaml:"listen"`

	// Database is the SQLite file path.
	Database string `yaml:"database"`

	Log       LogConfig       `yaml:"log"`
	Session   SessionConfig   `yaml:"session"`
	Ink       InkConfig       `yaml:"ink"`
	History   HistoryConfig   `yaml:"history"`
	Canvas    CanvasConfig    `yaml:"canvas"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Payment   PaymentConfig   `yaml:"payment"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type SessionConfig struct {
	// Key authenticates the session cookie. At least 32 bytes.
	Key          string        `yaml:"key"`
	SecureCookie bool          `yaml:"secure_cookie"`
	MaxAge       time.Duration `yaml:"max_age"`
}

type InkConfig struct {
	InitialBalance int64         `yaml:"initial_balance"`
	ClaimGrant     int64         `yaml:"claim_grant"`
	ClaimCooldown  time.Duration `yaml:"claim_cooldown"`
	// StrokeCost is charged per accepted segment.
	StrokeCost int64 `yaml:"stroke_cost"`
}

type HistoryConfig struct {
	PageSize int `yaml:"page_size"`
}

type CanvasConfig struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

type WebSocketConfig struct {
	// SendQueue bounds each connection's outbound queue. A peer that falls this far behind is
	// disconnected.
	SendQueue    int           `yaml:"send_queue"`
	ReadLimit    int64         `yaml:"read_limit"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	// StrokesPerSecond of zero disables rate limiting.
	StrokesPerSecond float64  `yaml:"strokes_per_second"`
	Burst            int      `yaml:"burst"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
}

type PaymentConfig struct {
	// WebhookSecret signs payment confirmations. Empty disables the confirmation endpoint.
	WebhookSecret string `yaml:"webhook_secret"`
	Currency      string `yaml:"currency"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   "localhost:8080",
		Database: "livedraw.sqlite3",
		Log:      LogConfig{Level: "info", Format: "text"},
		Session: SessionConfig{
			MaxAge: 30 * 24 * time.Hour,
		},
		Ink: InkConfig{
			InitialBalance: 200,
			ClaimGrant:     200,
			ClaimCooldown:  8 * time.Hour,
			StrokeCost:     1,
		},
		History: HistoryConfig{PageSize: 100},
		Canvas:  CanvasConfig{Width: 4096, Height: 4096},
		WebSocket: WebSocketConfig{
			SendQueue:        4096,
			ReadLimit:        4096,
			WriteTimeout:     10 * time.Second,
			PingInterval:     30 * time.Second,
			StrokesPerSecond: 120,
			Burst:            240,
		},
		Payment: PaymentConfig{Currency: "gbp"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays raw YAML onto cfg. Unknown keys are rejected so typos do not silently fall back
// to defaults.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if len(c.Session.Key) < 32 {
		errs = append(errs, errors.New("session.key must be at least 32 bytes"))
	}
	if c.Session.MaxAge <= 0 {
		errs = append(errs, errors.New("session.max_age must be positive"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Ink.InitialBalance < 0 {
		errs = append(errs, errors.New("ink.initial_balance must not be negative"))
	}
	if c.Ink.ClaimGrant <= 0 {
		errs = append(errs, errors.New("ink.claim_grant must be positive"))
	}
	if c.Ink.ClaimCooldown <= 0 {
		errs = append(errs, errors.New("ink.claim_cooldown must be positive"))
	}
	if c.Ink.StrokeCost <= 0 {
		errs = append(errs, errors.New("ink.stroke_cost must be positive"))
	}
	if c.History.PageSize <= 0 || c.History.PageSize > 10000 {
		errs = append(errs, fmt.Errorf("history.page_size must be in [1, 10000], got %d", c.History.PageSize))
	}
	if c.Canvas.Width <= 0 || c.Canvas.Height <= 0 {
		errs = append(errs, errors.New("canvas dimensions must be positive"))
	}
	if c.WebSocket.SendQueue <= 0 {
		errs = append(errs, errors.New("websocket.send_queue must be positive"))
	}
	if c.WebSocket.ReadLimit <= 0 {
		errs = append(errs, errors.New("websocket.read_limit must be positive"))
	}
	if c.WebSocket.WriteTimeout <= 0 || c.WebSocket.PingInterval <= 0 {
		errs = append(errs, errors.New("websocket timeouts must be positive"))
	}
	if c.WebSocket.StrokesPerSecond < 0 {
		errs = append(errs, errors.New("websocket.strokes_per_second must not be negative"))
	}
	if c.WebSocket.StrokesPerSecond > 0 && c.WebSocket.Burst <= 0 {
		errs = append(errs, errors.New("websocket.burst must be positive when rate limiting"))
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

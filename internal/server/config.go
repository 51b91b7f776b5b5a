// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Inbound framing policies.
const (
	// FramingLine reassembles newline-delimited lines across reads.
	FramingLine = "line"
	// FramingRaw treats every socket read as one message.
	FramingRaw = "raw"
)

const (
	defaultAddr           = "127.0.0.1:8080"
	defaultReadBufferSize = 1024
	defaultMaxLineSize    = 64 * 1024
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxWSMessage   = 4096
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
// A zero Burst disables limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// WebSocketConfig controls the optional WebSocket gateway. An empty Addr
// disables it.
type WebSocketConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int64    `yaml:"max_message_size"`
}

// Config holds the relay configuration.
type Config struct {
	Addr           string          `yaml:"addr"`
	BufferSize     int             `yaml:"buffer_size"`
	Framing        string          `yaml:"framing"`
	ReadBufferSize int             `yaml:"read_buffer_size"`
	MaxLineSize    int             `yaml:"max_line_size"`
	IdleTimeout    time.Duration   `yaml:"idle_timeout"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	NotifyMissed   bool            `yaml:"notify_missed"`
	LogLevel       string          `yaml:"log_level"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	WebSocket      WebSocketConfig `yaml:"websocket"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Addr:           defaultAddr,
		BufferSize:     DefaultBufferSize,
		Framing:        FramingLine,
		ReadBufferSize: defaultReadBufferSize,
		MaxLineSize:    defaultMaxLineSize,
		WriteTimeout:   defaultWriteTimeout,
		LogLevel:       "info",
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			MaxMessageSize: defaultMaxWSMessage,
		},
	}
}

// LoadConfigFile overlays the YAML document at path onto cfg. Keys missing
// from the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Unparseable values are
// ignored.
func ApplyEnv(cfg *Config) {
	if addr := os.Getenv("RELAY_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if size := os.Getenv("RELAY_BUFFER_SIZE"); size != "" {
		cfg.BufferSize = parseIntValue(size, cfg.BufferSize)
	}

	if framing := os.Getenv("RELAY_FRAMING"); framing != "" {
		cfg.Framing = strings.ToLower(strings.TrimSpace(framing))
	}

	if idle := os.Getenv("RELAY_IDLE_TIMEOUT"); idle != "" {
		cfg.IdleTimeout = parseDuration(idle, cfg.IdleTimeout)
	}

	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if wsAddr := os.Getenv("RELAY_WS_ADDR"); wsAddr != "" {
		cfg.WebSocket.Addr = wsAddr
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.WebSocket.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.WebSocket.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.WebSocket.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}
}

// Sanitize replaces out-of-range values with their defaults.
func (c *Config) Sanitize() {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Framing == "" {
		c.Framing = FramingLine
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = defaultMaxLineSize
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = 0
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		c.WebSocket.MaxMessageSize = defaultMaxWSMessage
	}
}

// Validate reports settings that cannot be repaired by Sanitize.
func (c *Config) Validate() error {
	switch c.Framing {
	case FramingLine, FramingRaw:
	default:
		return fmt.Errorf("unknown framing %q (want %q or %q)", c.Framing, FramingLine, FramingRaw)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a level name to its slog.Level. An empty name is info.
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if name == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// parseDuration accepts either a Go duration ("90s") or whole seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

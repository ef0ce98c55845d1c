// Package server implements the chatwire server: the TCP listener, the
// per-connection session workers, username registry, message routing,
// broadcast fan-out, the server side of file transfers, and the ops HTTP
// surface.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// RateLimitConfig defines the parameters for per-session envelope rate
// limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings.
type Config struct {
	// ListenAddr is the TCP address the chat protocol listens on.
	ListenAddr string `yaml:"listen_addr"`
	// OpsAddr is the HTTP address for health, stats, and the presence
	// feed. Empty disables the ops server.
	OpsAddr string `yaml:"ops_addr"`
	// AllowedOrigins restricts WebSocket upgrades on the presence feed.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// HistoryLimit caps stored messages per history context.
	HistoryLimit int             `yaml:"history_limit"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8888",
		OpsAddr:      ":8080",
		HistoryLimit: 1000,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg.sanitize(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg.sanitize(), nil
}

// FromEnv applies environment overrides on top of the receiver and
// returns the result. Unset or unparseable variables leave the existing
// value in place.
func (c Config) FromEnv() Config {
	if addr := os.Getenv("CHATWIRE_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
	if addr := os.Getenv("CHATWIRE_OPS_ADDR"); addr != "" {
		c.OpsAddr = addr
	}
	if origins := os.Getenv("CHATWIRE_ALLOWED_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.AllowedOrigins = parts
	}
	if limit := os.Getenv("CHATWIRE_HISTORY_LIMIT"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			c.HistoryLimit = parsed
		}
	}
	if burst := os.Getenv("CHATWIRE_RATE_LIMIT_BURST"); burst != "" {
		if parsed, err := strconv.Atoi(burst); err == nil && parsed > 0 {
			c.RateLimit.Burst = parsed
		}
	}
	if interval := os.Getenv("CHATWIRE_RATE_LIMIT_REFILL_SECONDS"); interval != "" {
		if parsed, err := strconv.Atoi(interval); err == nil && parsed > 0 {
			c.RateLimit.RefillInterval = time.Duration(parsed) * time.Second
		}
	}
	return c.sanitize()
}

func (c Config) sanitize() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8888"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	return c
}

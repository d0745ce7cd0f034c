package config

import (
	"os"
	"time"
)

// Config holds application configuration. DATABASE_URL and REDIS_URL are
// both optional; without either, sources live in process memory only.
type Config struct {
	DatabaseURL string        `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL    string        `yaml:"redis_url" env:"REDIS_URL"`
	ServerPort  string        `yaml:"server_port" env:"SERVER_PORT"`
	UserAgent   string        `yaml:"user_agent" env:"FETCHER_USER_AGENT"`
	Timeout     time.Duration `yaml:"timeout" env:"FETCHER_TIMEOUT"`

	// TextProxyURL is the scheme-stripping passthrough proxy base; the
	// target is appended without its scheme.
	TextProxyURL string `yaml:"text_proxy_url" env:"TEXT_PROXY_URL"`
	// CORSRelayURL is the JSON-envelope relay base; the target is appended
	// URL-escaped.
	CORSRelayURL string `yaml:"cors_relay_url" env:"CORS_RELAY_URL"`

	// EPGURL is an optional explicit guide feed tried before fallbacks.
	EPGURL string `yaml:"epg_url" env:"EPG_URL"`
	// SyncCron schedules background source re-syncs (cron expression).
	SyncCron string `yaml:"sync_cron" env:"SYNC_CRON"`
}

// Load builds config from environment variables, falling back to .env.local
// and .env files in the working directory when nothing is set.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" && os.Getenv("REDIS_URL") == "" {
		loadEnvFiles()
	}
	c := &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		ServerPort:   os.Getenv("SERVER_PORT"),
		UserAgent:    os.Getenv("FETCHER_USER_AGENT"),
		Timeout:      30 * time.Second,
		TextProxyURL: os.Getenv("TEXT_PROXY_URL"),
		CORSRelayURL: os.Getenv("CORS_RELAY_URL"),
		EPGURL:       os.Getenv("EPG_URL"),
		SyncCron:     os.Getenv("SYNC_CRON"),
	}
	applyDefaults(c)
	if s := os.Getenv("FETCHER_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			c.Timeout = d
		}
	}
	return c, nil
}

func applyDefaults(c *Config) {
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}
	if c.UserAgent == "" {
		c.UserAgent = "StreamVault/1.0"
	}
	if c.SyncCron == "" {
		// Midnight every day.
		c.SyncCron = "0 0 * * *"
	}
	if c.CORSRelayURL == "" {
		// allorigins wraps the body in the {"contents": ...} envelope the
		// relay tier expects.
		c.CORSRelayURL = "https://api.allorigins.win/get?url="
	}
}

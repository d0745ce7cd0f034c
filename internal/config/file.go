package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	DatabaseURL  string `yaml:"database_url"`
	RedisURL     string `yaml:"redis_url"`
	ServerPort   string `yaml:"server_port"`
	UserAgent    string `yaml:"user_agent"`
	Timeout      string `yaml:"timeout"`
	TextProxyURL string `yaml:"text_proxy_url"`
	CORSRelayURL string `yaml:"cors_relay_url"`
	EPGURL       string `yaml:"epg_url"`
	SyncCron     string `yaml:"sync_cron"`
}

// LoadFromFile loads config from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	c := &Config{
		DatabaseURL:  f.DatabaseURL,
		RedisURL:     f.RedisURL,
		ServerPort:   f.ServerPort,
		UserAgent:    f.UserAgent,
		Timeout:      30 * time.Second,
		TextProxyURL: f.TextProxyURL,
		CORSRelayURL: f.CORSRelayURL,
		EPGURL:       f.EPGURL,
		SyncCron:     f.SyncCron,
	}
	applyDefaults(c)
	if f.Timeout != "" {
		if d, err := time.ParseDuration(f.Timeout); err == nil {
			c.Timeout = d
		}
	}
	return c, nil
}

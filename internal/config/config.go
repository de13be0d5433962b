package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.charla/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServerURL is the HTTP base of the chat server. The websocket endpoint
	// is derived from it by scheme substitution.
	ServerURL string `toml:"server_url"`

	// Token is the bearer credential presented at handshake and socket open.
	Token string `toml:"token"`

	HeartbeatInterval     duration `toml:"heartbeat_interval"`
	HeartbeatTimeout      duration `toml:"heartbeat_timeout"`
	ReconnectInitialDelay duration `toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     duration `toml:"reconnect_max_delay"`
	QueueCapacity         int      `toml:"queue_capacity"`
	PresencePollInterval  duration `toml:"presence_poll_interval"`
	HistoryPageSize       int      `toml:"history_page_size"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with every tunable at its default.
func Default() *Config {
	return &Config{
		DefaultSession:        "main",
		HeartbeatInterval:     duration{25 * time.Second},
		HeartbeatTimeout:      duration{10 * time.Second},
		ReconnectInitialDelay: duration{time.Second},
		ReconnectMaxDelay:     duration{30 * time.Second},
		QueueCapacity:         100,
		PresencePollInterval:  duration{45 * time.Second},
		HistoryPageSize:       25,
	}
}

// Load reads config from the given path and fills omitted tunables with
// defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.DefaultSession == "" {
		c.DefaultSession = def.DefaultSession
	}
	if c.HeartbeatInterval.Duration <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout.Duration <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.ReconnectInitialDelay.Duration <= 0 {
		c.ReconnectInitialDelay = def.ReconnectInitialDelay
	}
	if c.ReconnectMaxDelay.Duration <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.PresencePollInterval.Duration <= 0 {
		c.PresencePollInterval = def.PresencePollInterval
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = def.HistoryPageSize
	}
}

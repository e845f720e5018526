// Package config loads and validates the tool configuration. YAML and JSON
// are both accepted; YAML is coerced to JSON so a single strict decoder
// (DisallowUnknownFields) covers both formats.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

type Config struct {
	ServerBaseURL string `json:"server_base_url"`
	TestSizeMB    int    `json:"test_size_mb"`
	PingSamples   int    `json:"ping_samples"`
	LogLevel      string `json:"log_level"`
	LogFile       string `json:"log_file"`

	Timeouts TimeoutsConfig `json:"timeouts"`

	// Schedule enables automatic runs in daemon mode; cron spec or @every.
	Schedule string `json:"schedule"`

	History  HistoryConfig  `json:"history"`
	Location LocationConfig `json:"location"`
	Telegram TelegramConfig `json:"telegram"`
}

type TimeoutsConfig struct {
	Ping     string `json:"ping"`
	Download string `json:"download"`
	Upload   string `json:"upload"`

	PingTimeout     time.Duration `json:"-"`
	DownloadTimeout time.Duration `json:"-"`
	UploadTimeout   time.Duration `json:"-"`
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LocationConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
	Timeout  string `json:"timeout"`

	FetchTimeout time.Duration `json:"-"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

const (
	defaultTestSizeMB  = 5
	defaultPingSamples = 15
	defaultLogFile     = "spdtest.csv"
)

// Load reads, decodes, defaults and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// Parse decodes raw config content; path determines the format by extension.
func Parse(path string, data []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TestSizeMB == 0 {
		c.TestSizeMB = defaultTestSizeMB
	}
	if c.PingSamples == 0 {
		c.PingSamples = defaultPingSamples
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFile == "" {
		c.LogFile = defaultLogFile
	}
	if c.Location.Endpoint == "" {
		c.Location.Endpoint = "http://ip-api.com/json"
	}
	if c.History.Enabled && c.History.Path == "" {
		c.History.Path = "spdtest.db"
	}
}

func (c *Config) validate() error {
	if c.ServerBaseURL == "" {
		return fmt.Errorf("server_base_url is required")
	}
	if c.TestSizeMB != 5 && c.TestSizeMB != 50 {
		return fmt.Errorf("test_size_mb must be 5 or 50, got %d", c.TestSizeMB)
	}
	if c.PingSamples < 0 {
		return fmt.Errorf("ping_samples must be >= 0")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}

	var err error
	if c.Timeouts.PingTimeout, err = ParseDurationField("timeouts.ping", c.Timeouts.Ping); err != nil {
		return err
	}
	if c.Timeouts.DownloadTimeout, err = ParseDurationField("timeouts.download", c.Timeouts.Download); err != nil {
		return err
	}
	if c.Timeouts.UploadTimeout, err = ParseDurationField("timeouts.upload", c.Timeouts.Upload); err != nil {
		return err
	}
	if c.Location.FetchTimeout, err = ParseDurationField("location.timeout", c.Location.Timeout); err != nil {
		return err
	}
	return nil
}

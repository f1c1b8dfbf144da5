package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
	"github.com/DNSGeek/mmbasic-link/internal/debug"
	"github.com/DNSGeek/mmbasic-link/internal/files"
	"github.com/DNSGeek/mmbasic-link/internal/logger"
	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/mmbasic-link/config.yaml"

// Config holds all mmbasic-link configuration.
type Config struct {
	mu sync.RWMutex

	// Device connection
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Command pacing and response timeouts
	Timing TimingConfig `yaml:"timing" json:"timing"`

	// Transcript CSV
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	Driver      string `yaml:"driver" json:"driver"`          // "bugst", "tarm" or "demo"
	Port        string `yaml:"port" json:"port"`              // e.g. /dev/ttyACM0 or COM3
	BaudRate    int    `yaml:"baud_rate" json:"baudRate"`
	LineEnding  string `yaml:"line_ending" json:"lineEnding"` // escape template, e.g. \r\n
	AutoConnect bool   `yaml:"auto_connect" json:"autoConnect"`
}

// TimingConfig values are in milliseconds.
type TimingConfig struct {
	SettleMs          int `yaml:"settle_ms" json:"settleMs"`
	LineDelayMs       int `yaml:"line_delay_ms" json:"lineDelayMs"`
	SaveDelayMs       int `yaml:"save_delay_ms" json:"saveDelayMs"`
	RunDelayMs        int `yaml:"run_delay_ms" json:"runDelayMs"`
	ListTimeoutMs     int `yaml:"list_timeout_ms" json:"listTimeoutMs"`
	DownloadTimeoutMs int `yaml:"download_timeout_ms" json:"downloadTimeoutMs"`
	EvalTimeoutMs     int `yaml:"eval_timeout_ms" json:"evalTimeoutMs"`
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"` // rows per CSV before rotating
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Driver:     "bugst",
			Port:       "",
			BaudRate:   channel.DefaultBaud,
			LineEnding: channel.DefaultLineEnding,
		},
		Timing: TimingConfig{
			SettleMs:          100,
			LineDelayMs:       50,
			SaveDelayMs:       500,
			RunDelayMs:        500,
			ListTimeoutMs:     3000,
			DownloadTimeoutMs: 5000,
			EvalTimeoutMs:     1000,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "/var/log/mmbasic-link",
			MaxRows: 100_000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: MMBASIC_DRIVER, MMBASIC_PORT, MMBASIC_BAUD, MMBASIC_LINE_ENDING,
// MMBASIC_AUTO_CONNECT, LISTEN_ADDR, LOG_ENABLED, LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MMBASIC_DRIVER"); v != "" {
		c.Serial.Driver = v
	}
	if v := os.Getenv("MMBASIC_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("MMBASIC_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("MMBASIC_LINE_ENDING"); v != "" {
		c.Serial.LineEnding = v
	}
	if v := os.Getenv("MMBASIC_AUTO_CONNECT"); v != "" {
		c.Serial.AutoConnect = isTrue(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = isTrue(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

func isTrue(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.filePath()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// filePath returns the file Save writes. The caller holds c.mu.
func (c *Config) filePath() string {
	if c.path == "" {
		return DefaultConfigPath
	}
	return c.path
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// SerialSettings returns a copy of the serial section.
func (c *Config) SerialSettings() SerialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Serial
}

// LoggingSettings returns a copy of the logging section.
func (c *Config) LoggingSettings() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ChannelOptions builds command channel options from the config.
func (c *Config) ChannelOptions(sink channel.Sink) channel.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return channel.Options{
		LineEnding:  c.Serial.LineEnding,
		SettleDelay: ms(c.Timing.SettleMs),
		LineDelay:   ms(c.Timing.LineDelayMs),
		Sink:        sink,
	}
}

// FileTiming builds the file browser timing from the config.
func (c *Config) FileTiming() files.Timing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return files.Timing{
		ListTimeout:     ms(c.Timing.ListTimeoutMs),
		DownloadTimeout: ms(c.Timing.DownloadTimeoutMs),
		SettleDelay:     ms(c.Timing.SettleMs),
		SaveDelay:       ms(c.Timing.SaveDelayMs),
	}
}

// DebugTiming builds the debug session timing from the config.
func (c *Config) DebugTiming() debug.Timing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return debug.Timing{
		TraceDelay:  ms(c.Timing.SettleMs),
		RunDelay:    ms(c.Timing.RunDelayMs),
		StopDelay:   ms(c.Timing.SettleMs),
		EvalTimeout: ms(c.Timing.EvalTimeoutMs),
	}
}

// LoggerConfig builds the transcript logger config.
func (c *Config) LoggerConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Config{
		Enabled: c.Logging.Enabled,
		Path:    c.Logging.Path,
		MaxRows: c.Logging.MaxRows,
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/user/burrow/internal/server"
)

type Config struct {
	DataDir  string        `json:"data_dir" mapstructure:"data_dir"`
	LogLevel string        `json:"log_level" mapstructure:"log_level"`
	Server   ServerConfig  `json:"server" mapstructure:"server"`
	Storage  StorageConfig `json:"storage" mapstructure:"storage"`
	Driver   DriverConfig  `json:"driver" mapstructure:"driver"`
	LLM      LLMConfig     `json:"llm" mapstructure:"llm"`
	Client   ClientConfig  `json:"client" mapstructure:"client"`
}

type ServerConfig struct {
	Listen            string `json:"listen" mapstructure:"listen"`
	HeartbeatInterval string `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

// StorageConfig selects the event log backend. EvictSchedule is a cron expression
// for dropping idle sessions' replay buffers.
type StorageConfig struct {
	Backend       string      `json:"backend" mapstructure:"backend"`
	BufferSize    int         `json:"buffer_size" mapstructure:"buffer_size"`
	EvictAfter    string      `json:"evict_after" mapstructure:"evict_after"`
	EvictSchedule string      `json:"evict_schedule" mapstructure:"evict_schedule"`
	Redis         RedisConfig `json:"redis" mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
}

type DriverConfig struct {
	MaxConcurrent      int  `json:"max_concurrent" mapstructure:"max_concurrent"`
	QueueDepth         int  `json:"queue_depth" mapstructure:"queue_depth"`
	CancelOnDisconnect bool `json:"cancel_on_disconnect" mapstructure:"cancel_on_disconnect"`
	MaxRounds          int  `json:"max_rounds" mapstructure:"max_rounds"`
}

type LLMConfig struct {
	BaseURL          string  `json:"base_url" mapstructure:"base_url"`
	APIKey           string  `json:"api_key" mapstructure:"api_key"`
	Model            string  `json:"model" mapstructure:"model"`
	MaxTokens        int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature      float32 `json:"temperature" mapstructure:"temperature"`
	MaxContextTokens int     `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	OutputReserve    int     `json:"output_reserve" mapstructure:"output_reserve"`
}

// ClientConfig is read by the ask and tunnel commands on the local side.
type ClientConfig struct {
	SSH               SSHConfig `json:"ssh" mapstructure:"ssh"`
	RemoteHost        string    `json:"remote_host" mapstructure:"remote_host"`
	RemotePort        int       `json:"remote_port" mapstructure:"remote_port"`
	IdleTimeout       string    `json:"idle_timeout" mapstructure:"idle_timeout"`
	MaxResumeAttempts int       `json:"max_resume_attempts" mapstructure:"max_resume_attempts"`
	CursorPath        string    `json:"cursor_path" mapstructure:"cursor_path"`
}

type SSHConfig struct {
	Addr                  string `json:"addr" mapstructure:"addr"`
	User                  string `json:"user" mapstructure:"user"`
	KeyPath               string `json:"key_path" mapstructure:"key_path"`
	Password              string `json:"password" mapstructure:"password"`
	KnownHosts            string `json:"known_hosts" mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key" mapstructure:"insecure_ignore_host_key"`
	KeepaliveInterval     string `json:"keepalive_interval" mapstructure:"keepalive_interval"`
	KeepaliveMaxMissed    int    `json:"keepalive_max_missed" mapstructure:"keepalive_max_missed"`
}

// DefaultPath returns ~/.burrow/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".burrow", "config.json")
}

// Default returns a Config with default values.
func Default() *Config {
	home := os.Getenv("HOME")
	cfg := &Config{
		DataDir:  filepath.Join(home, ".burrow"),
		LogLevel: "info",
	}
	cfg.Server.Listen = "127.0.0.1:7878"
	cfg.Server.HeartbeatInterval = "15s"

	cfg.Storage.Backend = "file"
	cfg.Storage.BufferSize = 512
	cfg.Storage.EvictAfter = "30m"
	cfg.Storage.EvictSchedule = "@every 5m"
	cfg.Storage.Redis.Addr = "127.0.0.1:6379"
	cfg.Storage.Redis.Prefix = "burrow:"

	cfg.Driver.MaxConcurrent = 2
	cfg.Driver.QueueDepth = 64
	cfg.Driver.MaxRounds = 10

	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096

	cfg.Client.SSH.User = os.Getenv("USER")
	cfg.Client.SSH.KeyPath = filepath.Join(home, ".ssh", "id_ed25519")
	cfg.Client.SSH.KeepaliveInterval = "15s"
	cfg.Client.SSH.KeepaliveMaxMissed = 3
	cfg.Client.RemoteHost = "127.0.0.1"
	cfg.Client.RemotePort = 7878
	cfg.Client.IdleTimeout = "45s"
	cfg.Client.MaxResumeAttempts = 5
	return cfg
}

// Load reads the config file at path, writing defaults first if it does not
// exist. Environment variables prefixed with BURROW_ override file values
// (BURROW_SERVER_LISTEN overrides server.listen).
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	defaults, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	for k, val := range Flatten(defaults) {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("BURROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The provider's conventional variables still apply.
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	return cfg, nil
}

// Validate checks the values the server and client depend on.
func (c *Config) Validate() error {
	var errs []error
	if err := server.CheckLoopback(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen: %w", err))
	}
	switch c.Storage.Backend {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		errs = append(errs, errors.New("storage.redis.addr: required for the redis backend"))
	}

	positive := map[string]int{
		"storage.buffer_size":        c.Storage.BufferSize,
		"driver.max_concurrent":      c.Driver.MaxConcurrent,
		"driver.queue_depth":         c.Driver.QueueDepth,
		"driver.max_rounds":          c.Driver.MaxRounds,
		"client.remote_port":         c.Client.RemotePort,
		"client.max_resume_attempts": c.Client.MaxResumeAttempts,
	}
	for key, n := range positive {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", key, n))
		}
	}

	durations := map[string]string{
		"server.heartbeat_interval":     c.Server.HeartbeatInterval,
		"storage.evict_after":           c.Storage.EvictAfter,
		"client.idle_timeout":           c.Client.IdleTimeout,
		"client.ssh.keepalive_interval": c.Client.SSH.KeepaliveInterval,
	}
	for key, s := range durations {
		if d, err := time.ParseDuration(s); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, s))
		}
	}
	return errors.Join(errs...)
}

// HeartbeatInterval returns server.heartbeat_interval, or 0 if unset.
func (c *Config) HeartbeatInterval() time.Duration { return parseDuration(c.Server.HeartbeatInterval) }

// EvictAfter returns storage.evict_after, or 0 if unset.
func (c *Config) EvictAfter() time.Duration { return parseDuration(c.Storage.EvictAfter) }

// IdleTimeout returns client.idle_timeout, or 0 if unset.
func (c *Config) IdleTimeout() time.Duration { return parseDuration(c.Client.IdleTimeout) }

// KeepaliveInterval returns client.ssh.keepalive_interval, or 0 if unset.
func (c *Config) KeepaliveInterval() time.Duration {
	return parseDuration(c.Client.SSH.KeepaliveInterval)
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// ToMap converts the config to a nested map through its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns the config as flat dot-separated keys, with secrets
// masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the raw value stored under key in the config file,
// creating the file with defaults if needed.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores raw under key in an existing config file. Values that parse
// as JSON (numbers, booleans) are stored typed; anything else as a string.
func SetValue(path, key, raw string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	flat := Flatten(m)
	flat[key] = value
	return writeMap(path, Unflatten(flat))
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	m, err := ToMap(cfg)
	if err != nil {
		return err
	}
	return writeMap(path, m)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

func writeMap(path string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

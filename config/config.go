package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Env overrides, applied over the file values.
const (
	EnvAPIListenAddr = "REALTIME_API_LISTEN_ADDR"
	EnvWSListenAddr  = "REALTIME_WS_LISTEN_ADDR"
	EnvLogLevel      = "REALTIME_LOG_LEVEL"
	EnvSendTimeout   = "REALTIME_SEND_TIMEOUT"
)

var ErrConfig = errors.New("config error")

// Config is the app configuration, layered as defaults -> YAML file
// -> environment. Command-line flags are applied on top by cmd.
type Config struct {
	APIListenAddr string `yaml:"api_listen_addr"`
	WSListenAddr  string `yaml:"ws_listen_addr"`
	LogLevel      string `yaml:"log_level"`
	SendTimeout   string `yaml:"send_timeout"`
}

func Default() Config {
	return Config{
		APIListenAddr: ":8080",
		WSListenAddr:  ":8888",
		LogLevel:      "debug",
		SendTimeout:   "1s",
	}
}

// Load reads the optional YAML file and applies env overrides. An
// empty path means defaults + env only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Join(ErrConfig, err)
		}
		if err = yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Join(ErrConfig, err)
		}
	}
	cfg.applyEnv()
	if _, err := cfg.ParseSendTimeout(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIListenAddr); v != "" {
		c.APIListenAddr = v
	}
	if v := os.Getenv(EnvWSListenAddr); v != "" {
		c.WSListenAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvSendTimeout); v != "" {
		c.SendTimeout = v
	}
}

func (c Config) ParseSendTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.SendTimeout)
	if err != nil {
		return 0, errors.Join(ErrConfig, fmt.Errorf("send_timeout: %w", err))
	}
	if d <= 0 {
		return 0, errors.Join(ErrConfig, errors.New("send_timeout must be positive"))
	}
	return d, nil
}

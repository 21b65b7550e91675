package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Interval and TTL options are
// plain milliseconds to match the wire contract.
type Config struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Auth struct {
		// AccessSecret signs control-surface JWTs. Device sockets use
		// pairing tokens instead; the two credential planes never mix.
		AccessSecret string `yaml:"access_secret"`
		AccessExpire int64  `yaml:"access_expire"` // seconds
	} `yaml:"auth"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Pairing struct {
		CodeTTLMS int64 `yaml:"code_ttl_ms"`
	} `yaml:"pairing"`

	Gateway struct {
		HeartbeatIntervalMS int64 `yaml:"heartbeat_interval_ms"`
	} `yaml:"gateway"`

	Commands struct {
		TimeoutMS int64 `yaml:"timeout_ms"`
	} `yaml:"commands"`

	Approvals struct {
		TTLMS int64 `yaml:"ttl_ms"`
	} `yaml:"approvals"`

	Discovery struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"discovery"`

	Alerts struct {
		// Desktop pops a native OS notification for new approval requests.
		Desktop bool `yaml:"desktop"`
	} `yaml:"alerts"`
}

// LoadFromBytes loads configuration from YAML bytes with environment
// variable expansion applied before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	c := defaults()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

// Load reads a config file from disk. A missing file is not an error;
// the defaults are returned so the daemon can start bare.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c := defaults()
			c.applyDefaults()
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

func defaults() *Config {
	return &Config{
		Name:     "tether",
		Host:     "0.0.0.0",
		Port:     8787,
		LogLevel: "info",
	}
}

// applyDefaults fills zero values after unmarshal so a partial file
// still yields a runnable config.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "tether"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8787
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Auth.AccessExpire == 0 {
		c.Auth.AccessExpire = 86400
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/tether.db"
	}
	if c.Pairing.CodeTTLMS == 0 {
		c.Pairing.CodeTTLMS = 300000
	}
	if c.Gateway.HeartbeatIntervalMS == 0 {
		c.Gateway.HeartbeatIntervalMS = 60000
	}
	if c.Commands.TimeoutMS == 0 {
		c.Commands.TimeoutMS = 30000
	}
	if c.Approvals.TTLMS == 0 {
		c.Approvals.TTLMS = 300000
	}
}

// PairingCodeTTL returns the pairing-code TTL as a duration.
func (c *Config) PairingCodeTTL() time.Duration {
	return time.Duration(c.Pairing.CodeTTLMS) * time.Millisecond
}

// HeartbeatInterval returns the device heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Gateway.HeartbeatIntervalMS) * time.Millisecond
}

// CommandTimeout returns the per-command response timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Commands.TimeoutMS) * time.Millisecond
}

// ApprovalTTL returns the approval-request TTL as a duration.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Approvals.TTLMS) * time.Millisecond
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

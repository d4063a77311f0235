package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "LXDOPS"

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `envconfig:"SERVER"`
	Redis   RedisConfig   `envconfig:"REDIS"`
	LXD     LXDConfig     `envconfig:"LXD"`
	Logging LoggingConfig `envconfig:"LOGGING"`
}

type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:"0.0.0.0:8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

type RedisConfig struct {
	Addr        string        `envconfig:"ADDR" default:"localhost:6379"`
	Password    string        `envconfig:"PASSWORD"`
	DB          int           `envconfig:"DB" default:"0"`
	SnapshotTTL time.Duration `envconfig:"SNAPSHOT_TTL" default:"24h"`
}

// LXDConfig describes how to reach the server whose operations are tracked.
// CertFile and KeyFile are either both set or both empty.
type LXDConfig struct {
	URL      string `envconfig:"URL" default:"https://localhost:8443"`
	CertFile string `envconfig:"CERT_FILE"`
	KeyFile  string `envconfig:"KEY_FILE"`
}

type LoggingConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEVELOPMENT" default:"false"`
}

// Load reads the configuration from LXDOPS_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if (c.LXD.CertFile == "") != (c.LXD.KeyFile == "") {
		return fmt.Errorf("LXD cert file and key file must be set together")
	}
	if c.Redis.SnapshotTTL < 0 {
		return fmt.Errorf("snapshot TTL must not be negative")
	}
	return nil
}

// ClientCertificate reads the configured PEM pair. Both are nil when no
// client certificate is configured.
func (c *LXDConfig) ClientCertificate() (certPEM, keyPEM []byte, err error) {
	if c.CertFile == "" {
		return nil, nil, nil
	}

	certPEM, err = os.ReadFile(c.CertFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read cert file: %w", err)
	}
	keyPEM, err = os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return certPEM, keyPEM, nil
}

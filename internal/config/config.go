package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/ecamargo/kindred/internal/account"
)

// Config represents the daemon configuration file.
type Config struct {
	// DataDir holds the CRM database, per-account credential stores and logs.
	DataDir string `toml:"data_dir"`

	Media MediaConfig `toml:"media"`
}

// MediaConfig configures the S3-compatible object store that media payloads
// are offloaded to. When Endpoint or Bucket is empty the media worker is
// disabled and messages keep a null media reference.
type MediaConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	// PublicURL is the base URL stored on message records. Defaults to the
	// endpoint when empty.
	PublicURL string `toml:"public_url"`
}

// Load reads config from the given path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = account.DefaultBaseDir()
	}
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

// MediaEnabled reports whether an object-storage target is configured.
func (c *Config) MediaEnabled() bool {
	return c.Media.Endpoint != "" && c.Media.Bucket != ""
}

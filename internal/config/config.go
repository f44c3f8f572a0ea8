// Package config provides configuration for the local pharmacy cache.
//
// Config file locations (priority order):
//  1. $PHARMACACHE_CONFIG
//  2. ./pharmacache.yaml
//  3. $XDG_CONFIG_HOME/pharmacache/config.yaml
//  4. ~/.config/pharmacache/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pharmadesk/pharmacache/pkg/logger"
)

// Config holds the full application configuration.
type Config struct {
	// DataDir is where the database file lives. Empty means the
	// per-user config directory.
	DataDir string `yaml:"dataDir"`
	// DatabaseFile is the file name inside DataDir.
	DatabaseFile string        `yaml:"databaseFile"`
	Log          logger.Config `yaml:"log"`
}

// Load finds and loads the config file, or returns defaults if none found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return Default(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, path, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DatabaseFile == "" {
		c.DatabaseFile = "pharmacache.db"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// DatabasePath resolves the full path of the backing database file.
func (c *Config) DatabasePath() string {
	dir := c.DataDir
	if dir == "" {
		if base, err := os.UserConfigDir(); err == nil {
			dir = filepath.Join(base, appDirName)
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, c.DatabaseFile)
}

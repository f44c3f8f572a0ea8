package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath is the environment variable for an explicit config path.
	EnvConfigPath = "PHARMACACHE_CONFIG"
	// ConfigFileName is the default config file name in the working directory.
	ConfigFileName = "pharmacache.yaml"

	appDirName = "pharmacache"
)

// FindConfigPath searches for a config file in priority order:
//  1. $PHARMACACHE_CONFIG (explicit path)
//  2. ./pharmacache.yaml (working directory)
//  3. $XDG_CONFIG_HOME/pharmacache/config.yaml
//  4. ~/.config/pharmacache/config.yaml
//
// Returns empty string if no config file is found.
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if fileExists(path) {
			return path
		}
	}

	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}

	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		path := filepath.Join(xdgHome, appDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		path := filepath.Join(home, ".config", appDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

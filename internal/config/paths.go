package config

import (
	"os"
	"path/filepath"
)

// Dir returns the mcc state directory, ~/.mcc, creating it if needed. It
// holds the config file, the device identity, and the transcript database.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(homeDir, ".mcc")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultPath returns the default config file location, ~/.mcc/config.yaml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

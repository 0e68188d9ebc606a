package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - MERGIN_CONFIG_PATH: config file location (default: ~/.config/mergin.toml)
//   - MERGIN_HOME: base directory for server data (default: ~/.local/share/mergin)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking MERGIN_CONFIG_PATH env
// var first, then falling back to the default ~/.config/mergin.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("MERGIN_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "mergin.toml"), nil
}

// getBaseDir returns the base directory for server data, checking MERGIN_HOME
// env var first, then falling back to the XDG default ~/.local/share/mergin.
func getBaseDir() (string, error) {
	if path := os.Getenv("MERGIN_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mergin"), nil
}

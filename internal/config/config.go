package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/pguigue/mergin/internal/database"
	"github.com/pguigue/mergin/internal/encryption"
	"github.com/pguigue/mergin/internal/staging"
	"github.com/pguigue/mergin/internal/store"
)

// Config represents the main configuration for the sync server.
type Config struct {
	BaseDir    string            `toml:"base_dir"`
	LogDir     string            `toml:"log_dir"`
	Server     ServerConfig      `toml:"server"`
	Database   database.Config   `toml:"database"`
	Store      store.Config      `toml:"store"`
	Staging    staging.Config    `toml:"staging"`
	Encryption encryption.Config `toml:"encryption"`
	Push       PushConfig        `toml:"push"`
	Access     AccessConfig      `toml:"access"`
	Quota      QuotaConfig       `toml:"quota"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// PushConfig holds push transaction settings.
type PushConfig struct {
	// TransactionTTLMinutes is how long a transaction may sit idle before
	// expiry reclamation discards it. Zero means the built-in default.
	TransactionTTLMinutes int `toml:"transaction_ttl_minutes"`
}

// AccessConfig holds access request settings.
type AccessConfig struct {
	// RequestWindowDays is how long a filed access request stays pending
	// before it expires. Zero means the built-in default.
	RequestWindowDays int `toml:"request_window_days"`
}

// QuotaConfig holds namespace storage limits.
type QuotaConfig struct {
	// NamespaceLimitBytes caps the summed disk usage of a namespace's live
	// projects. Zero or negative means unlimited.
	NamespaceLimitBytes int64 `toml:"namespace_limit_bytes"`
}

// NewConfig creates a new Config with the provided base directory and
// default backends: filesystem storage and staging under baseDir, a sqlite
// metadata database, no at-rest encryption.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Server:  ServerConfig{Addr: ":8080"},
		Database: database.Config{
			Type: "sqlite",
			Path: filepath.Join(baseDir, "mergin.db"),
		},
		Store: store.Config{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "content"),
		},
		Staging: staging.Config{
			Type: "filesystem",
			Dir:  filepath.Join(baseDir, "staging"),
		},
		Encryption: encryption.Config{
			Type:    "none",
			KeyPath: filepath.Join(baseDir, "keys", "mergin.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

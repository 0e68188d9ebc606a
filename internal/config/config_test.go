package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig("/srv/mergin")

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.Path != "/srv/mergin/mergin.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Store.Type != "filesystem" || cfg.Store.Root != "/srv/mergin/content" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Staging.Type != "filesystem" || cfg.Staging.Dir != "/srv/mergin/staging" {
		t.Errorf("Staging = %+v", cfg.Staging)
	}
	if cfg.Encryption.Type != "none" {
		t.Errorf("Encryption.Type = %q, want none", cfg.Encryption.Type)
	}
	if cfg.Quota.NamespaceLimitBytes != 0 {
		t.Errorf("Quota.NamespaceLimitBytes = %d, want 0 (unlimited)", cfg.Quota.NamespaceLimitBytes)
	}
}

func TestManager_WriteReadRoundTrip(t *testing.T) {
	cfg := NewConfig("/srv/mergin")
	cfg.Server.Addr = ":9000"
	cfg.Encryption.Type = "age"
	cfg.Push.TransactionTTLMinutes = 30
	cfg.Access.RequestWindowDays = 14
	cfg.Quota.NamespaceLimitBytes = 1 << 30

	m := &Manager{}
	var buf bytes.Buffer
	if err := m.Write(&buf, cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if *got != *cfg {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, cfg)
	}
}

func TestManager_ReadInvalid(t *testing.T) {
	m := &Manager{}
	if _, err := m.Read(strings.NewReader("not = [valid toml")); err == nil {
		t.Error("Read() accepted invalid TOML")
	}
}

func TestReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mergin.toml")
	content := `
base_dir = "/srv/mergin"

[server]
addr = ":9001"

[database]
type = "sqlite"
path = "/srv/mergin/mergin.db"

[push]
transaction_ttl_minutes = 20
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if cfg.Server.Addr != ":9001" {
		t.Errorf("Server.Addr = %q, want :9001", cfg.Server.Addr)
	}
	if cfg.Push.TransactionTTLMinutes != 20 {
		t.Errorf("Push.TransactionTTLMinutes = %d, want 20", cfg.Push.TransactionTTLMinutes)
	}

	if _, err := ReadFromFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("ReadFromFile(missing) error = nil, want error")
	}
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config", "mergin.toml")
	cfg := NewConfig(dir)

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() after Init error = %v", err)
	}
	if got.BaseDir != dir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, dir)
	}

	// A second Init must not clobber the existing file.
	if err := Init(path, NewConfig("/elsewhere")); err == nil {
		t.Error("Init() over existing config succeeded, want error")
	}
}

package store

import (
	"context"
	"fmt"

	"github.com/pguigue/mergin/internal/encryption"
	"github.com/pguigue/mergin/internal/mergin"
)

// Config represents configuration for a content store backend.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type Config struct {
	Type string `toml:"type"` // "memory", "filesystem" or "s3"

	// Filesystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// NewStoreFromConfig creates a ContentStore implementation based on the
// store config type.
func NewStoreFromConfig(cfg Config, enc encryption.Encryptor) (mergin.ContentStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem store requires root to be set")
		}
		return NewFileSystemStore(cfg.Root, enc)
	case "s3":
		return NewS3Store(context.Background(), S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, enc)
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

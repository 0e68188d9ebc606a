package database

import (
	"fmt"

	"github.com/pguigue/mergin/internal/mergin"
)

// Config represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type Config struct {
	Type string `toml:"type"`           // "sqlite" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=sqlite
}

// NewDatabaseFromConfig creates a Database implementation based on the
// database config type. An in-memory database starts empty, so its schema is
// migrated on the spot.
func NewDatabaseFromConfig(cfg Config) (mergin.Database, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite database requires path to be set")
		}
		return NewSQLiteDatabase(cfg.Path)
	case "memory":
		db, err := NewSQLiteDatabase(":memory:")
		if err != nil {
			return nil, err
		}
		if err := db.MigrateUp(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

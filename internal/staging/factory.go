package staging

import (
	"fmt"

	"github.com/pguigue/mergin/internal/mergin"
)

// Config represents configuration for the chunk staging area.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type Config struct {
	Type string `toml:"type"`          // "memory" or "filesystem"
	Dir  string `toml:"dir,omitempty"` // only used for type=filesystem
}

// NewStagingFromConfig creates a ChunkStaging implementation based on the
// staging config type.
func NewStagingFromConfig(cfg Config) (mergin.ChunkStaging, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStaging(), nil
	case "filesystem":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem staging requires dir to be set")
		}
		return NewFileSystemStaging(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown staging type: %q", cfg.Type)
	}
}

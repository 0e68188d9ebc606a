package encryption

import "fmt"

// Config selects the at-rest encryption of content blobs.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type Config struct {
	Type    string `toml:"type"`               // "none" (default), "age" or "test"
	KeyPath string `toml:"key_path,omitempty"` // only used for type=age
}

// NewEncryptorFromConfig creates an Encryptor based on the config type.
func NewEncryptorFromConfig(cfg Config) (Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return NewNoop(), nil
	case "age":
		if cfg.KeyPath == "" {
			return nil, fmt.Errorf("age encryption requires key_path to be set")
		}
		return NewAgeEncryptor(cfg.KeyPath)
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// AgeEncryptor encrypts blobs with filippo.io/age using an X25519 key pair.
// The server owns both halves of the key: the identity file is generated
// once by Setup and read at startup. This protects content at rest on the
// storage backend, not against a compromised server.
type AgeEncryptor struct {
	identity  *age.X25519Identity
	recipient age.Recipient
}

var _ Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor loads the age identity from keyPath.
func NewAgeEncryptor(keyPath string) (*AgeEncryptor, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return &AgeEncryptor{identity: x, recipient: x.Recipient()}, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found in %s", keyPath)
}

// Setup generates a new X25519 identity and writes it to keyPath.
// Fails if the file already exists.
func Setup(keyPath string) error {
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("key file already exists at %s", keyPath)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(identity.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

func (e *AgeEncryptor) Encrypt(dst io.Writer) (io.WriteCloser, error) {
	w, err := age.Encrypt(dst, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return w, nil
}

func (e *AgeEncryptor) Decrypt(src io.Reader) (io.Reader, error) {
	r, err := age.Decrypt(src, e.identity)
	if err != nil {
		return nil, fmt.Errorf("creating decrypted reader: %w", err)
	}
	return r, nil
}

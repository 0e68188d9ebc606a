package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/pguigue/mergin/internal/mergin"
)

// MemoryStore is an in-memory implementation of the ContentStore interface.
// It keeps all blobs in memory, making it useful for testing. Safe for
// concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates a new in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores content after verifying it hashes to the declared checksum.
// Storing the same checksum twice is a no-op.
func (m *MemoryStore) Put(checksum string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("%w: declared %d bytes, received %d", mergin.ErrCorruptWrite, size, len(data))
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return fmt.Errorf("%w: content does not match checksum %s", mergin.ErrCorruptWrite, checksum)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[checksum]; !ok {
		m.blobs[checksum] = data
	}
	return nil
}

// Open returns a reader over stored content.
func (m *MemoryStore) Open(checksum string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[checksum]
	if !ok {
		return nil, fmt.Errorf("%w: content %s", mergin.ErrNotFound, checksum)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether content with the given checksum is stored.
func (m *MemoryStore) Exists(checksum string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[checksum]
	return ok, nil
}

// Delete removes a blob.
func (m *MemoryStore) Delete(checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, checksum)
	return nil
}

// TotalSize returns the summed size of all stored blobs.
func (m *MemoryStore) TotalSize() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, data := range m.blobs {
		total += int64(len(data))
	}
	return total, nil
}

// ValidateSetup always succeeds for the in-memory store.
func (m *MemoryStore) ValidateSetup() error { return nil }

// Compile-time check that MemoryStore implements the ContentStore interface
var _ mergin.ContentStore = (*MemoryStore)(nil)

package staging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pguigue/mergin/internal/mergin"
)

// MemoryStaging is an in-memory implementation of the ChunkStaging
// interface, useful for testing and small deployments. Safe for concurrent
// use.
type MemoryStaging struct {
	mu     sync.RWMutex
	chunks map[string][]byte // "transactionID/chunkID" -> payload
}

// NewMemoryStaging creates a new in-memory chunk staging area.
func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{chunks: make(map[string][]byte)}
}

func chunkKey(transactionID, chunkID string) string {
	return transactionID + "/" + chunkID
}

// Put stores one chunk payload, computing its SHA-256 while copying.
func (m *MemoryStaging) Put(transactionID, chunkID string, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("reading chunk: %w", err)
	}

	m.mu.Lock()
	m.chunks[chunkKey(transactionID, chunkID)] = data
	m.mu.Unlock()

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

// Open returns a reader for a staged chunk.
func (m *MemoryStaging) Open(transactionID, chunkID string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.chunks[chunkKey(transactionID, chunkID)]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s/%s", mergin.ErrNotFound, transactionID, chunkID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Discard removes all chunks staged by a transaction.
func (m *MemoryStaging) Discard(transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := transactionID + "/"
	for key := range m.chunks {
		if strings.HasPrefix(key, prefix) {
			delete(m.chunks, key)
		}
	}
	return nil
}

// Size returns total bytes currently staged across all transactions.
func (m *MemoryStaging) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, data := range m.chunks {
		total += int64(len(data))
	}
	return total, nil
}

// Compile-time check that MemoryStaging implements the ChunkStaging interface
var _ mergin.ChunkStaging = (*MemoryStaging)(nil)

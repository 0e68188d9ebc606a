package mergin

import "io"

// ChunkStaging holds chunk payloads of open push transactions until finish
// reassembles them into blobs. Chunks are keyed by (transaction, chunk id);
// everything a transaction staged is discarded together when the
// transaction ends, whatever the outcome. Content already committed to the
// ContentStore is never affected by a discard.
type ChunkStaging interface {
	// Put stores one chunk payload, computing its SHA-256 while copying.
	// Returns the checksum and size of the received bytes. Storing the
	// same (transaction, chunk) twice simply overwrites; idempotency per
	// chunk is enforced by the transaction manager via the checksum.
	// Both ids must be usable as a single path element; implementations
	// reject ids containing separators or relative segments with
	// ErrInvalid.
	Put(transactionID, chunkID string, r io.Reader) (checksum string, size int64, err error)

	// Open returns a reader for a staged chunk.
	// Returns ErrNotFound if the chunk was never staged.
	Open(transactionID, chunkID string) (io.ReadCloser, error)

	// Discard removes all chunks staged by a transaction (best-effort).
	Discard(transactionID string) error

	// Size returns total bytes currently staged across all transactions.
	Size() (int64, error)
}

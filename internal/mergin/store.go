package mergin

import "io"

// ContentStore provides content-addressed blob storage keyed by SHA-256
// checksum. Identical bytes are stored once and shared across versions and
// projects; reference counting lives in the metadata database, not here.
// All operations stream through io.Reader/io.Writer to support large
// geospatial files without loading them into memory.
type ContentStore interface {
	// Put stores content identified by its checksum. size is the number of
	// bytes that will be read from r. The operation is idempotent: storing
	// the same checksum multiple times is safe, and concurrent writers of
	// the same checksum need no mutual exclusion. Implementations must
	// verify the received bytes against the declared checksum before the
	// blob becomes visible and return ErrCorruptWrite on mismatch.
	Put(checksum string, r io.Reader, size int64) error

	// Open returns a reader for stored content.
	// Returns ErrNotFound if the checksum is absent.
	Open(checksum string) (io.ReadCloser, error)

	// Exists reports whether content with the given checksum is stored.
	Exists(checksum string) (bool, error)

	// Delete removes a blob. Callers only delete blobs whose reference
	// count has dropped to zero (garbage collection).
	Delete(checksum string) error

	// TotalSize returns the total bytes of content held by the store, as
	// stored (after any at-rest encryption).
	TotalSize() (int64, error)

	// ValidateSetup verifies that the store is accessible and properly
	// configured.
	ValidateSetup() error
}

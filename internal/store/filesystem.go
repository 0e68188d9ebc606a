package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pguigue/mergin/internal/encryption"
	"github.com/pguigue/mergin/internal/mergin"
)

// FileSystemStore is a filesystem-based implementation of the ContentStore
// interface. Blobs are stored under the root sharded by checksum prefix to
// keep directories small:
//
//	<root>/
//	  ab/
//	    abcdef...      (blob, named by SHA-256)
//
// Writes are atomic (temp file + rename), so concurrent writers of the same
// checksum are safe and readers never observe partial blobs. Content is
// optionally encrypted at rest; the checksum always refers to plaintext.
type FileSystemStore struct {
	root string
	enc  encryption.Encryptor
}

// NewFileSystemStore creates a filesystem store rooted at the given path.
func NewFileSystemStore(root string, enc encryption.Encryptor) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &FileSystemStore{root: root, enc: enc}, nil
}

func (s *FileSystemStore) blobPath(checksum string) string {
	shard := checksum
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.root, shard, checksum)
}

// Put stores content identified by its checksum. The plaintext hash and
// size are verified while streaming; on mismatch nothing becomes visible.
func (s *FileSystemStore) Put(checksum string, r io.Reader, size int64) error {
	destPath := s.blobPath(checksum)

	// Already stored: consume and verify the reader, then no-op.
	if _, err := os.Stat(destPath); err == nil {
		return verifyContent(checksum, r, size)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	encWriter, err := s.enc.Encrypt(tmpFile)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("wrapping writer: %w", err)
	}

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(hash, encWriter), r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing content: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("finalizing content: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if written != size {
		return fmt.Errorf("%w: declared %d bytes, received %d", mergin.ErrCorruptWrite, size, written)
	}
	if hex.EncodeToString(hash.Sum(nil)) != checksum {
		return fmt.Errorf("%w: content does not match checksum %s", mergin.ErrCorruptWrite, checksum)
	}

	// Atomic rename makes the blob visible only after full verification.
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}

// Open returns a reader for stored content, decrypting if configured.
func (s *FileSystemStore) Open(checksum string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: content %s", mergin.ErrNotFound, checksum)
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	plain, err := s.enc.Decrypt(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decrypting blob %s: %w", checksum, err)
	}
	return &readCloser{Reader: plain, close: f.Close}, nil
}

// Exists reports whether content with the given checksum is stored.
func (s *FileSystemStore) Exists(checksum string) (bool, error) {
	if _, err := os.Stat(s.blobPath(checksum)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob: %w", err)
	}
	return true, nil
}

// Delete removes a blob.
func (s *FileSystemStore) Delete(checksum string) error {
	if err := os.Remove(s.blobPath(checksum)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// TotalSize returns the on-disk bytes held under the store root.
func (s *FileSystemStore) TotalSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking store directory: %w", err)
	}
	return total, nil
}

// ValidateSetup verifies that the store root is an accessible directory.
func (s *FileSystemStore) ValidateSetup() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("store root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store root is not a directory: %s", s.root)
	}
	return nil
}

// verifyContent consumes r and checks hash and size against declarations.
func verifyContent(checksum string, r io.Reader, size int64) error {
	hash := sha256.New()
	written, err := io.Copy(hash, r)
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	if written != size {
		return fmt.Errorf("%w: declared %d bytes, received %d", mergin.ErrCorruptWrite, size, written)
	}
	if hex.EncodeToString(hash.Sum(nil)) != checksum {
		return fmt.Errorf("%w: content does not match checksum %s", mergin.ErrCorruptWrite, checksum)
	}
	return nil
}

// readCloser pairs a wrapped reader with the underlying closer.
type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

// Compile-time check that FileSystemStore implements the ContentStore interface
var _ mergin.ContentStore = (*FileSystemStore)(nil)

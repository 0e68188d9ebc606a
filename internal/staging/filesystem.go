package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pguigue/mergin/internal/mergin"
)

// FileSystemStaging is a filesystem-based implementation of the
// ChunkStaging interface. Chunks live in a per-transaction directory so a
// discard is a single directory removal:
//
//	<dir>/
//	  <transactionID>/
//	    <chunkID>
type FileSystemStaging struct {
	dir string
}

// NewFileSystemStaging creates a chunk staging area rooted at dir.
func NewFileSystemStaging(dir string) (*FileSystemStaging, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &FileSystemStaging{dir: dir}, nil
}

// safeID reports whether an id is usable as a single path element under
// the staging root. Transaction and chunk ids reach this layer from the
// client, so anything that could climb out of its directory is rejected.
func safeID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, "/\\")
}

func (s *FileSystemStaging) chunkPath(transactionID, chunkID string) string {
	return filepath.Join(s.dir, transactionID, chunkID)
}

// Put stores one chunk payload, computing its SHA-256 while copying.
// The write is atomic so a retried chunk never leaves a torn file behind.
func (s *FileSystemStaging) Put(transactionID, chunkID string, r io.Reader) (string, int64, error) {
	if !safeID(transactionID) || !safeID(chunkID) {
		return "", 0, fmt.Errorf("%w: chunk key %s/%s", mergin.ErrInvalid, transactionID, chunkID)
	}
	destPath := s.chunkPath(transactionID, chunkID)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", 0, fmt.Errorf("creating transaction directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hash), r)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("writing chunk: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("renaming temp file: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// Open returns a reader for a staged chunk.
func (s *FileSystemStaging) Open(transactionID, chunkID string) (io.ReadCloser, error) {
	if !safeID(transactionID) || !safeID(chunkID) {
		return nil, fmt.Errorf("%w: chunk key %s/%s", mergin.ErrInvalid, transactionID, chunkID)
	}
	f, err := os.Open(s.chunkPath(transactionID, chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: chunk %s/%s", mergin.ErrNotFound, transactionID, chunkID)
		}
		return nil, fmt.Errorf("opening chunk: %w", err)
	}
	return f, nil
}

// Discard removes all chunks staged by a transaction.
func (s *FileSystemStaging) Discard(transactionID string) error {
	if !safeID(transactionID) {
		return fmt.Errorf("%w: transaction id %q", mergin.ErrInvalid, transactionID)
	}
	if err := os.RemoveAll(filepath.Join(s.dir, transactionID)); err != nil {
		return fmt.Errorf("removing transaction directory: %w", err)
	}
	return nil
}

// Size returns total bytes currently staged across all transactions.
func (s *FileSystemStaging) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
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
		return 0, fmt.Errorf("walking staging directory: %w", err)
	}
	return total, nil
}

// Compile-time check that FileSystemStaging implements the ChunkStaging interface
var _ mergin.ChunkStaging = (*FileSystemStaging)(nil)

package encryption

import (
	"bytes"
	"fmt"
	"io"
)

// testHeader is prepended to data by TestEncryptor so encrypted output is
// clearly different from plaintext while remaining deterministic and
// reversible.
var testHeader = []byte("MGENC\x00\x00\x00")

// TestEncryptor is a deterministic encryptor for tests: it prepends a fixed
// header on the write path and strips it on the read path. No crypto.
type TestEncryptor struct{}

var _ Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor { return &TestEncryptor{} }

type headerWriter struct {
	dst     io.Writer
	started bool
}

func (w *headerWriter) Write(p []byte) (int, error) {
	if !w.started {
		if _, err := w.dst.Write(testHeader); err != nil {
			return 0, err
		}
		w.started = true
	}
	return w.dst.Write(p)
}

func (w *headerWriter) Close() error {
	// An empty blob still gets the header.
	if !w.started {
		if _, err := w.dst.Write(testHeader); err != nil {
			return err
		}
		w.started = true
	}
	return nil
}

func (*TestEncryptor) Encrypt(dst io.Writer) (io.WriteCloser, error) {
	return &headerWriter{dst: dst}, nil
}

func (*TestEncryptor) Decrypt(src io.Reader) (io.Reader, error) {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return src, nil
}

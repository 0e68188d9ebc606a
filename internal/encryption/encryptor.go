package encryption

import "io"

// Encryptor wraps writers and readers to encrypt content blobs at rest.
// Both directions stream: Encrypt returns a WriteCloser that must be closed
// to flush the final ciphertext, Decrypt returns a plain reader over the
// recovered plaintext.
type Encryptor interface {
	// Encrypt wraps dst so that writes are stored encrypted.
	Encrypt(dst io.Writer) (io.WriteCloser, error)

	// Decrypt wraps src so that reads yield the original plaintext.
	Decrypt(src io.Reader) (io.Reader, error)
}

// Noop passes content through unchanged. Used when encryption is disabled.
type Noop struct{}

var _ Encryptor = (*Noop)(nil)

func NewNoop() *Noop { return &Noop{} }

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func (*Noop) Encrypt(dst io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{dst}, nil
}

func (*Noop) Decrypt(src io.Reader) (io.Reader, error) {
	return src, nil
}

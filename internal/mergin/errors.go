package mergin

import "errors"

// Sentinel errors for the sync engine. Callers classify failures with
// errors.Is; the transport layer maps them to HTTP status codes.
var (
	// ErrNotFound is returned when a project, version, file or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an append races with another writer:
	// the supplied base version is no longer the project's latest version,
	// or a conflicting pending record already exists.
	ErrConflict = errors.New("conflict")

	// ErrStaleBase is returned by push start when the declared base version
	// is already behind, before any upload work has happened.
	ErrStaleBase = errors.New("stale base version")

	// ErrQuotaExceeded is returned when a push would exceed the workspace
	// storage limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrUnknownTransaction is returned for operations on a transaction
	// that does not exist, was cancelled, or has expired.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrChunkMismatch is returned when a previously acknowledged chunk is
	// re-sent with different bytes.
	ErrChunkMismatch = errors.New("chunk mismatch")

	// ErrIncompleteUpload is returned by finish when declared chunks are missing.
	ErrIncompleteUpload = errors.New("incomplete upload")

	// ErrCorruptWrite is returned when received bytes do not hash to the
	// checksum declared by the uploader.
	ErrCorruptWrite = errors.New("corrupt write")

	// ErrInvalid is returned for malformed requests: bad version names,
	// inconsistent push manifests, missing parameters.
	ErrInvalid = errors.New("invalid request")

	// ErrForbidden is returned when the acting user's role is insufficient.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized is returned when no acting user was resolved at all.
	ErrUnauthorized = errors.New("unauthorized")
)

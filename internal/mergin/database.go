package mergin

import "time"

// Database provides an interface for metadata storage: projects, the
// version ledger, ACLs, access requests, pending uploads and blob reference
// counts. Implementations must make AppendVersion atomic: a new version is
// visible to readers only after all of its rows are durably recorded.
type Database interface {
	// Project operations

	// CreateProject inserts a project together with its initial ACL.
	// Returns ErrConflict if the namespace already has a project with the
	// same name.
	CreateProject(project *Project, access *ProjectAccess) error

	// GetProject returns a project by namespace and name, including
	// soft-deleted ones. Returns ErrNotFound if it does not exist.
	GetProject(namespace, name string) (*Project, error)

	// GetProjectByID returns a project by its id.
	GetProjectByID(id string) (*Project, error)

	// ListProjects returns the namespace's projects that are not
	// soft-deleted, ordered by name.
	ListProjects(namespace string, page, perPage int) ([]*Project, error)

	// SetProjectRemoved marks a project soft-deleted (removedBy non-empty)
	// or restores it (removedBy empty, removedAt nil).
	SetProjectRemoved(id string, removedAt *time.Time, removedBy string) error

	// PurgeProject permanently deletes a project, its versions, ACL,
	// access requests and uploads, and releases blob references held by
	// its versions.
	PurgeProject(id string) error

	// NamespaceDiskUsage returns the summed disk usage of all live
	// projects in a namespace.
	NamespaceDiskUsage(namespace string) (int64, error)

	// Access operations

	// GetAccess returns the project's ACL.
	GetAccess(projectID string) (*ProjectAccess, error)

	// SaveAccess replaces the project's ACL.
	SaveAccess(access *ProjectAccess) error

	// Version ledger

	// AppendVersion atomically appends a version to the project's history.
	// baseSeq is the version the changes were computed against; the append
	// fails with ErrConflict unless it still equals the project's latest
	// version (compare-and-swap on the current version pointer). On
	// success the project's latest version, disk usage and updated
	// timestamp are advanced and a reference is added for every blob newly
	// introduced by the version.
	AppendVersion(version *Version, baseSeq int) error

	// GetVersion returns one version of a project by sequence number.
	GetVersion(projectID string, seq int) (*Version, error)

	// ListVersions returns a page of the project's versions, ordered by
	// sequence number, descending when desc is true.
	ListVersions(projectID string, page, perPage int, desc bool) ([]*Version, error)

	// Pending uploads

	// CreateUpload records a pending push. Returns ErrConflict if an
	// upload already targets the same (project, version) pair.
	CreateUpload(upload *Upload) error

	// DeleteUpload removes a pending upload marker.
	DeleteUpload(id string) error

	// ListUploadsBefore returns pending upload markers created before the
	// cutoff. Used by expiry reclamation.
	ListUploadsBefore(cutoff time.Time) ([]*Upload, error)

	// Access requests

	// CreateAccessRequest files a pending access request. Returns
	// ErrConflict if one is already pending for the same user and project.
	CreateAccessRequest(request *AccessRequest) error

	// GetAccessRequest returns a pending access request by id.
	GetAccessRequest(id int64) (*AccessRequest, error)

	// DeleteAccessRequest removes a pending access request.
	DeleteAccessRequest(id int64) error

	// ListAccessRequests returns pending requests for all projects in a
	// namespace, oldest first.
	ListAccessRequests(namespace string) ([]*AccessRequest, error)

	// DeleteExpiredAccessRequests removes requests whose expiry is past.
	DeleteExpiredAccessRequests(now time.Time) (int64, error)

	// Blob references

	// UnreferencedContent returns checksums whose reference count has
	// dropped to zero.
	UnreferencedContent() ([]string, error)

	// ForgetContent removes bookkeeping rows for blobs already deleted
	// from the content store.
	ForgetContent(checksums []string) error

	// Sync failure history

	// RecordSyncFailure appends a failed push attempt to the history.
	RecordSyncFailure(failure *SyncFailure) error

	// CheckMigrations verifies the database schema is up-to-date.
	CheckMigrations() error

	// Close closes the database connection.
	Close() error
}

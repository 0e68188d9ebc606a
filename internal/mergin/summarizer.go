package mergin

import "io"

// Summarizer computes row-level change counts between two revisions of a
// tabular geospatial container. A Summarize failure degrades the version's
// changeset to the error variant; it never fails the commit itself.
type Summarizer interface {
	// Supports reports whether the path names a recognized tabular
	// container (by extension).
	Supports(path string) bool

	// Summarize diffs the old revision against the new one and returns
	// per-table insert/update/delete counts.
	Summarize(path string, old, new io.Reader) ([]TableSummary, error)
}

// WorkspaceQuota resolves the storage limit of a namespace. Workspace and
// billing accounting are external collaborators; the engine only asks for
// the limit when admitting a push.
type WorkspaceQuota interface {
	// Limit returns the storage limit in bytes; zero or negative means
	// unlimited.
	Limit(namespace string) int64
}

// FixedQuota applies the same limit to every namespace.
type FixedQuota struct {
	Bytes int64
}

func (q FixedQuota) Limit(string) int64 { return q.Bytes }

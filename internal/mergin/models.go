package mergin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Project is a namespace-scoped, versioned collection of files.
type Project struct {
	ID            string // UUID
	Namespace     string // owning workspace
	Name          string
	LatestVersion int // 0 means the empty initial version v0
	DiskUsage     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	RemovedAt     *time.Time
	RemovedBy     string
}

// Removed reports whether the project has been soft-deleted.
func (p *Project) Removed() bool { return p.RemovedAt != nil }

// VersionName formats a version sequence number as the wire name ("v3").
func VersionName(seq int) string { return "v" + strconv.Itoa(seq) }

// ParseVersionName parses a wire version name ("v3") into its sequence number.
func ParseVersionName(name string) (int, error) {
	s, ok := strings.CutPrefix(name, "v")
	if !ok {
		return 0, fmt.Errorf("invalid version name %q", name)
	}
	seq, err := strconv.Atoi(s)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid version name %q", name)
	}
	return seq, nil
}

// FileEntry describes one file within a project version.
// Checksum is the SHA-256 of the content; same checksum means same bytes.
type FileEntry struct {
	Path     string     `json:"path"`
	Checksum string     `json:"checksum"`
	Size     int64      `json:"size"`
	Mtime    *time.Time `json:"mtime,omitempty"`
}

// FileUpdate is a FileEntry for an updated file, carrying the checksum the
// file had before the update.
type FileUpdate struct {
	FileEntry
	OldChecksum string `json:"old_checksum"`
}

// Changes is the ordered triple of change lists recorded by a version.
type Changes struct {
	Added   []FileEntry  `json:"added"`
	Updated []FileUpdate `json:"updated"`
	Removed []FileEntry  `json:"removed"`
}

// Empty reports whether the change set contains no file changes at all.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ChangesetKind discriminates the changeset variant attached to a file change.
type ChangesetKind string

const (
	ChangesetSuccess ChangesetKind = "success"
	ChangesetError   ChangesetKind = "error"
)

// TableSummary holds row-level change counts for one table of a tabular file.
type TableSummary struct {
	Table  string `json:"table"`
	Insert int    `json:"insert"`
	Update int    `json:"update"`
	Delete int    `json:"delete"`
}

// FileChangeset summarizes content-level changes of one updated file.
// Kind selects the variant: success carries per-table counts, error carries
// the summarizer failure. A failed summary never blocks a version commit.
type FileChangeset struct {
	Kind    ChangesetKind  `json:"kind"`
	Size    int64          `json:"size"`
	Summary []TableSummary `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Version is an immutable, ordered snapshot transition of a project.
type Version struct {
	ProjectID string                   `json:"project_id"`
	Name      string                   `json:"name"` // "v1", "v2", ...
	Seq       int                      `json:"-"`
	Author    string                   `json:"author"`
	CreatedAt time.Time                `json:"created"`
	Changes   Changes                  `json:"changes"`
	Files     []FileEntry              `json:"files"` // full file set at this version
	Size      int64                    `json:"project_size"`
	UserAgent string                   `json:"user_agent,omitempty"`
	Changeset map[string]FileChangeset `json:"changeset,omitempty"` // keyed by file path
}

// ApplyChanges folds one version's changes into a file set.
// Replaying changes v1..vN over an empty set deterministically reconstructs
// the file set of version N. Returns an error if the change list is
// inconsistent with the base set (duplicate add, update/remove of a missing
// path); committed history is expected to always fold cleanly.
func ApplyChanges(files []FileEntry, changes Changes) ([]FileEntry, error) {
	byPath := make(map[string]FileEntry, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	for _, f := range changes.Removed {
		if _, ok := byPath[f.Path]; !ok {
			return nil, fmt.Errorf("removing unknown path %q", f.Path)
		}
		delete(byPath, f.Path)
	}
	for _, f := range changes.Updated {
		if _, ok := byPath[f.Path]; !ok {
			return nil, fmt.Errorf("updating unknown path %q", f.Path)
		}
		byPath[f.Path] = f.FileEntry
	}
	for _, f := range changes.Added {
		if _, ok := byPath[f.Path]; ok {
			return nil, fmt.Errorf("adding duplicate path %q", f.Path)
		}
		byPath[f.Path] = f
	}

	out := make([]FileEntry, 0, len(byPath))
	for _, f := range byPath {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// TotalSize sums the sizes of a file set.
func TotalSize(files []FileEntry) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// Actor identifies the user performing a request. Authentication itself is
// an external collaborator; the transport layer resolves an Actor per
// request and passes it down explicitly.
type Actor struct {
	ID    string
	Name  string
	Admin bool
}

// ProjectDetail is the read model served to clients: project metadata, the
// current version's file list, and the acting user's effective role.
type ProjectDetail struct {
	Project Project     `json:"project"`
	Version string      `json:"version"`
	Files   []FileEntry `json:"files"`
	Role    Role        `json:"role"`
}

// Upload is the persisted marker of a pending push transaction. At most one
// upload may target a given (project, version) pair, which is what makes
// concurrent pushes against the same base fail fast.
type Upload struct {
	ID        string
	ProjectID string
	Version   int // target version sequence being uploaded
	UserID    string
	CreatedAt time.Time
}

// SyncFailure records a failed push attempt. Only loosely coupled with the
// project so the history survives project removal.
type SyncFailure struct {
	ID           int64
	ProjectID    string
	LastVersion  string
	UserAgent    string
	ErrorType    string // push_start, push_finish or push_lost
	ErrorDetails string
	Timestamp    time.Time
}

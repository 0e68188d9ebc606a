package mergin

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// UploadFile is one added or updated file declared by a push manifest.
// Chunks lists the chunk ids that will carry the content, in order. An
// empty chunk list is allowed when the declared checksum is already known
// to the server (cross-project deduplication).
type UploadFile struct {
	FileEntry
	Chunks []string `json:"chunks,omitempty"`
}

// Manifest declares everything a push intends to change before any content
// is transferred, so oversized or conflicting pushes are rejected cheaply.
type Manifest struct {
	Added   []UploadFile `json:"added"`
	Updated []UploadFile `json:"updated"`
	Removed []string     `json:"removed"`
}

// chunked reports whether any declared file still needs chunk uploads.
func (m Manifest) chunked() bool {
	for _, f := range m.Added {
		if len(f.Chunks) > 0 {
			return true
		}
	}
	for _, f := range m.Updated {
		if len(f.Chunks) > 0 {
			return true
		}
	}
	return false
}

// declaredSize is the total content size the push intends to add.
func (m Manifest) declaredSize() int64 {
	var total int64
	for _, f := range m.Added {
		total += f.Size
	}
	for _, f := range m.Updated {
		total += f.Size
	}
	return total
}

// transaction is the server-side state of one chunked push. It is private
// to the initiating client and mutated only under the service mutex.
type transaction struct {
	id         string
	project    Project
	baseSeq    int
	baseFiles  []FileEntry
	manifest   Manifest
	userID     string
	author     string
	role       Role
	userAgent  string
	uploadID   string
	chunks     map[string]*chunkState // chunk id -> upload state
	lastActive time.Time
	finishing  bool
}

// chunkState tracks one declared chunk. A chunk is acknowledged once
// checksum is set; re-sending the same bytes is a no-op, different bytes
// are a protocol violation.
type chunkState struct {
	checksum string
	size     int64
}

// PushResult is the outcome of starting a push: either the committed detail
// (small pushes applied inline) or a transaction id for the chunked flow.
type PushResult struct {
	Detail      *ProjectDetail `json:"detail,omitempty"`
	Transaction string         `json:"transaction,omitempty"`
}

// StartPush opens a push transaction against the version the client
// branched from. It fast-fails with ErrStaleBase on an outdated base and
// with ErrQuotaExceeded when the declared size would exceed the workspace
// limit, before any upload work. Pushes that need no chunk transfer are
// committed inline.
func (s *Service) StartPush(actor Actor, namespace, name, baseVersion string, manifest Manifest, userAgent string) (*PushResult, error) {
	project, err := s.liveProject(namespace, name)
	if err != nil {
		return nil, err
	}
	role, err := s.requireRole(actor, project.ID, RoleWriter)
	if err != nil {
		return nil, err
	}

	baseSeq, err := ParseVersionName(baseVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if baseSeq != project.LatestVersion {
		s.recordFailure(project, userAgent, "push_start", fmt.Sprintf("base %s is not latest %s", baseVersion, VersionName(project.LatestVersion)))
		return nil, ErrStaleBase
	}

	baseFiles, err := s.filesAt(project, baseSeq)
	if err != nil {
		return nil, err
	}
	if err := validateManifest(manifest, baseFiles); err != nil {
		s.recordFailure(project, userAgent, "push_start", err.Error())
		return nil, err
	}

	if limit := s.quota.Limit(namespace); limit > 0 {
		usage, err := s.db.NamespaceDiskUsage(namespace)
		if err != nil {
			return nil, fmt.Errorf("checking namespace usage: %w", err)
		}
		if usage+manifest.declaredSize() > limit {
			s.recordFailure(project, userAgent, "push_start", "storage limit reached")
			return nil, ErrQuotaExceeded
		}
	}

	// At most one pending upload may target the next version. This is the
	// cheap fast-fail for two clients racing from the same base; the
	// authoritative check is the compare-and-swap inside AppendVersion.
	upload := &Upload{
		ID:        s.idgen.New(),
		ProjectID: project.ID,
		Version:   baseSeq + 1,
		UserID:    actor.ID,
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.CreateUpload(upload); err != nil {
		if errors.Is(err, ErrConflict) {
			s.recordFailure(project, userAgent, "push_start", "another upload already running")
		}
		return nil, err
	}

	tx := &transaction{
		id:         s.idgen.New(),
		project:    *project,
		baseSeq:    baseSeq,
		baseFiles:  baseFiles,
		manifest:   manifest,
		userID:     actor.ID,
		author:     actor.Name,
		role:       role,
		userAgent:  userAgent,
		uploadID:   upload.ID,
		chunks:     make(map[string]*chunkState),
		lastActive: s.clock.Now(),
	}
	for _, f := range append(append([]UploadFile{}, manifest.Added...), manifest.Updated...) {
		for _, c := range f.Chunks {
			tx.chunks[c] = &chunkState{}
		}
	}

	if !manifest.chunked() {
		// Nothing to transfer: removals only, or all declared content
		// already stored. Commit right away.
		detail, err := s.commit(tx)
		if err != nil {
			s.recordFailure(&tx.project, userAgent, "push_finish", err.Error())
			s.discard(tx)
			return nil, err
		}
		return &PushResult{Detail: detail}, nil
	}

	s.mu.Lock()
	s.txs[tx.id] = tx
	s.mu.Unlock()

	s.logger.Info("push transaction started", "project", namespace+"/"+name, "transaction", tx.id, "base", baseVersion)
	return &PushResult{Transaction: tx.id}, nil
}

// validFilePath accepts slash-separated relative paths that stay inside
// the project: no empty, "." or ".." segments, no backslash, no leading
// slash. File paths are recorded verbatim and become zip entry names on
// download.
func validFilePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// validChunkID accepts chunk ids that map to a single path element in the
// staging area.
func validChunkID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, "/\\")
}

// validateManifest checks the declared changes against the base file set.
func validateManifest(m Manifest, baseFiles []FileEntry) error {
	byPath := make(map[string]FileEntry, len(baseFiles))
	for _, f := range baseFiles {
		byPath[f.Path] = f
	}
	seen := make(map[string]bool)
	checkOnce := func(path string) error {
		if !validFilePath(path) {
			return fmt.Errorf("%w: invalid file path %q", ErrInvalid, path)
		}
		if seen[path] {
			return fmt.Errorf("%w: path %q declared twice", ErrInvalid, path)
		}
		seen[path] = true
		return nil
	}
	checkChunks := func(f UploadFile) error {
		for _, c := range f.Chunks {
			if !validChunkID(c) {
				return fmt.Errorf("%w: invalid chunk id %q for %q", ErrInvalid, c, f.Path)
			}
		}
		return nil
	}

	for _, f := range m.Added {
		if err := checkOnce(f.Path); err != nil {
			return err
		}
		if _, exists := byPath[f.Path]; exists {
			return fmt.Errorf("%w: added file %q already exists", ErrInvalid, f.Path)
		}
		if f.Checksum == "" || f.Size < 0 {
			return fmt.Errorf("%w: added file %q missing checksum or size", ErrInvalid, f.Path)
		}
		if err := checkChunks(f); err != nil {
			return err
		}
	}
	for _, f := range m.Updated {
		if err := checkOnce(f.Path); err != nil {
			return err
		}
		if _, exists := byPath[f.Path]; !exists {
			return fmt.Errorf("%w: updated file %q not found", ErrInvalid, f.Path)
		}
		if f.Checksum == "" || f.Size < 0 {
			return fmt.Errorf("%w: updated file %q missing checksum or size", ErrInvalid, f.Path)
		}
		if err := checkChunks(f); err != nil {
			return err
		}
	}
	for _, path := range m.Removed {
		if err := checkOnce(path); err != nil {
			return err
		}
		if _, exists := byPath[path]; !exists {
			return fmt.Errorf("%w: removed file %q not found", ErrInvalid, path)
		}
	}
	if len(m.Added)+len(m.Updated)+len(m.Removed) == 0 {
		return fmt.Errorf("%w: empty change set", ErrInvalid)
	}
	return nil
}

// UploadChunk stores one chunk of an open transaction. Chunks may arrive in
// any order and be retried: re-sending the same bytes for an acknowledged
// chunk is a no-op, different bytes fail with ErrChunkMismatch and clear
// the acknowledgement so the client can re-send correct data.
func (s *Service) UploadChunk(actor Actor, transactionID, chunkID string, r io.Reader) error {
	s.mu.Lock()
	tx, ok := s.txs[transactionID]
	if !ok || tx.finishing {
		s.mu.Unlock()
		return ErrUnknownTransaction
	}
	if tx.userID != actor.ID {
		s.mu.Unlock()
		return ErrForbidden
	}
	state, declared := tx.chunks[chunkID]
	prev := ""
	if declared {
		prev = state.checksum
	}
	tx.lastActive = s.clock.Now()
	s.mu.Unlock()

	if !declared {
		return fmt.Errorf("%w: chunk %s not declared by manifest", ErrNotFound, chunkID)
	}

	checksum, size, err := s.staging.Put(transactionID, chunkID, r)
	if err != nil {
		return fmt.Errorf("staging chunk: %w", err)
	}

	s.mu.Lock()
	tx, ok = s.txs[transactionID]
	if !ok {
		s.mu.Unlock()
		// A cancel or expiry ran its discard while the chunk was still
		// being staged; sweep what Put just recreated.
		s.staging.Discard(transactionID)
		return ErrUnknownTransaction
	}
	if tx.finishing {
		s.mu.Unlock()
		return ErrUnknownTransaction
	}
	state = tx.chunks[chunkID]
	if prev != "" && prev != checksum {
		state.checksum = ""
		state.size = 0
		s.mu.Unlock()
		return ErrChunkMismatch
	}
	state.checksum = checksum
	state.size = size
	tx.lastActive = s.clock.Now()
	s.mu.Unlock()
	return nil
}

// FinishPush validates and commits an open transaction. On any validation
// failure the transaction is discarded entirely; the client must restart.
func (s *Service) FinishPush(actor Actor, transactionID string) (*ProjectDetail, error) {
	s.mu.Lock()
	tx, ok := s.txs[transactionID]
	if !ok || tx.finishing {
		s.mu.Unlock()
		return nil, ErrUnknownTransaction
	}
	if tx.userID != actor.ID {
		s.mu.Unlock()
		return nil, ErrForbidden
	}
	tx.finishing = true
	s.mu.Unlock()

	detail, err := s.commit(tx)

	s.mu.Lock()
	delete(s.txs, transactionID)
	s.mu.Unlock()

	if err != nil {
		s.recordFailure(&tx.project, tx.userAgent, "push_finish", err.Error())
		s.discard(tx)
		return nil, err
	}
	s.staging.Discard(tx.id)
	return detail, nil
}

// CancelPush discards an open transaction and its staged chunks. Content
// already committed to the content store is untouched. Cancelling a
// transaction whose finish already started fails with ErrUnknownTransaction:
// whichever call wins the race completes, the loser observes a missing
// transaction.
func (s *Service) CancelPush(actor Actor, transactionID string) error {
	s.mu.Lock()
	tx, ok := s.txs[transactionID]
	if !ok || tx.finishing {
		s.mu.Unlock()
		return ErrUnknownTransaction
	}
	if tx.userID != actor.ID {
		s.mu.Unlock()
		return ErrForbidden
	}
	delete(s.txs, transactionID)
	s.mu.Unlock()

	s.discard(tx)
	s.logger.Info("push transaction cancelled", "transaction", transactionID)
	return nil
}

// ExpireTransactions reclaims transactions idle past the TTL, freeing their
// staged chunks and pending upload markers. Returns how many were reclaimed.
func (s *Service) ExpireTransactions() int {
	cutoff := s.clock.Now().Add(-s.txTTL)

	s.mu.Lock()
	var expired []*transaction
	for id, tx := range s.txs {
		if !tx.finishing && tx.lastActive.Before(cutoff) {
			expired = append(expired, tx)
			delete(s.txs, id)
		}
	}
	s.mu.Unlock()

	for _, tx := range expired {
		s.recordFailure(&tx.project, tx.userAgent, "push_lost", "transaction expired")
		s.discard(tx)
		s.logger.Info("push transaction expired", "transaction", tx.id, "project", tx.project.Namespace+"/"+tx.project.Name)
	}
	return len(expired)
}

// discard frees everything a failed or abandoned transaction holds.
func (s *Service) discard(tx *transaction) {
	if err := s.staging.Discard(tx.id); err != nil {
		s.logger.Warn("discarding staged chunks", "transaction", tx.id, "error", err)
	}
	if err := s.db.DeleteUpload(tx.uploadID); err != nil {
		s.logger.Warn("removing upload marker", "transaction", tx.id, "error", err)
	}
}

// commit validates uploaded content against the manifest, moves blobs into
// the content store, computes the changeset summary and appends the new
// version. The base version is re-checked inside AppendVersion since a
// concurrent pusher may have committed since start, so no partial commit
// is ever observable.
func (s *Service) commit(tx *transaction) (*ProjectDetail, error) {
	entries := make([]UploadFile, 0, len(tx.manifest.Added)+len(tx.manifest.Updated))
	entries = append(entries, tx.manifest.Added...)
	entries = append(entries, tx.manifest.Updated...)

	// Every declared chunk must be acknowledged before any assembly work.
	for _, f := range entries {
		for _, c := range f.Chunks {
			if tx.chunks[c].checksum == "" {
				return nil, fmt.Errorf("%w: chunk %s of %s missing", ErrIncompleteUpload, c, f.Path)
			}
		}
	}

	for _, f := range entries {
		if len(f.Chunks) == 0 {
			ok, err := s.store.Exists(f.Checksum)
			if err != nil {
				return nil, fmt.Errorf("checking blob %s: %w", f.Checksum, err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: no chunks and no stored content for %s", ErrIncompleteUpload, f.Path)
			}
			continue
		}
		if err := s.assemble(tx, f); err != nil {
			return nil, err
		}
	}

	changes, err := buildChanges(tx.manifest, tx.baseFiles)
	if err != nil {
		return nil, err
	}
	files, err := ApplyChanges(tx.baseFiles, changes)
	if err != nil {
		return nil, fmt.Errorf("folding changes: %w", err)
	}

	version := &Version{
		ProjectID: tx.project.ID,
		Seq:       tx.baseSeq + 1,
		Name:      VersionName(tx.baseSeq + 1),
		Author:    tx.author,
		CreatedAt: s.clock.Now(),
		Changes:   changes,
		Files:     files,
		Size:      TotalSize(files),
		UserAgent: tx.userAgent,
		Changeset: s.summarizeChanges(changes),
	}

	if err := s.db.AppendVersion(version, tx.baseSeq); err != nil {
		return nil, err
	}
	if err := s.db.DeleteUpload(tx.uploadID); err != nil {
		s.logger.Warn("removing upload marker after commit", "transaction", tx.id, "error", err)
	}

	project := tx.project
	project.LatestVersion = version.Seq
	project.DiskUsage = version.Size
	project.UpdatedAt = version.CreatedAt

	s.logger.Info("version committed",
		"project", project.Namespace+"/"+project.Name,
		"version", version.Name,
		"added", len(changes.Added), "updated", len(changes.Updated), "removed", len(changes.Removed))

	return &ProjectDetail{
		Project: project,
		Version: version.Name,
		Files:   files,
		Role:    tx.role,
	}, nil
}

// assemble reassembles a file from its staged chunks, verifies the declared
// checksum and size, and stores the blob. The content store re-verifies the
// checksum while writing, so a corrupt upload is detected before commit.
func (s *Service) assemble(tx *transaction, f UploadFile) error {
	readers := make([]io.Reader, 0, len(f.Chunks))
	closers := make([]io.Closer, 0, len(f.Chunks))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	var staged int64
	for _, c := range f.Chunks {
		r, err := s.staging.Open(tx.id, c)
		if err != nil {
			return fmt.Errorf("%w: chunk %s of %s", ErrIncompleteUpload, c, f.Path)
		}
		readers = append(readers, r)
		closers = append(closers, r)
		staged += tx.chunks[c].size
	}
	if staged != f.Size {
		return fmt.Errorf("%w: %s declared %d bytes, chunks hold %d", ErrCorruptWrite, f.Path, f.Size, staged)
	}

	if err := s.store.Put(f.Checksum, io.MultiReader(readers...), f.Size); err != nil {
		return fmt.Errorf("storing %s: %w", f.Path, err)
	}
	return nil
}

// buildChanges converts the upload manifest into the change lists recorded
// by the version, resolving removed paths and previous checksums from the
// base file set.
func buildChanges(m Manifest, baseFiles []FileEntry) (Changes, error) {
	byPath := make(map[string]FileEntry, len(baseFiles))
	for _, f := range baseFiles {
		byPath[f.Path] = f
	}

	var changes Changes
	for _, f := range m.Added {
		changes.Added = append(changes.Added, f.FileEntry)
	}
	for _, f := range m.Updated {
		old, ok := byPath[f.Path]
		if !ok {
			return Changes{}, fmt.Errorf("%w: updated file %q not found", ErrInvalid, f.Path)
		}
		changes.Updated = append(changes.Updated, FileUpdate{FileEntry: f.FileEntry, OldChecksum: old.Checksum})
	}
	for _, path := range m.Removed {
		old, ok := byPath[path]
		if !ok {
			return Changes{}, fmt.Errorf("%w: removed file %q not found", ErrInvalid, path)
		}
		changes.Removed = append(changes.Removed, old)
	}
	return changes, nil
}

// summarizeChanges computes per-file changesets for a committed version.
// Tabular containers get row-level summaries by diffing against the
// previous blob; everything else records size only. A summarizer failure
// degrades to the error variant and never blocks the commit.
func (s *Service) summarizeChanges(changes Changes) map[string]FileChangeset {
	out := make(map[string]FileChangeset)
	for _, f := range changes.Added {
		out[f.Path] = FileChangeset{Kind: ChangesetSuccess, Size: f.Size}
	}
	for _, f := range changes.Updated {
		if !s.summarizer.Supports(f.Path) {
			out[f.Path] = FileChangeset{Kind: ChangesetSuccess, Size: f.Size}
			continue
		}
		out[f.Path] = s.summarizeUpdate(f)
	}
	return out
}

func (s *Service) summarizeUpdate(f FileUpdate) FileChangeset {
	oldBlob, err := s.store.Open(f.OldChecksum)
	if err != nil {
		return FileChangeset{Kind: ChangesetError, Size: f.Size, Error: fmt.Sprintf("opening previous revision: %v", err)}
	}
	defer oldBlob.Close()

	newBlob, err := s.store.Open(f.Checksum)
	if err != nil {
		return FileChangeset{Kind: ChangesetError, Size: f.Size, Error: fmt.Sprintf("opening new revision: %v", err)}
	}
	defer newBlob.Close()

	summary, err := s.summarizer.Summarize(f.Path, oldBlob, newBlob)
	if err != nil {
		s.logger.Warn("changeset summary failed", "path", f.Path, "error", err)
		return FileChangeset{Kind: ChangesetError, Size: f.Size, Error: err.Error()}
	}
	return FileChangeset{Kind: ChangesetSuccess, Size: f.Size, Summary: summary}
}

// recordFailure appends to the sync failure history; errors are logged only.
func (s *Service) recordFailure(project *Project, userAgent, errType, details string) {
	failure := &SyncFailure{
		ProjectID:    project.ID,
		LastVersion:  VersionName(project.LatestVersion),
		UserAgent:    userAgent,
		ErrorType:    errType,
		ErrorDetails: details,
		Timestamp:    s.clock.Now(),
	}
	if err := s.db.RecordSyncFailure(failure); err != nil {
		s.logger.Warn("recording sync failure", "error", err)
	}
}

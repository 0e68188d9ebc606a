package mergin

import (
	"archive/zip"
	"fmt"
	"io"
	"sync"
	"time"
)

// Service is the orchestration layer of the sync engine. It coordinates the
// metadata database, the content store, the chunk staging area and the
// changeset summarizer to implement project lifecycle, the version ledger
// and the push protocol. Every operation takes the acting user explicitly;
// authentication is resolved by the caller.
type Service struct {
	db         Database
	store      ContentStore
	staging    ChunkStaging
	summarizer Summarizer
	quota      WorkspaceQuota
	logger     Logger
	clock      Clock
	idgen      IDGenerator

	txTTL time.Duration
	mu    sync.Mutex
	txs   map[string]*transaction
}

// DefaultTransactionTTL bounds storage held by abandoned pushes: an open
// transaction with no activity for this long is reclaimed.
const DefaultTransactionTTL = 15 * time.Minute

// NewService creates a fully wired Service.
func NewService(db Database, store ContentStore, staging ChunkStaging, summarizer Summarizer, quota WorkspaceQuota, logger Logger, clock Clock, idgen IDGenerator, txTTL time.Duration) *Service {
	if txTTL <= 0 {
		txTTL = DefaultTransactionTTL
	}
	return &Service{
		db:         db,
		store:      store,
		staging:    staging,
		summarizer: summarizer,
		quota:      quota,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
		txTTL:      txTTL,
		txs:        make(map[string]*transaction),
	}
}

// requireRole loads the project's ACL and checks the actor's effective role
// against the minimum. Returns the resolved role on success.
func (s *Service) requireRole(actor Actor, projectID string, min Role) (Role, error) {
	access, err := s.db.GetAccess(projectID)
	if err != nil {
		return RoleNone, fmt.Errorf("loading project access: %w", err)
	}
	role := RoleNone
	if actor.ID != "" {
		role = access.RoleOf(actor.ID)
	} else if access.Public {
		role = RoleReader
	}
	if actor.Admin && RoleOwner.AtLeast(role) {
		role = RoleOwner
	}
	if !role.AtLeast(min) {
		if actor.ID == "" {
			return role, ErrUnauthorized
		}
		return role, ErrForbidden
	}
	return role, nil
}

// liveProject loads a project by namespace and name, hiding soft-deleted
// projects from regular callers.
func (s *Service) liveProject(namespace, name string) (*Project, error) {
	project, err := s.db.GetProject(namespace, name)
	if err != nil {
		return nil, err
	}
	if project.Removed() {
		return nil, ErrNotFound
	}
	return project, nil
}

// CreateProject creates an empty project at version v0. The creator becomes
// its owner.
func (s *Service) CreateProject(actor Actor, namespace, name string, public bool) (*ProjectDetail, error) {
	if actor.ID == "" {
		return nil, ErrUnauthorized
	}
	if name == "" || namespace == "" {
		return nil, fmt.Errorf("%w: namespace and name are required", ErrInvalid)
	}

	now := s.clock.Now()
	project := &Project{
		ID:        s.idgen.New(),
		Namespace: namespace,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	access := NewProjectAccess(project.ID, actor.ID, public)

	if err := s.db.CreateProject(project, access); err != nil {
		return nil, err
	}

	s.logger.Info("project created", "project", namespace+"/"+name, "id", project.ID)
	return &ProjectDetail{
		Project: *project,
		Version: VersionName(0),
		Files:   nil,
		Role:    RoleOwner,
	}, nil
}

// GetProjectDetail returns project metadata, the current version's file
// list and the acting user's role.
func (s *Service) GetProjectDetail(actor Actor, namespace, name string) (*ProjectDetail, error) {
	project, err := s.liveProject(namespace, name)
	if err != nil {
		return nil, err
	}
	role, err := s.requireRole(actor, project.ID, RoleReader)
	if err != nil {
		return nil, err
	}

	files, err := s.currentFiles(project)
	if err != nil {
		return nil, err
	}
	return &ProjectDetail{
		Project: *project,
		Version: VersionName(project.LatestVersion),
		Files:   files,
		Role:    role,
	}, nil
}

// currentFiles returns the file set at the project's latest version.
func (s *Service) currentFiles(project *Project) ([]FileEntry, error) {
	if project.LatestVersion == 0 {
		return nil, nil
	}
	version, err := s.db.GetVersion(project.ID, project.LatestVersion)
	if err != nil {
		return nil, fmt.Errorf("loading latest version: %w", err)
	}
	return version.Files, nil
}

// ListProjects returns the namespace's live projects visible to the actor.
func (s *Service) ListProjects(actor Actor, namespace string, page, perPage int) ([]*ProjectDetail, error) {
	projects, err := s.db.ListProjects(namespace, page, perPage)
	if err != nil {
		return nil, err
	}
	var out []*ProjectDetail
	for _, p := range projects {
		role, err := s.requireRole(actor, p.ID, RoleReader)
		if err != nil {
			continue // not visible to this actor
		}
		out = append(out, &ProjectDetail{
			Project: *p,
			Version: VersionName(p.LatestVersion),
			Role:    role,
		})
	}
	return out, nil
}

// ProjectSettings carries the owner-editable project settings.
type ProjectSettings struct {
	Public *bool           `json:"public,omitempty"`
	Roles  map[string]Role `json:"roles,omitempty"` // user id -> role; RoleNone revokes
}

// UpdateProjectSettings updates the public flag and membership lists.
// Owner only.
func (s *Service) UpdateProjectSettings(actor Actor, namespace, name string, settings ProjectSettings) error {
	project, err := s.liveProject(namespace, name)
	if err != nil {
		return err
	}
	if _, err := s.requireRole(actor, project.ID, RoleOwner); err != nil {
		return err
	}

	access, err := s.db.GetAccess(project.ID)
	if err != nil {
		return err
	}
	if settings.Public != nil {
		access.Public = *settings.Public
	}
	for userID, role := range settings.Roles {
		access.SetRole(userID, role)
	}
	if len(access.Owners) == 0 {
		return fmt.Errorf("%w: project must keep at least one owner", ErrInvalid)
	}
	if err := s.db.SaveAccess(access); err != nil {
		return err
	}

	s.logger.Info("project settings updated", "project", namespace+"/"+name)
	return nil
}

// DeleteProject soft-deletes a project. It disappears from reads but stays
// restorable until an admin purge.
func (s *Service) DeleteProject(actor Actor, namespace, name string) error {
	project, err := s.liveProject(namespace, name)
	if err != nil {
		return err
	}
	if _, err := s.requireRole(actor, project.ID, RoleOwner); err != nil {
		return err
	}

	now := s.clock.Now()
	if err := s.db.SetProjectRemoved(project.ID, &now, actor.Name); err != nil {
		return err
	}
	s.logger.Info("project removed", "project", namespace+"/"+name, "by", actor.Name)
	return nil
}

// RestoreProject reverts a soft delete. Admin only.
func (s *Service) RestoreProject(actor Actor, namespace, name string) error {
	if !actor.Admin {
		return ErrForbidden
	}
	project, err := s.db.GetProject(namespace, name)
	if err != nil {
		return err
	}
	if !project.Removed() {
		return nil
	}
	return s.db.SetProjectRemoved(project.ID, nil, "")
}

// PurgeProject permanently destroys a project and its history. Admin only.
// Blobs shared with other projects survive; blobs whose reference count
// drops to zero are removed by the next garbage collection.
func (s *Service) PurgeProject(actor Actor, namespace, name string) error {
	if !actor.Admin {
		return ErrForbidden
	}
	project, err := s.db.GetProject(namespace, name)
	if err != nil {
		return err
	}
	if err := s.db.PurgeProject(project.ID); err != nil {
		return err
	}
	s.logger.Info("project purged", "project", namespace+"/"+name)
	return nil
}

// GetVersion returns one historical version with its changeset.
func (s *Service) GetVersion(actor Actor, projectID, versionName string) (*Version, error) {
	project, err := s.db.GetProjectByID(projectID)
	if err != nil {
		return nil, err
	}
	if project.Removed() {
		return nil, ErrNotFound
	}
	if _, err := s.requireRole(actor, project.ID, RoleReader); err != nil {
		return nil, err
	}
	seq, err := ParseVersionName(versionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return s.db.GetVersion(project.ID, seq)
}

// ListVersions returns a page of the project's version history,
// descending by default.
func (s *Service) ListVersions(actor Actor, namespace, name string, page, perPage int, desc bool) ([]*Version, error) {
	project, err := s.liveProject(namespace, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireRole(actor, project.ID, RoleReader); err != nil {
		return nil, err
	}
	return s.db.ListVersions(project.ID, page, perPage, desc)
}

// filesAt returns the file set of a project at the given version sequence.
func (s *Service) filesAt(project *Project, seq int) ([]FileEntry, error) {
	if seq == 0 {
		return nil, nil
	}
	if seq > project.LatestVersion {
		return nil, fmt.Errorf("%w: version %s", ErrNotFound, VersionName(seq))
	}
	version, err := s.db.GetVersion(project.ID, seq)
	if err != nil {
		return nil, err
	}
	return version.Files, nil
}

// OpenFile returns a reader for one file of a project at the given version
// (empty versionName means latest).
func (s *Service) OpenFile(actor Actor, namespace, name, versionName, path string) (io.ReadCloser, *FileEntry, error) {
	project, err := s.liveProject(namespace, name)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.requireRole(actor, project.ID, RoleReader); err != nil {
		return nil, nil, err
	}

	seq := project.LatestVersion
	if versionName != "" {
		if seq, err = ParseVersionName(versionName); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	files, err := s.filesAt(project, seq)
	if err != nil {
		return nil, nil, err
	}
	for i := range files {
		if files[i].Path == path {
			r, err := s.store.Open(files[i].Checksum)
			if err != nil {
				return nil, nil, err
			}
			return r, &files[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: file %s", ErrNotFound, path)
}

// WriteZip streams the full file set of a project version into w as a zip
// archive. The archive is produced file by file straight from the content
// store; nothing is buffered, so arbitrarily large projects stream in
// constant memory.
func (s *Service) WriteZip(actor Actor, namespace, name, versionName string, w io.Writer) error {
	project, err := s.liveProject(namespace, name)
	if err != nil {
		return err
	}
	if _, err := s.requireRole(actor, project.ID, RoleReader); err != nil {
		return err
	}

	seq := project.LatestVersion
	if versionName != "" {
		if seq, err = ParseVersionName(versionName); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	files, err := s.filesAt(project, seq)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, f := range files {
		header := &zip.FileHeader{Name: f.Path, Method: zip.Deflate}
		if f.Mtime != nil {
			header.Modified = *f.Mtime
		}
		fw, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("creating zip entry %s: %w", f.Path, err)
		}
		blob, err := s.store.Open(f.Checksum)
		if err != nil {
			return fmt.Errorf("opening blob for %s: %w", f.Path, err)
		}
		_, err = io.Copy(fw, blob)
		blob.Close()
		if err != nil {
			return fmt.Errorf("streaming %s: %w", f.Path, err)
		}
	}
	return zw.Close()
}

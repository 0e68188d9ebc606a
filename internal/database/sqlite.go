package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/pguigue/mergin/internal/database/migrations"
	"github.com/pguigue/mergin/internal/mergin"
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sqlx.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:   sqlx.NewDb(db, "sqlite3"),
		path: path,
	}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Serialize access through a single connection. SQLite allows one writer
	// at a time and version appends rely on transactions seeing a consistent
	// latest_version.
	db.SetMaxOpenConns(1)

	return db, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Row types. JSON-valued columns (change lists, file snapshots, ACL member
// lists) are stored as TEXT and unmarshalled on read.

type projectRow struct {
	ID            string       `db:"id"`
	Namespace     string       `db:"namespace"`
	Name          string       `db:"name"`
	LatestVersion int          `db:"latest_version"`
	DiskUsage     int64        `db:"disk_usage"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	RemovedAt     sql.NullTime `db:"removed_at"`
	RemovedBy     string       `db:"removed_by"`
}

func (r *projectRow) toModel() *mergin.Project {
	p := &mergin.Project{
		ID:            r.ID,
		Namespace:     r.Namespace,
		Name:          r.Name,
		LatestVersion: r.LatestVersion,
		DiskUsage:     r.DiskUsage,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		RemovedBy:     r.RemovedBy,
	}
	if r.RemovedAt.Valid {
		t := r.RemovedAt.Time
		p.RemovedAt = &t
	}
	return p
}

type versionRow struct {
	ProjectID string         `db:"project_id"`
	Seq       int            `db:"seq"`
	Name      string         `db:"name"`
	Author    string         `db:"author"`
	CreatedAt time.Time      `db:"created_at"`
	Changes   string         `db:"changes"`
	Files     string         `db:"files"`
	Size      int64          `db:"size"`
	UserAgent string         `db:"user_agent"`
	Changeset sql.NullString `db:"changeset"`
}

func (r *versionRow) toModel() (*mergin.Version, error) {
	v := &mergin.Version{
		ProjectID: r.ProjectID,
		Seq:       r.Seq,
		Name:      r.Name,
		Author:    r.Author,
		CreatedAt: r.CreatedAt,
		Size:      r.Size,
		UserAgent: r.UserAgent,
	}
	if err := json.Unmarshal([]byte(r.Changes), &v.Changes); err != nil {
		return nil, fmt.Errorf("decoding changes of %s %s: %w", r.ProjectID, r.Name, err)
	}
	if err := json.Unmarshal([]byte(r.Files), &v.Files); err != nil {
		return nil, fmt.Errorf("decoding files of %s %s: %w", r.ProjectID, r.Name, err)
	}
	if r.Changeset.Valid {
		if err := json.Unmarshal([]byte(r.Changeset.String), &v.Changeset); err != nil {
			return nil, fmt.Errorf("decoding changeset of %s %s: %w", r.ProjectID, r.Name, err)
		}
	}
	return v, nil
}

type accessRow struct {
	ProjectID string `db:"project_id"`
	Public    bool   `db:"public"`
	Owners    string `db:"owners"`
	Writers   string `db:"writers"`
	Readers   string `db:"readers"`
}

type accessRequestRow struct {
	ID          int64     `db:"id"`
	ProjectID   string    `db:"project_id"`
	Namespace   string    `db:"namespace"`
	ProjectName string    `db:"project_name"`
	UserID      string    `db:"user_id"`
	RequestedAt time.Time `db:"requested_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

func (r *accessRequestRow) toModel() *mergin.AccessRequest {
	return &mergin.AccessRequest{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Namespace:   r.Namespace,
		ProjectName: r.ProjectName,
		UserID:      r.UserID,
		RequestedAt: r.RequestedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func marshalMembers(members []string) (string, error) {
	if members == nil {
		members = []string{}
	}
	data, err := json.Marshal(members)
	if err != nil {
		return "", fmt.Errorf("encoding member list: %w", err)
	}
	return string(data), nil
}

// Project operations

func (s *SQLiteDatabase) CreateProject(project *mergin.Project, access *mergin.ProjectAccess) error {
	ctx := context.Background()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO project (id, namespace, name, latest_version, disk_usage, created_at, updated_at, removed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
		project.ID, project.Namespace, project.Name, project.LatestVersion,
		project.DiskUsage, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: project %s/%s already exists", mergin.ErrConflict, project.Namespace, project.Name)
		}
		return fmt.Errorf("inserting project: %w", err)
	}

	if err := saveAccessTx(ctx, tx, access); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetProject(namespace, name string) (*mergin.Project, error) {
	var row projectRow
	err := s.db.Get(&row, `SELECT * FROM project WHERE namespace = ? AND name = ?`, namespace, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: project %s/%s", mergin.ErrNotFound, namespace, name)
		}
		return nil, fmt.Errorf("finding project by name: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteDatabase) GetProjectByID(id string) (*mergin.Project, error) {
	var row projectRow
	err := s.db.Get(&row, `SELECT * FROM project WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: project %s", mergin.ErrNotFound, id)
		}
		return nil, fmt.Errorf("finding project by id: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteDatabase) ListProjects(namespace string, page, perPage int) ([]*mergin.Project, error) {
	var rows []projectRow
	err := s.db.Select(&rows, `
		SELECT * FROM project
		WHERE namespace = ? AND removed_at IS NULL
		ORDER BY name
		LIMIT ? OFFSET ?`,
		namespace, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	result := make([]*mergin.Project, len(rows))
	for i := range rows {
		result[i] = rows[i].toModel()
	}
	return result, nil
}

func (s *SQLiteDatabase) SetProjectRemoved(id string, removedAt *time.Time, removedBy string) error {
	var nt sql.NullTime
	if removedAt != nil {
		nt = sql.NullTime{Time: *removedAt, Valid: true}
	}
	res, err := s.db.Exec(`UPDATE project SET removed_at = ?, removed_by = ? WHERE id = ?`,
		nt, removedBy, id)
	if err != nil {
		return fmt.Errorf("updating project removal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: project %s", mergin.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteDatabase) PurgeProject(id string) error {
	ctx := context.Background()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// Release one blob reference for every blob the project's versions
	// introduced, mirroring the references AppendVersion took.
	var changeDocs []string
	if err := tx.SelectContext(ctx, &changeDocs, `SELECT changes FROM project_version WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("loading version changes: %w", err)
	}
	for _, doc := range changeDocs {
		var changes mergin.Changes
		if err := json.Unmarshal([]byte(doc), &changes); err != nil {
			return fmt.Errorf("decoding version changes: %w", err)
		}
		for _, checksum := range introducedBlobs(changes) {
			if _, err := tx.ExecContext(ctx, `UPDATE content SET refs = refs - 1 WHERE checksum = ?`, checksum); err != nil {
				return fmt.Errorf("releasing blob reference: %w", err)
			}
		}
	}

	// Versions, ACL, uploads and access requests cascade with the project.
	// Sync failure history intentionally survives.
	res, err := tx.ExecContext(ctx, `DELETE FROM project WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: project %s", mergin.ErrNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) NamespaceDiskUsage(namespace string) (int64, error) {
	var total int64
	err := s.db.Get(&total, `
		SELECT COALESCE(SUM(disk_usage), 0) FROM project
		WHERE namespace = ? AND removed_at IS NULL`, namespace)
	if err != nil {
		return 0, fmt.Errorf("summing namespace disk usage: %w", err)
	}
	return total, nil
}

// Access operations

func (s *SQLiteDatabase) GetAccess(projectID string) (*mergin.ProjectAccess, error) {
	var row accessRow
	err := s.db.Get(&row, `SELECT * FROM project_access WHERE project_id = ?`, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: access for project %s", mergin.ErrNotFound, projectID)
		}
		return nil, fmt.Errorf("finding project access: %w", err)
	}

	access := &mergin.ProjectAccess{ProjectID: row.ProjectID, Public: row.Public}
	for _, col := range []struct {
		data string
		dest *[]string
	}{
		{row.Owners, &access.Owners},
		{row.Writers, &access.Writers},
		{row.Readers, &access.Readers},
	} {
		if err := json.Unmarshal([]byte(col.data), col.dest); err != nil {
			return nil, fmt.Errorf("decoding access member list: %w", err)
		}
	}
	return access, nil
}

func (s *SQLiteDatabase) SaveAccess(access *mergin.ProjectAccess) error {
	return saveAccessTx(context.Background(), s.db, access)
}

func saveAccessTx(ctx context.Context, e sqlx.ExtContext, access *mergin.ProjectAccess) error {
	owners, err := marshalMembers(access.Owners)
	if err != nil {
		return err
	}
	writers, err := marshalMembers(access.Writers)
	if err != nil {
		return err
	}
	readers, err := marshalMembers(access.Readers)
	if err != nil {
		return err
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO project_access (project_id, public, owners, writers, readers)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			public = excluded.public,
			owners = excluded.owners,
			writers = excluded.writers,
			readers = excluded.readers`,
		access.ProjectID, access.Public, owners, writers, readers)
	if err != nil {
		return fmt.Errorf("saving project access: %w", err)
	}
	return nil
}

// Version ledger

// introducedBlobs returns the checksums a change set brings into the project:
// every added file and every new content of an updated file.
func introducedBlobs(changes mergin.Changes) []string {
	blobs := make([]string, 0, len(changes.Added)+len(changes.Updated))
	for _, f := range changes.Added {
		blobs = append(blobs, f.Checksum)
	}
	for _, f := range changes.Updated {
		blobs = append(blobs, f.Checksum)
	}
	return blobs
}

func (s *SQLiteDatabase) AppendVersion(version *mergin.Version, baseSeq int) error {
	ctx := context.Background()

	changes, err := json.Marshal(version.Changes)
	if err != nil {
		return fmt.Errorf("encoding changes: %w", err)
	}
	files, err := json.Marshal(version.Files)
	if err != nil {
		return fmt.Errorf("encoding files: %w", err)
	}
	var changeset sql.NullString
	if len(version.Changeset) > 0 {
		data, err := json.Marshal(version.Changeset)
		if err != nil {
			return fmt.Errorf("encoding changeset: %w", err)
		}
		changeset = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// Compare-and-swap on the project's current version pointer. A
	// concurrent append moved it already and must surface as a conflict.
	res, err := tx.ExecContext(ctx, `
		UPDATE project SET latest_version = ?, disk_usage = ?, updated_at = ?
		WHERE id = ? AND latest_version = ?`,
		version.Seq, version.Size, version.CreatedAt, version.ProjectID, baseSeq)
	if err != nil {
		return fmt.Errorf("advancing project version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: project %s moved past version %d", mergin.ErrConflict, version.ProjectID, baseSeq)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO project_version (project_id, seq, name, author, created_at, changes, files, size, user_agent, changeset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		version.ProjectID, version.Seq, version.Name, version.Author, version.CreatedAt,
		string(changes), string(files), version.Size, version.UserAgent, changeset)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: version %s already recorded for project %s", mergin.ErrConflict, version.Name, version.ProjectID)
		}
		return fmt.Errorf("inserting version: %w", err)
	}

	for _, checksum := range introducedBlobs(version.Changes) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO content (checksum, refs, created_at)
			VALUES (?, 1, ?)
			ON CONFLICT(checksum) DO UPDATE SET refs = refs + 1`,
			checksum, version.CreatedAt)
		if err != nil {
			return fmt.Errorf("adding blob reference: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetVersion(projectID string, seq int) (*mergin.Version, error) {
	var row versionRow
	err := s.db.Get(&row, `SELECT * FROM project_version WHERE project_id = ? AND seq = ?`, projectID, seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: version %s of project %s", mergin.ErrNotFound, mergin.VersionName(seq), projectID)
		}
		return nil, fmt.Errorf("finding version: %w", err)
	}
	return row.toModel()
}

func (s *SQLiteDatabase) ListVersions(projectID string, page, perPage int, desc bool) ([]*mergin.Version, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	var rows []versionRow
	err := s.db.Select(&rows, `
		SELECT * FROM project_version
		WHERE project_id = ?
		ORDER BY seq `+order+`
		LIMIT ? OFFSET ?`,
		projectID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	result := make([]*mergin.Version, len(rows))
	for i := range rows {
		v, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// Pending uploads

func (s *SQLiteDatabase) CreateUpload(upload *mergin.Upload) error {
	_, err := s.db.Exec(`
		INSERT INTO upload (id, project_id, version, user_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		upload.ID, upload.ProjectID, upload.Version, upload.UserID, upload.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: upload already targets version %s of project %s",
				mergin.ErrConflict, mergin.VersionName(upload.Version), upload.ProjectID)
		}
		return fmt.Errorf("inserting upload: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteUpload(id string) error {
	if _, err := s.db.Exec(`DELETE FROM upload WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListUploadsBefore(cutoff time.Time) ([]*mergin.Upload, error) {
	var rows []struct {
		ID        string    `db:"id"`
		ProjectID string    `db:"project_id"`
		Version   int       `db:"version"`
		UserID    string    `db:"user_id"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.Select(&rows, `SELECT * FROM upload WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale uploads: %w", err)
	}

	result := make([]*mergin.Upload, len(rows))
	for i, r := range rows {
		result[i] = &mergin.Upload{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			Version:   r.Version,
			UserID:    r.UserID,
			CreatedAt: r.CreatedAt,
		}
	}
	return result, nil
}

// Access requests

const accessRequestColumns = `
	access_request.id, access_request.project_id,
	project.namespace AS namespace, project.name AS project_name,
	access_request.user_id, access_request.requested_at, access_request.expires_at`

func (s *SQLiteDatabase) CreateAccessRequest(request *mergin.AccessRequest) error {
	res, err := s.db.Exec(`
		INSERT INTO access_request (project_id, user_id, requested_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		request.ProjectID, request.UserID, request.RequestedAt, request.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: access request already pending for project %s", mergin.ErrConflict, request.ProjectID)
		}
		return fmt.Errorf("inserting access request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading access request id: %w", err)
	}
	request.ID = id
	return nil
}

func (s *SQLiteDatabase) GetAccessRequest(id int64) (*mergin.AccessRequest, error) {
	var row accessRequestRow
	err := s.db.Get(&row, `
		SELECT `+accessRequestColumns+`
		FROM access_request JOIN project ON project.id = access_request.project_id
		WHERE access_request.id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: access request %d", mergin.ErrNotFound, id)
		}
		return nil, fmt.Errorf("finding access request: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteDatabase) DeleteAccessRequest(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM access_request WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting access request: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListAccessRequests(namespace string) ([]*mergin.AccessRequest, error) {
	var rows []accessRequestRow
	err := s.db.Select(&rows, `
		SELECT `+accessRequestColumns+`
		FROM access_request JOIN project ON project.id = access_request.project_id
		WHERE project.namespace = ?
		ORDER BY access_request.requested_at`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing access requests: %w", err)
	}

	result := make([]*mergin.AccessRequest, len(rows))
	for i := range rows {
		result[i] = rows[i].toModel()
	}
	return result, nil
}

func (s *SQLiteDatabase) DeleteExpiredAccessRequests(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM access_request WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired access requests: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking affected rows: %w", err)
	}
	return deleted, nil
}

// Blob references

func (s *SQLiteDatabase) UnreferencedContent() ([]string, error) {
	var checksums []string
	if err := s.db.Select(&checksums, `SELECT checksum FROM content WHERE refs <= 0`); err != nil {
		return nil, fmt.Errorf("listing unreferenced content: %w", err)
	}
	return checksums, nil
}

func (s *SQLiteDatabase) ForgetContent(checksums []string) error {
	if len(checksums) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM content WHERE checksum IN (?)`, checksums)
	if err != nil {
		return fmt.Errorf("building content delete: %w", err)
	}
	if _, err := s.db.Exec(s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("forgetting content: %w", err)
	}
	return nil
}

// Sync failure history

func (s *SQLiteDatabase) RecordSyncFailure(failure *mergin.SyncFailure) error {
	res, err := s.db.Exec(`
		INSERT INTO sync_failure_history (project_id, last_version, user_agent, error_type, error_details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		failure.ProjectID, failure.LastVersion, failure.UserAgent,
		failure.ErrorType, failure.ErrorDetails, failure.Timestamp)
	if err != nil {
		return fmt.Errorf("recording sync failure: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading sync failure id: %w", err)
	}
	failure.ID = id
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db.DB)
}

// MigrateUp runs all pending schema migrations.
func (s *SQLiteDatabase) MigrateUp() error {
	return migrations.MigrateUp(s.db.DB)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements the Database interface
var _ mergin.Database = (*SQLiteDatabase)(nil)

package database_test

import (
	"errors"
	"testing"
	"time"

	"github.com/pguigue/mergin/internal/mergin"
	"github.com/pguigue/mergin/internal/testutil"
)

var testTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// seedProject inserts a project with its initial ACL and returns it.
func seedProject(t *testing.T, db mergin.Database, id, namespace, name string) *mergin.Project {
	t.Helper()

	project := &mergin.Project{
		ID:        id,
		Namespace: namespace,
		Name:      name,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
	access := mergin.NewProjectAccess(id, "u-owner", false)
	if err := db.CreateProject(project, access); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	return project
}

func entry(path, content string) mergin.FileEntry {
	return mergin.FileEntry{
		Path:     path,
		Checksum: testutil.SHA256Hex([]byte(content)),
		Size:     int64(len(content)),
	}
}

func TestSQLiteDatabase_CreateGetProject(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	t.Run("by name", func(t *testing.T) {
		project, err := db.GetProject("acme", "survey")
		if err != nil {
			t.Fatalf("GetProject() error = %v", err)
		}
		if project.ID != "p1" || project.LatestVersion != 0 {
			t.Errorf("GetProject() = %+v", project)
		}
	})

	t.Run("by id", func(t *testing.T) {
		project, err := db.GetProjectByID("p1")
		if err != nil {
			t.Fatalf("GetProjectByID() error = %v", err)
		}
		if project.Name != "survey" {
			t.Errorf("Name = %q, want survey", project.Name)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := db.GetProject("acme", "nope"); !errors.Is(err, mergin.ErrNotFound) {
			t.Errorf("GetProject() error = %v, want ErrNotFound", err)
		}
		if _, err := db.GetProjectByID("nope"); !errors.Is(err, mergin.ErrNotFound) {
			t.Errorf("GetProjectByID() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		dup := &mergin.Project{ID: "p2", Namespace: "acme", Name: "survey", CreatedAt: testTime, UpdatedAt: testTime}
		err := db.CreateProject(dup, mergin.NewProjectAccess("p2", "u-other", false))
		if !errors.Is(err, mergin.ErrConflict) {
			t.Errorf("CreateProject(duplicate) error = %v, want ErrConflict", err)
		}
	})

	t.Run("creator ACL persisted", func(t *testing.T) {
		access, err := db.GetAccess("p1")
		if err != nil {
			t.Fatalf("GetAccess() error = %v", err)
		}
		if access.RoleOf("u-owner") != mergin.RoleOwner {
			t.Errorf("RoleOf(creator) = %s, want owner", access.RoleOf("u-owner"))
		}
	})
}

func TestSQLiteDatabase_ListProjects(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "beta")
	seedProject(t, db, "p2", "acme", "alpha")
	seedProject(t, db, "p3", "other", "gamma")

	projects, err := db.ListProjects("acme", 1, 50)
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(projects) != 2 || projects[0].Name != "alpha" || projects[1].Name != "beta" {
		t.Errorf("ListProjects() = %+v, want [alpha beta]", projects)
	}

	t.Run("pagination", func(t *testing.T) {
		page2, err := db.ListProjects("acme", 2, 1)
		if err != nil {
			t.Fatalf("ListProjects() error = %v", err)
		}
		if len(page2) != 1 || page2[0].Name != "beta" {
			t.Errorf("page 2 = %+v, want [beta]", page2)
		}
	})

	t.Run("removed projects hidden", func(t *testing.T) {
		removedAt := testTime
		if err := db.SetProjectRemoved("p2", &removedAt, "u-owner"); err != nil {
			t.Fatalf("SetProjectRemoved() error = %v", err)
		}
		projects, err := db.ListProjects("acme", 1, 50)
		if err != nil {
			t.Fatalf("ListProjects() error = %v", err)
		}
		if len(projects) != 1 || projects[0].Name != "beta" {
			t.Errorf("ListProjects() after removal = %+v, want [beta]", projects)
		}
	})
}

func TestSQLiteDatabase_SetProjectRemoved(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	removedAt := testTime.Add(time.Hour)
	if err := db.SetProjectRemoved("p1", &removedAt, "u-admin"); err != nil {
		t.Fatalf("SetProjectRemoved() error = %v", err)
	}

	project, err := db.GetProjectByID("p1")
	if err != nil {
		t.Fatalf("GetProjectByID() error = %v", err)
	}
	if !project.Removed() || project.RemovedBy != "u-admin" {
		t.Errorf("project after removal = %+v", project)
	}

	// Clearing the marker restores the project.
	if err := db.SetProjectRemoved("p1", nil, ""); err != nil {
		t.Fatalf("SetProjectRemoved(nil) error = %v", err)
	}
	project, _ = db.GetProjectByID("p1")
	if project.Removed() {
		t.Error("project still removed after restore")
	}

	if err := db.SetProjectRemoved("nope", &removedAt, ""); !errors.Is(err, mergin.ErrNotFound) {
		t.Errorf("SetProjectRemoved(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_AppendVersion(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	added := entry("a.txt", "content a")
	version := &mergin.Version{
		ProjectID: "p1",
		Seq:       1,
		Name:      "v1",
		Author:    "u-owner",
		CreatedAt: testTime,
		Changes:   mergin.Changes{Added: []mergin.FileEntry{added}},
		Files:     []mergin.FileEntry{added},
		Size:      added.Size,
		UserAgent: "test-agent",
	}
	if err := db.AppendVersion(version, 0); err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}

	t.Run("advances the version pointer", func(t *testing.T) {
		project, err := db.GetProjectByID("p1")
		if err != nil {
			t.Fatalf("GetProjectByID() error = %v", err)
		}
		if project.LatestVersion != 1 {
			t.Errorf("LatestVersion = %d, want 1", project.LatestVersion)
		}
		if project.DiskUsage != added.Size {
			t.Errorf("DiskUsage = %d, want %d", project.DiskUsage, added.Size)
		}
	})

	t.Run("round trips the version record", func(t *testing.T) {
		got, err := db.GetVersion("p1", 1)
		if err != nil {
			t.Fatalf("GetVersion() error = %v", err)
		}
		if got.Name != "v1" || got.Author != "u-owner" || got.UserAgent != "test-agent" {
			t.Errorf("GetVersion() = %+v", got)
		}
		if len(got.Changes.Added) != 1 || got.Changes.Added[0].Checksum != added.Checksum {
			t.Errorf("Changes = %+v", got.Changes)
		}
		if len(got.Files) != 1 || got.Files[0].Path != "a.txt" {
			t.Errorf("Files = %+v", got.Files)
		}
	})

	t.Run("stale base is a conflict", func(t *testing.T) {
		stale := &mergin.Version{
			ProjectID: "p1", Seq: 1, Name: "v1", CreatedAt: testTime,
			Changes: mergin.Changes{}, Files: []mergin.FileEntry{},
		}
		if err := db.AppendVersion(stale, 0); !errors.Is(err, mergin.ErrConflict) {
			t.Errorf("AppendVersion(stale base) error = %v, want ErrConflict", err)
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		if _, err := db.GetVersion("p1", 9); !errors.Is(err, mergin.ErrNotFound) {
			t.Errorf("GetVersion() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteDatabase_AppendVersionChangeset(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	added := entry("data.gpkg", "gpkg bytes")
	version := &mergin.Version{
		ProjectID: "p1", Seq: 1, Name: "v1", CreatedAt: testTime,
		Changes: mergin.Changes{Added: []mergin.FileEntry{added}},
		Files:   []mergin.FileEntry{added},
		Changeset: map[string]mergin.FileChangeset{
			"data.gpkg": {
				Kind:    mergin.ChangesetSuccess,
				Size:    added.Size,
				Summary: []mergin.TableSummary{{Table: "points", Insert: 3, Update: 1}},
			},
		},
	}
	if err := db.AppendVersion(version, 0); err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}

	got, err := db.GetVersion("p1", 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	cs, ok := got.Changeset["data.gpkg"]
	if !ok {
		t.Fatalf("changeset missing: %+v", got.Changeset)
	}
	if cs.Kind != mergin.ChangesetSuccess || len(cs.Summary) != 1 || cs.Summary[0].Insert != 3 {
		t.Errorf("changeset = %+v", cs)
	}
}

func TestSQLiteDatabase_ListVersions(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	for seq := 1; seq <= 3; seq++ {
		f := entry("f.txt", mergin.VersionName(seq))
		version := &mergin.Version{
			ProjectID: "p1", Seq: seq, Name: mergin.VersionName(seq), CreatedAt: testTime,
			Changes: mergin.Changes{Added: []mergin.FileEntry{f}},
			Files:   []mergin.FileEntry{f},
		}
		if seq > 1 {
			version.Changes = mergin.Changes{Updated: []mergin.FileUpdate{{FileEntry: f}}}
		}
		if err := db.AppendVersion(version, seq-1); err != nil {
			t.Fatalf("AppendVersion(%d) error = %v", seq, err)
		}
	}

	asc, err := db.ListVersions("p1", 1, 50, false)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(asc) != 3 || asc[0].Seq != 1 || asc[2].Seq != 3 {
		t.Errorf("ascending = %+v", asc)
	}

	desc, err := db.ListVersions("p1", 1, 2, true)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(desc) != 2 || desc[0].Seq != 3 || desc[1].Seq != 2 {
		t.Errorf("descending page = %+v", desc)
	}
}

func TestSQLiteDatabase_ContentReferences(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "one")
	seedProject(t, db, "p2", "acme", "two")

	shared := entry("basemap.bin", "shared blob")
	for _, id := range []string{"p1", "p2"} {
		version := &mergin.Version{
			ProjectID: id, Seq: 1, Name: "v1", CreatedAt: testTime,
			Changes: mergin.Changes{Added: []mergin.FileEntry{shared}},
			Files:   []mergin.FileEntry{shared},
			Size:    shared.Size,
		}
		if err := db.AppendVersion(version, 0); err != nil {
			t.Fatalf("AppendVersion(%s) error = %v", id, err)
		}
	}

	orphans, err := db.UnreferencedContent()
	if err != nil {
		t.Fatalf("UnreferencedContent() error = %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("UnreferencedContent() = %v, want empty", orphans)
	}

	// One project gone: the shared blob keeps its other reference.
	if err := db.PurgeProject("p1"); err != nil {
		t.Fatalf("PurgeProject() error = %v", err)
	}
	orphans, _ = db.UnreferencedContent()
	if len(orphans) != 0 {
		t.Errorf("UnreferencedContent() after first purge = %v, want empty", orphans)
	}

	// Both gone: the blob is orphaned and can be forgotten.
	if err := db.PurgeProject("p2"); err != nil {
		t.Fatalf("PurgeProject() error = %v", err)
	}
	orphans, _ = db.UnreferencedContent()
	if len(orphans) != 1 || orphans[0] != shared.Checksum {
		t.Fatalf("UnreferencedContent() = %v, want [%s]", orphans, shared.Checksum)
	}

	if err := db.ForgetContent(orphans); err != nil {
		t.Fatalf("ForgetContent() error = %v", err)
	}
	orphans, _ = db.UnreferencedContent()
	if len(orphans) != 0 {
		t.Errorf("UnreferencedContent() after forget = %v, want empty", orphans)
	}

	if err := db.ForgetContent(nil); err != nil {
		t.Errorf("ForgetContent(nil) error = %v", err)
	}
}

func TestSQLiteDatabase_PurgeProject(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	if err := db.PurgeProject("p1"); err != nil {
		t.Fatalf("PurgeProject() error = %v", err)
	}
	if _, err := db.GetProjectByID("p1"); !errors.Is(err, mergin.ErrNotFound) {
		t.Errorf("GetProjectByID() after purge error = %v, want ErrNotFound", err)
	}
	if _, err := db.GetAccess("p1"); !errors.Is(err, mergin.ErrNotFound) {
		t.Errorf("GetAccess() after purge error = %v, want ErrNotFound", err)
	}
	if err := db.PurgeProject("p1"); !errors.Is(err, mergin.ErrNotFound) {
		t.Errorf("second PurgeProject() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_NamespaceDiskUsage(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "one")
	seedProject(t, db, "p2", "acme", "two")

	for i, id := range []string{"p1", "p2"} {
		f := entry("f.bin", string(rune('a'+i)))
		version := &mergin.Version{
			ProjectID: id, Seq: 1, Name: "v1", CreatedAt: testTime,
			Changes: mergin.Changes{Added: []mergin.FileEntry{f}},
			Files:   []mergin.FileEntry{f},
			Size:    100,
		}
		if err := db.AppendVersion(version, 0); err != nil {
			t.Fatalf("AppendVersion() error = %v", err)
		}
	}

	total, err := db.NamespaceDiskUsage("acme")
	if err != nil {
		t.Fatalf("NamespaceDiskUsage() error = %v", err)
	}
	if total != 200 {
		t.Errorf("NamespaceDiskUsage() = %d, want 200", total)
	}

	// Soft-deleted projects stop counting against the namespace.
	removedAt := testTime
	if err := db.SetProjectRemoved("p1", &removedAt, ""); err != nil {
		t.Fatal(err)
	}
	total, _ = db.NamespaceDiskUsage("acme")
	if total != 100 {
		t.Errorf("NamespaceDiskUsage() after removal = %d, want 100", total)
	}
}

func TestSQLiteDatabase_SaveAccess(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	access, err := db.GetAccess("p1")
	if err != nil {
		t.Fatalf("GetAccess() error = %v", err)
	}
	access.Public = true
	access.SetRole("u-bob", mergin.RoleWriter)
	if err := db.SaveAccess(access); err != nil {
		t.Fatalf("SaveAccess() error = %v", err)
	}

	got, err := db.GetAccess("p1")
	if err != nil {
		t.Fatalf("GetAccess() error = %v", err)
	}
	if !got.Public {
		t.Error("Public flag lost on round trip")
	}
	if got.RoleOf("u-bob") != mergin.RoleWriter {
		t.Errorf("RoleOf(u-bob) = %s, want writer", got.RoleOf("u-bob"))
	}
	if got.RoleOf("u-owner") != mergin.RoleOwner {
		t.Errorf("RoleOf(u-owner) = %s, want owner", got.RoleOf("u-owner"))
	}
}

func TestSQLiteDatabase_Uploads(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	upload := &mergin.Upload{ID: "up-1", ProjectID: "p1", Version: 1, UserID: "u-owner", CreatedAt: testTime}
	if err := db.CreateUpload(upload); err != nil {
		t.Fatalf("CreateUpload() error = %v", err)
	}

	t.Run("one upload per target version", func(t *testing.T) {
		second := &mergin.Upload{ID: "up-2", ProjectID: "p1", Version: 1, UserID: "u-other", CreatedAt: testTime}
		if err := db.CreateUpload(second); !errors.Is(err, mergin.ErrConflict) {
			t.Errorf("CreateUpload(same version) error = %v, want ErrConflict", err)
		}
	})

	t.Run("stale listing by cutoff", func(t *testing.T) {
		stale, err := db.ListUploadsBefore(testTime.Add(time.Minute))
		if err != nil {
			t.Fatalf("ListUploadsBefore() error = %v", err)
		}
		if len(stale) != 1 || stale[0].ID != "up-1" {
			t.Errorf("ListUploadsBefore() = %+v, want [up-1]", stale)
		}

		fresh, err := db.ListUploadsBefore(testTime.Add(-time.Minute))
		if err != nil {
			t.Fatalf("ListUploadsBefore() error = %v", err)
		}
		if len(fresh) != 0 {
			t.Errorf("ListUploadsBefore(early cutoff) = %+v, want empty", fresh)
		}
	})

	t.Run("delete frees the slot", func(t *testing.T) {
		if err := db.DeleteUpload("up-1"); err != nil {
			t.Fatalf("DeleteUpload() error = %v", err)
		}
		retry := &mergin.Upload{ID: "up-3", ProjectID: "p1", Version: 1, UserID: "u-owner", CreatedAt: testTime}
		if err := db.CreateUpload(retry); err != nil {
			t.Errorf("CreateUpload() after delete error = %v", err)
		}
	})
}

func TestSQLiteDatabase_AccessRequests(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	request := &mergin.AccessRequest{
		ProjectID:   "p1",
		UserID:      "u-bob",
		RequestedAt: testTime,
		ExpiresAt:   testTime.Add(7 * 24 * time.Hour),
	}
	if err := db.CreateAccessRequest(request); err != nil {
		t.Fatalf("CreateAccessRequest() error = %v", err)
	}
	if request.ID == 0 {
		t.Error("request ID not assigned")
	}

	t.Run("one pending request per user", func(t *testing.T) {
		dup := &mergin.AccessRequest{ProjectID: "p1", UserID: "u-bob", RequestedAt: testTime, ExpiresAt: testTime}
		if err := db.CreateAccessRequest(dup); !errors.Is(err, mergin.ErrConflict) {
			t.Errorf("CreateAccessRequest(duplicate) error = %v, want ErrConflict", err)
		}
	})

	t.Run("get joins project names", func(t *testing.T) {
		got, err := db.GetAccessRequest(request.ID)
		if err != nil {
			t.Fatalf("GetAccessRequest() error = %v", err)
		}
		if got.Namespace != "acme" || got.ProjectName != "survey" {
			t.Errorf("GetAccessRequest() = %+v", got)
		}
		if _, err := db.GetAccessRequest(99); !errors.Is(err, mergin.ErrNotFound) {
			t.Errorf("GetAccessRequest(unknown) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list by namespace", func(t *testing.T) {
		requests, err := db.ListAccessRequests("acme")
		if err != nil {
			t.Fatalf("ListAccessRequests() error = %v", err)
		}
		if len(requests) != 1 || requests[0].UserID != "u-bob" {
			t.Errorf("ListAccessRequests() = %+v", requests)
		}
	})

	t.Run("expired requests are swept", func(t *testing.T) {
		deleted, err := db.DeleteExpiredAccessRequests(testTime)
		if err != nil {
			t.Fatalf("DeleteExpiredAccessRequests() error = %v", err)
		}
		if deleted != 0 {
			t.Errorf("deleted = %d before expiry, want 0", deleted)
		}

		deleted, err = db.DeleteExpiredAccessRequests(request.ExpiresAt.Add(time.Hour))
		if err != nil {
			t.Fatalf("DeleteExpiredAccessRequests() error = %v", err)
		}
		if deleted != 1 {
			t.Errorf("deleted = %d after expiry, want 1", deleted)
		}
		if _, err := db.GetAccessRequest(request.ID); !errors.Is(err, mergin.ErrNotFound) {
			t.Errorf("GetAccessRequest() after sweep error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteDatabase_RecordSyncFailure(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	seedProject(t, db, "p1", "acme", "survey")

	failure := &mergin.SyncFailure{
		ProjectID:    "p1",
		LastVersion:  "v0",
		UserAgent:    "test-agent",
		ErrorType:    "push_start",
		ErrorDetails: "namespace quota exceeded",
		Timestamp:    testTime,
	}
	if err := db.RecordSyncFailure(failure); err != nil {
		t.Fatalf("RecordSyncFailure() error = %v", err)
	}
	if failure.ID == 0 {
		t.Error("failure ID not assigned")
	}

	// History is decoupled from the project row and survives a purge.
	if err := db.PurgeProject("p1"); err != nil {
		t.Fatalf("PurgeProject() error = %v", err)
	}
	another := &mergin.SyncFailure{ProjectID: "p1", LastVersion: "v0", ErrorType: "push_lost", Timestamp: testTime}
	if err := db.RecordSyncFailure(another); err != nil {
		t.Errorf("RecordSyncFailure() after purge error = %v", err)
	}
}

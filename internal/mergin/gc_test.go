package mergin_test

import (
	"strings"
	"testing"
	"time"

	"github.com/pguigue/mergin/internal/mergin"
	"github.com/pguigue/mergin/internal/testutil"
)

func TestService_CollectGarbage(t *testing.T) {
	t.Run("reclaims expired transactions and requests", func(t *testing.T) {
		ts := newProject(t, testutil.ServiceOptions{TxTTL: 10 * time.Minute})

		file, _ := chunkedFile("a.txt", "payload")
		if _, err := ts.Service.StartPush(alice, "acme", "survey", "v0",
			mergin.Manifest{Added: []mergin.UploadFile{file}}, ""); err != nil {
			t.Fatalf("StartPush() error = %v", err)
		}
		if _, err := ts.Service.RequestAccess(bob, "acme", "survey"); err != nil {
			t.Fatalf("RequestAccess() error = %v", err)
		}

		ts.Clock.Advance(mergin.DefaultAccessRequestWindow + time.Hour)

		stats, err := ts.Service.CollectGarbage()
		if err != nil {
			t.Fatalf("CollectGarbage() error = %v", err)
		}
		if stats.ExpiredTransactions != 1 {
			t.Errorf("ExpiredTransactions = %d, want 1", stats.ExpiredTransactions)
		}
		if stats.ExpiredRequests != 1 {
			t.Errorf("ExpiredRequests = %d, want 1", stats.ExpiredRequests)
		}
	})

	t.Run("keeps live transactions and their upload markers", func(t *testing.T) {
		ts := newProject(t, testutil.ServiceOptions{TxTTL: 10 * time.Minute})

		file, payloads := chunkedFile("a.txt", "payload")
		result, err := ts.Service.StartPush(alice, "acme", "survey", "v0",
			mergin.Manifest{Added: []mergin.UploadFile{file}}, "")
		if err != nil {
			t.Fatalf("StartPush() error = %v", err)
		}

		// Recent activity keeps the transaction out of every reclamation
		// sweep.
		ts.Clock.Advance(8 * time.Minute)
		chunkID := file.Chunks[0]
		if err := ts.Service.UploadChunk(alice, result.Transaction, chunkID, strings.NewReader(payloads[chunkID])); err != nil {
			t.Fatalf("UploadChunk() error = %v", err)
		}
		ts.Clock.Advance(8 * time.Minute)

		stats, err := ts.Service.CollectGarbage()
		if err != nil {
			t.Fatalf("CollectGarbage() error = %v", err)
		}
		if stats.ExpiredTransactions != 0 {
			t.Errorf("ExpiredTransactions = %d, want 0", stats.ExpiredTransactions)
		}

		// The push still completes after the sweep.
		if _, err := ts.Service.FinishPush(alice, result.Transaction); err != nil {
			t.Fatalf("FinishPush() after gc error = %v", err)
		}
	})

	t.Run("deletes blobs no version references", func(t *testing.T) {
		ts := newProject(t, testutil.ServiceOptions{})

		detail := pushFiles(t, ts, alice, "acme", "survey", "v0", map[string]string{"a.txt": "orphan-to-be"})
		checksum := detail.Files[0].Checksum

		if err := ts.Service.PurgeProject(admin, "acme", "survey"); err != nil {
			t.Fatalf("PurgeProject() error = %v", err)
		}

		stats, err := ts.Service.CollectGarbage()
		if err != nil {
			t.Fatalf("CollectGarbage() error = %v", err)
		}
		if stats.DeletedBlobs != 1 {
			t.Errorf("DeletedBlobs = %d, want 1", stats.DeletedBlobs)
		}
		if ok, _ := ts.Store.Exists(checksum); ok {
			t.Error("orphaned blob still present after gc")
		}

		// A second pass finds nothing.
		stats, err = ts.Service.CollectGarbage()
		if err != nil {
			t.Fatalf("second CollectGarbage() error = %v", err)
		}
		if stats.DeletedBlobs != 0 {
			t.Errorf("second pass DeletedBlobs = %d, want 0", stats.DeletedBlobs)
		}
	})

	t.Run("keeps blobs still referenced by other projects", func(t *testing.T) {
		ts := testutil.NewTestService(t, testutil.ServiceOptions{})
		ts.Service.CreateProject(alice, "acme", "one", false)
		ts.Service.CreateProject(alice, "acme", "two", false)

		shared := map[string]string{"basemap.bin": "shared content"}
		pushFiles(t, ts, alice, "acme", "one", "v0", shared)
		detail := pushFiles(t, ts, alice, "acme", "two", "v0", shared)
		checksum := detail.Files[0].Checksum

		if err := ts.Service.PurgeProject(admin, "acme", "one"); err != nil {
			t.Fatalf("PurgeProject() error = %v", err)
		}

		stats, err := ts.Service.CollectGarbage()
		if err != nil {
			t.Fatalf("CollectGarbage() error = %v", err)
		}
		if stats.DeletedBlobs != 0 {
			t.Errorf("DeletedBlobs = %d, want 0 while still referenced", stats.DeletedBlobs)
		}
		if ok, _ := ts.Store.Exists(checksum); !ok {
			t.Error("shared blob deleted while still referenced")
		}
	})
}

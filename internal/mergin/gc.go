package mergin

import "fmt"

// GCStats reports what one garbage collection pass reclaimed, plus the
// bytes the content store holds after the pass.
type GCStats struct {
	ExpiredTransactions int
	ExpiredRequests     int64
	DeletedBlobs        int
	StoredBytes         int64
}

// CollectGarbage runs one reclamation pass: expired push transactions,
// expired access requests, stale upload markers left by a crashed process,
// and content blobs no version references anymore.
func (s *Service) CollectGarbage() (GCStats, error) {
	var stats GCStats

	stats.ExpiredTransactions = s.ExpireTransactions()

	// Upload markers whose in-memory transaction is gone (e.g. after a
	// restart) would block pushes forever; clear the ones past the TTL
	// that no live transaction still holds.
	cutoff := s.clock.Now().Add(-s.txTTL)
	s.mu.Lock()
	liveUploads := make(map[string]bool, len(s.txs))
	for _, tx := range s.txs {
		liveUploads[tx.uploadID] = true
	}
	s.mu.Unlock()

	stale, err := s.db.ListUploadsBefore(cutoff)
	if err != nil {
		return stats, fmt.Errorf("listing stale uploads: %w", err)
	}
	for _, u := range stale {
		if liveUploads[u.ID] {
			continue
		}
		if err := s.db.DeleteUpload(u.ID); err != nil {
			s.logger.Warn("clearing stale upload", "upload", u.ID, "error", err)
		}
	}

	expired, err := s.db.DeleteExpiredAccessRequests(s.clock.Now())
	if err != nil {
		return stats, fmt.Errorf("clearing expired access requests: %w", err)
	}
	stats.ExpiredRequests = expired

	orphans, err := s.db.UnreferencedContent()
	if err != nil {
		return stats, fmt.Errorf("listing unreferenced content: %w", err)
	}
	var deleted []string
	for _, checksum := range orphans {
		if err := s.store.Delete(checksum); err != nil {
			s.logger.Warn("deleting orphaned blob", "checksum", checksum, "error", err)
			continue
		}
		deleted = append(deleted, checksum)
	}
	if len(deleted) > 0 {
		if err := s.db.ForgetContent(deleted); err != nil {
			return stats, fmt.Errorf("forgetting deleted content: %w", err)
		}
	}
	stats.DeletedBlobs = len(deleted)

	stored, err := s.store.TotalSize()
	if err != nil {
		return stats, fmt.Errorf("measuring stored content: %w", err)
	}
	stats.StoredBytes = stored

	s.logger.Info("garbage collection done",
		"expired_transactions", stats.ExpiredTransactions,
		"expired_requests", stats.ExpiredRequests,
		"deleted_blobs", stats.DeletedBlobs,
		"stored_bytes", stats.StoredBytes)
	return stats, nil
}

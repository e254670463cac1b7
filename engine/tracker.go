package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/franksops/ingestd/store"
)

// RecordTracker applies status transitions to FileRecords and persists them.
// Detected records live only in memory; everything from Confirmed onwards is
// written to the store so a restart resumes where the last cycle stopped.
type RecordTracker struct {
	store store.Store
	now   func() time.Time
}

// NewRecordTracker creates a tracker over s.
func NewRecordTracker(s store.Store) *RecordTracker {
	return &RecordTracker{store: s, now: time.Now}
}

// Detect starts a record for a candidate seen in an inbound listing.
func (rt *RecordTracker) Detect(tenantID, sourcePath, filename string) *store.FileRecord {
	now := rt.now()
	return &store.FileRecord{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Filename:   filename,
		SourcePath: sourcePath,
		Status:     store.StatusDetected,
		DetectedAt: now,
		UpdatedAt:  now,
	}
}

// Transition moves rec to the given status, recording cause (if any) as the
// record's error, and persists it.
func (rt *RecordTracker) Transition(rec *store.FileRecord, to store.Status, cause error) error {
	if !store.CanTransition(rec.Status, to) {
		return fmt.Errorf("%w: %s -> %s for %s", store.ErrInvalidTransition, rec.Status, to, rec.Filename)
	}

	now := rt.now()
	rec.Status = to
	rec.UpdatedAt = now
	rec.Error = ""
	if cause != nil {
		rec.Error = cause.Error()
	}

	switch to {
	case store.StatusDetected:
		return nil
	case store.StatusStaged:
		rec.StagedAt = now
	case store.StatusBatched:
		rec.Attempts++
	}

	if err := rt.store.SaveRecord(rec); err != nil {
		return fmt.Errorf("failed to persist %s as %s: %w", rec.Filename, to, err)
	}
	return nil
}

// Confirmed returns the tenant's records that passed the completion check
// but have not been moved yet, keyed by source path.
func (rt *RecordTracker) Confirmed(tenantID string) (map[string]*store.FileRecord, error) {
	recs, err := rt.store.ListRecords(tenantID, func(r *store.FileRecord) bool {
		return r.Status == store.StatusConfirmed
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]*store.FileRecord, len(recs))
	for _, r := range recs {
		out[r.SourcePath] = r
	}
	return out, nil
}

// Pending returns the tenant's staged records still owed a delivery, in
// discovery order. Failed records are included until they have used
// redispatchLimit dispatch attempts; a limit of zero never re-selects them.
func (rt *RecordTracker) Pending(tenantID string, redispatchLimit int) ([]*store.FileRecord, error) {
	return rt.store.ListRecords(tenantID, func(r *store.FileRecord) bool {
		switch r.Status {
		case store.StatusStaged, store.StatusBatched:
			return true
		case store.StatusFailed:
			return r.Attempts < redispatchLimit
		}
		return false
	})
}

// Forget deletes a record whose file no longer exists anywhere.
func (rt *RecordTracker) Forget(rec *store.FileRecord) error {
	_, err := rt.store.DeleteRecords(rec.TenantID, func(r *store.FileRecord) bool { return r.ID == rec.ID })
	return err
}

// Prune removes dispatched records last updated more than retention ago.
func (rt *RecordTracker) Prune(tenantID string, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := rt.now().Add(-retention)
	return rt.store.DeleteRecords(tenantID, func(r *store.FileRecord) bool {
		return r.Status == store.StatusDispatched && r.UpdatedAt.Before(cutoff)
	})
}

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrRecordNotFound is returned when a record is not found in the state store.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a status change would move a record backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var (
	recordsBucket = []byte("records")
)

// Status is the lifecycle position of a remote file.
type Status string

const (
	StatusDetected   Status = "Detected"
	StatusConfirmed  Status = "Confirmed"
	StatusStaged     Status = "Staged"
	StatusBatched    Status = "Batched"
	StatusDispatched Status = "Dispatched"
	StatusFailed     Status = "Failed"
)

var transitions = map[Status][]Status{
	StatusDetected:   {StatusDetected, StatusConfirmed},
	StatusConfirmed:  {StatusConfirmed, StatusStaged},
	StatusStaged:     {StatusBatched},
	StatusBatched:    {StatusBatched, StatusDispatched, StatusFailed},
	StatusFailed:     {StatusBatched},
	StatusDispatched: {},
}

// CanTransition reports whether a record may move from one status to another.
// Failed records may only re-enter dispatch.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pending reports whether a record is staged and still owed a delivery.
func (s Status) Pending() bool {
	return s == StatusStaged || s == StatusBatched || s == StatusFailed
}

// FileRecord tracks one remote file from detection to delivery.
type FileRecord struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Filename   string    `json:"filename"`
	SourcePath string    `json:"source_path"`
	StagedPath string    `json:"staged_path,omitempty"`
	Size       int64     `json:"size"`
	Status     Status    `json:"status"`
	Seq        uint64    `json:"seq"`
	DetectedAt time.Time `json:"detected_at"`
	StagedAt   time.Time `json:"staged_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	Attempts   int       `json:"dispatch_attempts"`
	Error      string    `json:"error,omitempty"`
}

// Store define the interface for tracking file status.
type Store interface {
	SaveRecord(rec *FileRecord) error
	GetRecord(tenantID, id string) (*FileRecord, error)
	ListRecords(tenantID string, filter func(*FileRecord) bool) ([]*FileRecord, error)
	DeleteRecords(tenantID string, filter func(*FileRecord) bool) (int, error)
	Tenants() ([]string, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt. Records live in one
// nested bucket per tenant.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveRecord inserts or replaces a record. New records get the next
// per-tenant sequence number so listings keep discovery order.
func (s *BoltStore) SaveRecord(rec *FileRecord) error {
	if rec.ID == "" || rec.TenantID == "" {
		return fmt.Errorf("record requires id and tenant id")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(recordsBucket).CreateBucketIfNotExists([]byte(rec.TenantID))
		if err != nil {
			return fmt.Errorf("failed to create tenant bucket: %w", err)
		}

		if rec.Seq == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			rec.Seq = seq
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		if err := b.Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("failed to put record: %w", err)
		}
		return nil
	})
}

// GetRecord retrieves a record from the state store.
func (s *BoltStore) GetRecord(tenantID, id string) (*FileRecord, error) {
	var rec FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket).Bucket([]byte(tenantID))
		if b == nil {
			return ErrRecordNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrRecordNotFound
		}

		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// ListRecords returns the tenant's records accepted by filter (nil accepts
// all), ordered by sequence.
func (s *BoltStore) ListRecords(tenantID string, filter func(*FileRecord) bool) ([]*FileRecord, error) {
	var out []*FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket).Bucket([]byte(tenantID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if filter == nil || filter(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteRecords removes the tenant's records accepted by filter and
// returns how many were removed.
func (s *BoltStore) DeleteRecords(tenantID string, filter func(*FileRecord) bool) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket).Bucket([]byte(tenantID))
		if b == nil {
			return nil
		}

		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if filter(&rec) {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

// Tenants lists tenant ids that have records.
func (s *BoltStore) Tenants() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

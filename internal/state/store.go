package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const bucketRuns = "SyncRuns"

// Run statuses recorded for terminal pipeline outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SyncRecord is the snapshot of one sync run, serialized as JSON.
type SyncRecord struct {
	RunID    string `json:"run_id"`
	DeviceID string `json:"device_id"`
	// ArchiveDigest is the sha256 of the downloaded archive; identical
	// digests across runs mean the live tree content is unchanged.
	ArchiveDigest string `json:"archive_digest,omitempty"`
	Entries       int    `json:"entries"`
	Status        string `json:"status"`
	Cause         string `json:"cause,omitempty"`
	StartedAt     int64  `json:"started_at"`
	CompletedAt   int64  `json:"completed_at"`
}

// StartedAtTime converts the stored unix-nano timestamp.
func (r *SyncRecord) StartedAtTime() time.Time {
	return time.Unix(0, r.StartedAt)
}

// Store keeps sync history in an embedded bbolt database.
type Store struct {
	conn *bbolt.DB
}

// Open creates or opens the database. The open timeout prevents two
// processes from deadlocking on the same file.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	return &Store{conn: db}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Put appends a run record. Keys are zero-padded start timestamps so a
// bucket cursor walks runs in chronological order.
func (s *Store) Put(rec *SyncRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode sync record: %w", err)
	}

	key := fmt.Sprintf("%020d", rec.StartedAt)
	return s.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put([]byte(key), data)
	})
}

// Last returns the most recent run record, or nil when none exists.
func (s *Store) Last() (*SyncRecord, error) {
	var rec *SyncRecord
	err := s.conn.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket([]byte(bucketRuns)).Cursor().Last()
		if v == nil {
			return nil
		}
		rec = &SyncRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Recent returns up to n run records, newest first.
func (s *Store) Recent(n int) ([]*SyncRecord, error) {
	var records []*SyncRecord
	err := s.conn.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			rec := &SyncRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode sync record %s: %w", string(k), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Package journal persists download outcomes in a local bolt database.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/packset/packset/internal/pack"
)

var outcomesBucket = []byte("outcomes")

// Entry is one recorded download outcome.
type Entry struct {
	ID              string        `json:"id"`
	PackID          string        `json:"pack_id"`
	PackVersion     string        `json:"pack_version"`
	PlatformID      string        `json:"platform_id"`
	Status          pack.Status   `json:"status"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
	FinishedAt      time.Time     `json:"finished_at"`
}

// Journal records download outcomes. It implements pack.OutcomeRecorder.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outcomesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create outcomes bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one outcome. Keys sort chronologically, so List returns
// entries in finish order.
func (j *Journal) Record(o pack.Outcome) error {
	entry := Entry{
		ID:              uuid.NewString(),
		PackID:          o.PackID,
		PackVersion:     o.PackVersion,
		PlatformID:      o.PlatformID,
		Status:          o.Status,
		BytesDownloaded: o.BytesDownloaded,
		Duration:        o.Duration,
		Error:           o.Error,
		FinishedAt:      o.FinishedAt,
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("serialize journal entry: %w", err)
	}

	key := []byte(entry.FinishedAt.UTC().Format(time.RFC3339Nano) + "-" + entry.ID)

	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outcomesBucket).Put(key, value)
	})
}

// List returns all entries in finish order.
func (j *Journal) List() ([]Entry, error) {
	var entries []Entry

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outcomesBucket).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("parse journal entry %s: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// ForPack returns the entries for one pack, in finish order.
func (j *Journal) ForPack(packID string) ([]Entry, error) {
	all, err := j.List()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, entry := range all {
		if entry.PackID == packID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

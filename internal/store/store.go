// Package store persists the two pieces of state the work coordination
// core wants to survive a restart: per-device kernel autoconfiguration
// (so a restarted client doesn't re-run analyze_device probing) and an
// append-only ledger of accepted/rejected share submissions.
package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "github.com/coreos/bbolt"
	"github.com/decred/slog"
)

var log = slog.Disabled

// UseLogger sets the package-wide logger.
func UseLogger(logger slog.Logger) {
	log = logger
}

var (
	autoconfigBucket = []byte("autoconfig")
	acceptedBucket   = []byte("accepted")
)

// AutoconfigRecord is the persisted form of a kernel's analysis of one
// device: its fit rating, the option overrides it recommends, and the
// alternate device IDs the same physical hardware is known by.
type AutoconfigRecord struct {
	Rating     int               `json:"rating"`
	Autoconfig map[string]string `json:"autoconfig"`
	AliasIDs   []string          `json:"alias_ids"`
}

// AcceptedEntry is one row of the share ledger.
type AcceptedEntry struct {
	DeviceID   string `json:"device_id"`
	Nonce      uint32 `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
	Accepted   bool   `json:"accepted"`
	RecordedAt int64  `json:"recorded_at"` // unix nanoseconds
}

// Store wraps a bbolt database holding the autoconfig and accepted-share
// buckets.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database at path and ensures
// both buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(autoconfigBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(acceptedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAutoconfig returns a previously saved analysis for key, if any.
// The signature is deliberately plain types (not a shared struct) so the
// kernel package can depend on it through a narrow interface without
// importing this package.
func (s *Store) LoadAutoconfig(key string) (rating int, autoconfig map[string]string, aliasIDs []string, ok bool, err error) {
	var rec AutoconfigRecord
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(autoconfigBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return 0, nil, nil, false, err
	}
	return rec.Rating, rec.Autoconfig, rec.AliasIDs, ok, nil
}

// SaveAutoconfig persists the analysis result for key.
func (s *Store) SaveAutoconfig(key string, rating int, autoconfig map[string]string, aliasIDs []string) error {
	data, err := json.Marshal(AutoconfigRecord{Rating: rating, Autoconfig: autoconfig, AliasIDs: aliasIDs})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(autoconfigBucket).Put([]byte(key), data)
	})
}

// RecordAccepted appends one entry to the share ledger. Best-effort: a
// write failure is logged, not returned, since a lost ledger row should
// never interrupt mining.
func (s *Store) RecordAccepted(deviceID string, nonce uint32, timestamp int64, accepted bool) {
	entry := AcceptedEntry{
		DeviceID:   deviceID,
		Nonce:      nonce,
		Timestamp:  timestamp,
		Accepted:   accepted,
		RecordedAt: time.Now().UnixNano(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Errorf("store: marshal accepted entry: %v", err)
		return
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(acceptedBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
	if err != nil {
		log.Errorf("store: record accepted entry: %v", err)
	}
}

// RecentAccepted returns up to limit ledger entries, most recent first.
func (s *Store) RecentAccepted(limit int) ([]AcceptedEntry, error) {
	var entries []AcceptedEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(acceptedBucket).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e AcceptedEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Package storage persists the router's run history, learned address
// table, and Broadcast Distribution Table across restarts in a bucketed
// BoltDB file.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
	"github.com/krisarmstrong/bacrouter/pkg/router"
)

const (
	runBucket     = "runs"
	bdtBucket     = "bdt"
	addressBucket = "addresses"
)

// Storage wraps a BoltDB instance for persisting router state.
type Storage struct {
	db *bbolt.DB
}

// RunRecord captures a single router run's lifetime summary: the
// counters that matter across restarts rather than the full live
// *mstp.Stats snapshot (which pkg/diag exposes while running).
type RunRecord struct {
	ID                uint64        `json:"id" yaml:"id"`
	StartedAt         time.Time     `json:"started_at" yaml:"started_at"`
	Duration          time.Duration `json:"duration" yaml:"duration"`
	FramesMSTPToIP    uint64        `json:"frames_mstp_to_ip" yaml:"frames_mstp_to_ip"`
	FramesIPToMSTP    uint64        `json:"frames_ip_to_mstp" yaml:"frames_ip_to_mstp"`
	RoutingErrors     uint64        `json:"routing_errors" yaml:"routing_errors"`
	CRCErrors         uint64        `json:"crc_errors" yaml:"crc_errors"`
	TokenPassFailures uint64        `json:"token_pass_failures" yaml:"token_pass_failures"`
}

// Open opens (or creates) the storage database at the requested path.
func Open(path string) (*Storage, error) {
	if strings.EqualFold(path, "disabled") || path == "" {
		return nil, errors.New("storage disabled")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{runBucket, bdtBucket, addressBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddRun stores a run record.
func (s *Storage) AddRun(record RunRecord) error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(runBucket))
		id, _ := b.NextSequence()
		record.ID = id

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

// ListRuns returns the most recent run records up to the requested limit.
func (s *Storage) ListRuns(limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialised")
	}
	if limit <= 0 {
		limit = 20
	}

	records := make([]RunRecord, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(runBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// SaveBDT replaces the persisted Broadcast Distribution Table with the
// given entries, keyed by peer address.
func (s *Storage) SaveBDT(entries []bvlc.BDTEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		// Clear before rewriting: BDT mutations are whole-table Write-BDT
		// operations, never incremental.
		if err := tx.DeleteBucket([]byte(bdtBucket)); err != nil {
			return err
		}
		b, err := tx.CreateBucket([]byte(bdtBucket))
		if err != nil {
			return err
		}
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(e.Peer[:], data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadBDT returns the persisted BDT entries, empty if none were saved.
func (s *Storage) LoadBDT() ([]bvlc.BDTEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var entries []bvlc.BDTEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bdtBucket)).ForEach(func(_, v []byte) error {
			var e bvlc.BDTEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// SaveAddresses persists the learned MS/TP MAC <-> IP endpoint table
// so a restarted router doesn't have to relearn every peer from
// scratch before it can route confirmed-service responses.
func (s *Storage) SaveAddresses(entries []router.AddressEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(addressBucket)); err != nil {
			return err
		}
		b, err := tx.CreateBucket([]byte(addressBucket))
		if err != nil {
			return err
		}
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte{e.MSTPMac}, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAddresses returns the persisted address-table entries.
func (s *Storage) LoadAddresses() ([]router.AddressEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var entries []router.AddressEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(addressBucket)).ForEach(func(_, v []byte) error {
			var e router.AddressEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func itob(v uint64) []byte {
	var b [8]byte
	for i := uint(0); i < 8; i++ {
		b[7-i] = byte(v >> (i * 8))
	}
	return b[:]
}

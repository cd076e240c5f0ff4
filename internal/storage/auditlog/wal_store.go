// Package auditlog persists guardian audit entries.
package auditlog

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

const (
	DefaultWALDir = "./wal/audit"
	segmentLimit  = 1000
	maxSegments   = 30

	auditKeyPrefix = "audit_"
)

// WALStore persists audit entries in a WAL. Indexes are assigned sequentially, so the
// WAL order is the order the guardian made its decisions in.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed audit store.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultWALDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "audit_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init audit WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Name identifies the store in logs.
func (s *WALStore) Name() string { return "wal" }

// Write appends the entry to the WAL.
func (s *WALStore) Write(entry domain.AuditEntry) error {
	if s == nil || s.wal == nil {
		return errors.New("audit store is not initialized")
	}
	if entry.Action == "" {
		return errors.New("audit entry action is required")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal audit entry")
	}

	key := auditKeyPrefix + strings.ToLower(string(entry.Action))

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// EntriesAfter returns all audit entries written after the provided WAL index.
func (s *WALStore) EntriesAfter(index uint64) ([]domain.AuditRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("audit store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.AuditRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			// segment already rotated out
			continue
		}
		if !strings.HasPrefix(key, auditKeyPrefix) {
			continue
		}

		var entry domain.AuditEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, errors.Wrapf(err, "decode audit entry %d", idx)
		}
		records = append(records, domain.AuditRecord{Index: idx, Entry: entry})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("audit store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

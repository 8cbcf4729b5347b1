package deploy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dockhand/internal/core"
)

// RecordStore keeps one DeploymentRecord per (host, stack) pair. Re-deploying
// the same pair reuses the record instead of growing the table.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*core.DeploymentRecord
}

// NewRecordStore creates an empty record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*core.DeploymentRecord)}
}

func recordKey(host, stack string) string {
	return fmt.Sprintf("%s/%s", host, stack)
}

// Ensure returns the record for a (host, stack) pair, creating it on first
// use. An existing record is reset for a fresh run but keeps its identity.
func (s *RecordStore) Ensure(host, stack string) *core.DeploymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(host, stack)
	rec, ok := s.records[key]
	if !ok {
		now := time.Now()
		rec = &core.DeploymentRecord{
			ID:        uuid.NewString(),
			Host:      host,
			Stack:     stack,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.records[key] = rec
	}
	rec.State = core.StatePending
	rec.Transitions = make(map[core.DeployState]time.Time)
	rec.Transitions[core.StatePending] = time.Now()
	rec.LastError = ""
	rec.Canceled = false
	return rec
}

// Get returns the record for a (host, stack) pair.
func (s *RecordStore) Get(host, stack string) (*core.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(host, stack)]
	if !ok {
		return nil, fmt.Errorf("deployment %s/%s: %w", host, stack, core.ErrNotFound)
	}
	return rec, nil
}

// Delete removes the record for a (host, stack) pair. Idempotent.
func (s *RecordStore) Delete(host, stack string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(host, stack))
}

// List returns every record ordered by host then stack.
func (s *RecordStore) List() []*core.DeploymentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.DeploymentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Stack < out[j].Stack
	})
	return out
}

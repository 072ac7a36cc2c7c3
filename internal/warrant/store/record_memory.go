package store

import (
	"context"
	"fmt"
	"sync"

	"maskgate/internal/warrant/models"
	"maskgate/pkg/platform/sentinel"
)

// InMemoryRecords is a RecordStore for tests and single-node development.
// Records are copied on the way in and out so callers never share state.
type InMemoryRecords struct {
	mu      sync.RWMutex
	records map[string]*models.AnchorRecord
}

func NewInMemoryRecords() *InMemoryRecords {
	return &InMemoryRecords{records: make(map[string]*models.AnchorRecord)}
}

func (s *InMemoryRecords) Get(_ context.Context, warrantID string) (*models.AnchorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[warrantID]
	if !ok {
		return nil, fmt.Errorf("anchor record %s: %w", warrantID, sentinel.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *InMemoryRecords) Put(_ context.Context, rec *models.AnchorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next int64 = 1
	if cur, ok := s.records[rec.WarrantID]; ok {
		next = cur.Version + 1
	}
	rec.Version = next
	s.records[rec.WarrantID] = rec.Clone()
	return nil
}

func (s *InMemoryRecords) CompareAndSwap(_ context.Context, expectedVersion int64, rec *models.AnchorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.WarrantID]
	switch {
	case !ok && expectedVersion != 0:
		return fmt.Errorf("anchor record %s: %w", rec.WarrantID, sentinel.ErrNotFound)
	case ok && cur.Version != expectedVersion:
		return fmt.Errorf("anchor record %s at version %d, expected %d: %w", rec.WarrantID, cur.Version, expectedVersion, sentinel.ErrConflict)
	}
	rec.Version = expectedVersion + 1
	s.records[rec.WarrantID] = rec.Clone()
	return nil
}

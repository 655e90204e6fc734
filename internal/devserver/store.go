package devserver

import (
	"sync"
	"time"

	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/payload"
)

// Record is the server-side copy of one synced entity.
type Record struct {
	EntityType models.EntityType `json:"entity_type"`
	ID         string            `json:"id"`
	Version    int64             `json:"version"`
	Entity     payload.Entity    `json:"entity"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type recordKey struct {
	entityType models.EntityType
	id         string
}

// store keeps records in memory. The last write wins; version is recorded
// but never compared.
type store struct {
	mu      sync.RWMutex
	records map[recordKey]*Record
}

func newStore() *store {
	return &store{records: make(map[recordKey]*Record)}
}

func (s *store) put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{rec.EntityType, rec.ID}] = rec
}

func (s *store) remove(entityType models.EntityType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{entityType, id}
	if _, ok := s.records[key]; !ok {
		return false
	}
	delete(s.records, key)
	return true
}

func (s *store) get(entityType models.EntityType, id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey{entityType, id}]
	if !ok {
		return nil, false
	}

	cp := *rec
	cp.Entity = payload.Clone(rec.Entity)
	return &cp, true
}

func (s *store) count(entityType models.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for key := range s.records {
		if key.entityType == entityType {
			n++
		}
	}
	return n
}

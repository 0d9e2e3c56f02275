package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/entrack/internal/domain"
)

// In-memory implementations of the repository interfaces. They back the test
// suite and let the tracking core run without a database; semantics mirror
// the Postgres implementations, including the (recorded_at, seq) total order.

// MemoryHistoryRepository is an append-only in-memory ledger.
type MemoryHistoryRepository struct {
	mu     sync.Mutex
	events []domain.HistoryEvent
	seq    int64
	lastTS time.Time
}

// NewMemoryHistoryRepository creates an empty in-memory ledger.
func NewMemoryHistoryRepository() *MemoryHistoryRepository {
	return &MemoryHistoryRepository{}
}

func (r *MemoryHistoryRepository) Insert(_ context.Context, event domain.HistoryEvent) (domain.HistoryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := time.Now()
	// Timestamps must be non-decreasing; seq breaks remaining ties.
	if now.Before(r.lastTS) {
		now = r.lastTS
	}
	r.lastTS = now
	r.seq++
	event.RecordedAt = now
	event.Seq = r.seq

	r.events = append(r.events, event)
	return event, nil
}

func (r *MemoryHistoryRepository) ListByEntity(_ context.Context, entityType string, entityID uuid.UUID, rng domain.TimeRange) ([]domain.HistoryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := []domain.HistoryEvent{}
	for _, event := range r.events {
		if event.EntityType != entityType || event.EntityID != entityID {
			continue
		}
		if !rng.Contains(event.RecordedAt) {
			continue
		}
		matched = append(matched, event)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Before(matched[j])
	})
	return matched, nil
}

func (r *MemoryHistoryRepository) Latest(ctx context.Context, entityType string, entityID uuid.UUID) (domain.HistoryEvent, error) {
	events, err := r.ListByEntity(ctx, entityType, entityID, domain.TimeRange{})
	if err != nil {
		return domain.HistoryEvent{}, err
	}
	if len(events) == 0 {
		return domain.HistoryEvent{}, fmt.Errorf("%w: %s/%s", domain.ErrNoHistory, entityType, entityID)
	}
	return events[len(events)-1], nil
}

func (r *MemoryHistoryRepository) CountByEntity(ctx context.Context, entityType string, entityID uuid.UUID) (int64, error) {
	events, err := r.ListByEntity(ctx, entityType, entityID, domain.TimeRange{})
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// MemoryProvenanceRepository stores provenance records in a map.
type MemoryProvenanceRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.ProvenanceRecord
}

// NewMemoryProvenanceRepository creates an empty provenance store.
func NewMemoryProvenanceRepository() *MemoryProvenanceRepository {
	return &MemoryProvenanceRepository{records: map[uuid.UUID]domain.ProvenanceRecord{}}
}

func (r *MemoryProvenanceRepository) Create(_ context.Context, record domain.ProvenanceRecord) (domain.ProvenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.CreatedAt = time.Now()
	r.records[record.ID] = record
	return record, nil
}

func (r *MemoryProvenanceRepository) GetByID(_ context.Context, id uuid.UUID) (domain.ProvenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ProvenanceRecord{}, fmt.Errorf("%w: provenance %s", domain.ErrNotFound, id)
	}
	return record, nil
}

// MemoryEntityRepository stores entities keyed by type and identity.
type MemoryEntityRepository struct {
	mu       sync.Mutex
	entities map[string]map[uuid.UUID]domain.Entity
}

// NewMemoryEntityRepository creates an empty entity store.
func NewMemoryEntityRepository() *MemoryEntityRepository {
	return &MemoryEntityRepository{entities: map[string]map[uuid.UUID]domain.Entity{}}
}

func (r *MemoryEntityRepository) Create(_ context.Context, entity domain.Entity) (domain.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	byID, ok := r.entities[entity.EntityType]
	if !ok {
		byID = map[uuid.UUID]domain.Entity{}
		r.entities[entity.EntityType] = byID
	}
	if _, exists := byID[entity.ID]; exists {
		return domain.Entity{}, fmt.Errorf("entity %s/%s already exists", entity.EntityType, entity.ID)
	}
	byID[entity.ID] = cloneEntity(entity)
	return cloneEntity(entity), nil
}

func (r *MemoryEntityRepository) GetByID(_ context.Context, entityType string, id uuid.UUID) (domain.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, ok := r.entities[entityType][id]
	if !ok {
		return domain.Entity{}, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, entityType, id)
	}
	return cloneEntity(entity), nil
}

func (r *MemoryEntityRepository) Update(_ context.Context, entity domain.Entity) (domain.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entities[entity.EntityType][entity.ID]
	if !ok {
		return domain.Entity{}, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, entity.EntityType, entity.ID)
	}
	entity.CreatedAt = existing.CreatedAt
	entity.UpdatedAt = time.Now()
	r.entities[entity.EntityType][entity.ID] = cloneEntity(entity)
	return cloneEntity(entity), nil
}

func (r *MemoryEntityRepository) Delete(_ context.Context, entityType string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[entityType][id]; !ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrNotFound, entityType, id)
	}
	delete(r.entities[entityType], id)
	return nil
}

func (r *MemoryEntityRepository) ListByType(_ context.Context, entityType string) ([]domain.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entities := make([]domain.Entity, 0, len(r.entities[entityType]))
	for _, entity := range r.entities[entityType] {
		entities = append(entities, cloneEntity(entity))
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].CreatedAt.Before(entities[j].CreatedAt)
	})
	return entities, nil
}

func cloneEntity(entity domain.Entity) domain.Entity {
	properties := make(map[string]any, len(entity.Properties))
	for key, value := range entity.Properties {
		if ids, ok := value.([]uuid.UUID); ok {
			out := make([]uuid.UUID, len(ids))
			copy(out, ids)
			properties[key] = out
			continue
		}
		properties[key] = value
	}
	entity.Properties = properties
	return entity
}

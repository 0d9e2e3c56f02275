package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpattn/entrack/internal/domain"
)

// HistoryRepository defines the append-only ledger store. Events are never
// updated or deleted once written.
type HistoryRepository interface {
	// Insert persists a new event, assigning its ID, RecordedAt and Seq.
	Insert(ctx context.Context, event domain.HistoryEvent) (domain.HistoryEvent, error)
	// ListByEntity returns the entity's events ascending by (RecordedAt, Seq),
	// optionally bounded by an inclusive time range.
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, rng domain.TimeRange) ([]domain.HistoryEvent, error)
	// Latest returns the most recent event for an identity, or
	// domain.ErrNoHistory when the stream is empty.
	Latest(ctx context.Context, entityType string, entityID uuid.UUID) (domain.HistoryEvent, error)
	// CountByEntity returns the number of events recorded for an identity.
	CountByEntity(ctx context.Context, entityType string, entityID uuid.UUID) (int64, error)
}

// ProvenanceRepository stores captured request metadata.
type ProvenanceRepository interface {
	Create(ctx context.Context, record domain.ProvenanceRecord) (domain.ProvenanceRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ProvenanceRecord, error)
}

// EntityRepository is the persistence collaborator for tracked entities.
// Implementations resolve multi-valued relation fields eagerly on read and
// re-write their link rows on save. Lookups of missing rows return
// domain.ErrNotFound.
type EntityRepository interface {
	// Create persists a new entity. A pre-set ID is honored so a deleted
	// entity can be restored under its original identity.
	Create(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	GetByID(ctx context.Context, entityType string, id uuid.UUID) (domain.Entity, error)
	Update(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	Delete(ctx context.Context, entityType string, id uuid.UUID) error
	ListByType(ctx context.Context, entityType string) ([]domain.Entity, error)
}

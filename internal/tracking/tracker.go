// Package tracking implements the tracked-entity contract: every create,
// update and delete that flows through a Tracker is captured as an immutable
// history event carrying a field-level diff, the acting principal (if any)
// and the request metadata bound to the calling context.
package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/entrack/internal/domain"
	"github.com/rpattn/entrack/internal/repository"
	"github.com/rpattn/entrack/internal/requestctx"
)

// Tracker coordinates entity persistence with the history ledger. The entity
// mutation and the history write are expected to share the caller's
// transaction boundary; the tracker itself never retries or rolls back.
type Tracker struct {
	registry   *domain.Registry
	entities   repository.EntityRepository
	history    repository.HistoryRepository
	provenance repository.ProvenanceRepository
	logger     *zap.Logger
}

// NewTracker creates a tracker over the given stores.
func NewTracker(
	registry *domain.Registry,
	entities repository.EntityRepository,
	history repository.HistoryRepository,
	provenance repository.ProvenanceRepository,
	logger *zap.Logger,
) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		registry:   registry,
		entities:   entities,
		history:    history,
		provenance: provenance,
		logger:     logger,
	}
}

// CallOption adjusts a single Save or Delete call.
type CallOption func(*callConfig)

type callConfig struct {
	token *domain.TrackToken
}

// WithToken supplies a track token so deferred work (queues, background
// jobs) can attach the actor and provenance of the request it originated
// from. A live bound request scope takes precedence over the token.
func WithToken(token domain.TrackToken) CallOption {
	return func(cfg *callConfig) {
		cfg.token = &token
	}
}

// New constructs an unsaved record for a registered entity type. Property
// values are validated against the descriptor immediately.
func (t *Tracker) New(entityType string, properties map[string]any) (*Record, error) {
	desc, err := t.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	entity := domain.NewEntity(entityType, properties)
	baseline, err := domain.Dump(desc, entity)
	if err != nil {
		return nil, err
	}
	return &Record{entity: entity, baseline: baseline}, nil
}

// Load fetches an entity from storage and captures its baseline snapshot.
func (t *Tracker) Load(ctx context.Context, entityType string, id uuid.UUID) (*Record, error) {
	entity, err := t.entities.GetByID(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	return t.Track(entity)
}

// Track wraps an already-loaded entity, capturing its current state as the
// baseline for future diffs.
func (t *Tracker) Track(entity domain.Entity) (*Record, error) {
	desc, err := t.registry.Lookup(entity.EntityType)
	if err != nil {
		return nil, err
	}
	baseline, err := domain.Dump(desc, entity)
	if err != nil {
		return nil, err
	}
	return &Record{entity: entity, baseline: baseline}, nil
}

// List returns all stored entities of a registered type.
func (t *Tracker) List(ctx context.Context, entityType string) ([]domain.Entity, error) {
	if _, err := t.registry.Lookup(entityType); err != nil {
		return nil, err
	}
	return t.entities.ListByType(ctx, entityType)
}

// Changes returns the diff between the record's baseline and its current
// in-memory state, or nil when nothing changed.
func (t *Tracker) Changes(rec *Record) (domain.ChangeSet, error) {
	desc, err := t.registry.Lookup(rec.entity.EntityType)
	if err != nil {
		return nil, err
	}
	current, err := domain.Dump(desc, rec.entity)
	if err != nil {
		return nil, err
	}
	return domain.Diff(rec.baseline, current)
}

// Save persists the record and appends the matching history event. A record
// without identity is created (CREATE event with the full post-save
// snapshot); an existing record is updated and the field diff against the
// baseline is recorded. A save that changes nothing emits no event. The
// baseline is refreshed either way.
func (t *Tracker) Save(ctx context.Context, rec *Record, opts ...CallOption) error {
	cfg := applyOptions(opts)

	if rec.entity.ID == uuid.Nil {
		return t.create(ctx, rec, cfg)
	}

	desc, err := t.registry.Lookup(rec.entity.EntityType)
	if err != nil {
		return err
	}

	saved, err := t.entities.Update(ctx, rec.entity)
	if err != nil {
		return err
	}
	rec.entity = saved

	current, err := domain.Dump(desc, saved)
	if err != nil {
		return err
	}
	changes, err := domain.Diff(rec.baseline, current)
	if err != nil {
		return err
	}
	if changes != nil {
		payload, err := domain.ToWire(changes)
		if err != nil {
			return err
		}
		if _, err := t.emit(ctx, saved, domain.ActionUpdate, payload, cfg); err != nil {
			return err
		}
	}

	rec.baseline = current
	return nil
}

// create persists a brand-new entity (or restores a deleted one whose
// identity is pre-set) and records the CREATE event.
func (t *Tracker) create(ctx context.Context, rec *Record, cfg callConfig) error {
	desc, err := t.registry.Lookup(rec.entity.EntityType)
	if err != nil {
		return err
	}

	saved, err := t.entities.Create(ctx, rec.entity)
	if err != nil {
		return err
	}
	rec.entity = saved

	snapshot, err := domain.Dump(desc, saved)
	if err != nil {
		return err
	}
	payload, err := domain.ToWire(snapshot)
	if err != nil {
		return err
	}
	if _, err := t.emit(ctx, saved, domain.ActionCreate, payload, cfg); err != nil {
		return err
	}

	rec.baseline = snapshot
	return nil
}

// Delete records a DELETE event carrying the entity's full final snapshot,
// then removes the entity from storage. Deletion is never a no-op.
func (t *Tracker) Delete(ctx context.Context, rec *Record, opts ...CallOption) error {
	cfg := applyOptions(opts)

	if rec.entity.ID == uuid.Nil {
		return fmt.Errorf("cannot delete unsaved entity %q", rec.entity.EntityType)
	}
	desc, err := t.registry.Lookup(rec.entity.EntityType)
	if err != nil {
		return err
	}

	snapshot, err := domain.Dump(desc, rec.entity)
	if err != nil {
		return err
	}
	payload, err := domain.ToWire(snapshot)
	if err != nil {
		return err
	}
	if _, err := t.emit(ctx, rec.entity, domain.ActionDelete, payload, cfg); err != nil {
		return err
	}

	return t.entities.Delete(ctx, rec.entity.EntityType, rec.entity.ID)
}

// HistoryOf returns the record's full event stream, ascending.
func (t *Tracker) HistoryOf(ctx context.Context, rec *Record) ([]domain.HistoryEvent, error) {
	return t.Stream(ctx, rec.entity.EntityType, rec.entity.ID, domain.TimeRange{})
}

// Stream returns an identity's events ascending by (recorded_at, seq),
// optionally bounded by an inclusive time range.
func (t *Tracker) Stream(ctx context.Context, entityType string, entityID uuid.UUID, rng domain.TimeRange) ([]domain.HistoryEvent, error) {
	return t.history.ListByEntity(ctx, entityType, entityID, rng)
}

// Latest returns an identity's most recent event.
func (t *Tracker) Latest(ctx context.Context, entityType string, entityID uuid.UUID) (domain.HistoryEvent, error) {
	return t.history.Latest(ctx, entityType, entityID)
}

// CurrentObject resolves the live entity an event belongs to. Fails with
// domain.ErrNotFound when the entity has since been deleted; it never
// returns a stale value.
func (t *Tracker) CurrentObject(ctx context.Context, event domain.HistoryEvent) (domain.Entity, error) {
	return t.entities.GetByID(ctx, event.EntityType, event.EntityID)
}

// Materialize reconstructs the entity's state as of the given event by
// replaying diffs forward from its creation snapshot. The result is
// in-memory and unsaved; saving it rolls storage back to that state.
// Materialize succeeds whether or not the entity still exists.
func (t *Tracker) Materialize(ctx context.Context, event domain.HistoryEvent) (domain.Entity, error) {
	desc, err := t.registry.Lookup(event.EntityType)
	if err != nil {
		return domain.Entity{}, err
	}

	// A deletion carries the full final state; restore it directly.
	if event.Action == domain.ActionDelete {
		snapshot, err := event.SnapshotPayload()
		if err != nil {
			return domain.Entity{}, err
		}
		return domain.Restore(desc, event.EntityID, snapshot)
	}

	events, err := t.history.ListByEntity(ctx, event.EntityType, event.EntityID, domain.TimeRange{To: &event.RecordedAt})
	if err != nil {
		return domain.Entity{}, err
	}
	upTo := events[:0:0]
	for _, e := range events {
		if event.Before(e) {
			continue
		}
		upTo = append(upTo, e)
	}

	if len(upTo) == 0 {
		return domain.Entity{}, fmt.Errorf("%w: %s/%s", domain.ErrNoHistory, event.EntityType, event.EntityID)
	}
	if upTo[0].Action != domain.ActionCreate {
		return domain.Entity{}, fmt.Errorf("%w: stream for %s/%s does not begin with %s", domain.ErrCorruptHistory, event.EntityType, event.EntityID, domain.ActionCreate)
	}

	base, err := upTo[0].SnapshotPayload()
	if err != nil {
		return domain.Entity{}, err
	}
	entity, err := domain.Restore(desc, event.EntityID, base)
	if err != nil {
		return domain.Entity{}, err
	}

	for _, change := range upTo[1:] {
		// Everything after the creation snapshot must be an UPDATE; a
		// second CREATE or an interleaved DELETE means the identity was
		// reused, which the ledger cannot disambiguate.
		if change.Action != domain.ActionUpdate {
			return domain.Entity{}, fmt.Errorf("%w: unexpected %s event inside stream for %s/%s", domain.ErrCorruptHistory, change.Action, event.EntityType, event.EntityID)
		}
		changes, err := change.ChangeSetPayload()
		if err != nil {
			return domain.Entity{}, err
		}
		for field, record := range changes {
			value, err := domain.RestoreValue(record.Meta, record.New)
			if err != nil {
				return domain.Entity{}, fmt.Errorf("replay %s.%s: %w", event.EntityType, field, err)
			}
			entity.Properties[field] = value
		}
	}

	return entity, nil
}

// Rollback materializes the event and saves the result, restoring storage to
// that historical state. A deleted entity is re-created under its original
// identity; its multi-valued relation links are re-written as part of the
// save.
func (t *Tracker) Rollback(ctx context.Context, event domain.HistoryEvent, opts ...CallOption) (*Record, error) {
	materialized, err := t.Materialize(ctx, event)
	if err != nil {
		return nil, err
	}

	current, err := t.entities.GetByID(ctx, event.EntityType, event.EntityID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		rec := &Record{entity: materialized}
		if err := t.create(ctx, rec, applyOptions(opts)); err != nil {
			return nil, err
		}
		return rec, nil
	}

	rec, err := t.Track(current)
	if err != nil {
		return nil, err
	}
	rec.SetProperties(materialized.Properties)
	if err := t.Save(ctx, rec, opts...); err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateTrackToken captures the bound request scope into a portable token.
// Fails when no scope is bound to the context.
func (t *Tracker) CreateTrackToken(ctx context.Context) (domain.TrackToken, error) {
	scope, ok := requestctx.Current(ctx)
	if !ok {
		return domain.TrackToken{}, fmt.Errorf("no request scope bound to context")
	}
	record, err := scope.Provenance(ctx, t.provenance)
	if err != nil {
		return domain.TrackToken{}, err
	}
	return domain.TrackToken{
		ProvenanceID: &record.ID,
		ActorID:      scope.ActorID(),
	}, nil
}

// emit enriches and appends one history event. Enrichment comes from the
// bound request scope when present, else from an explicit token, else the
// event is written with no actor or provenance.
func (t *Tracker) emit(ctx context.Context, entity domain.Entity, action domain.ActionType, payload []byte, cfg callConfig) (domain.HistoryEvent, error) {
	event := domain.HistoryEvent{
		EntityType: entity.EntityType,
		EntityID:   entity.ID,
		Action:     action,
		Payload:    payload,
	}

	if scope, ok := requestctx.Current(ctx); ok {
		record, err := scope.Provenance(ctx, t.provenance)
		if err != nil {
			return domain.HistoryEvent{}, err
		}
		event.ProvenanceID = &record.ID
		event.ActorID = scope.ActorID()
	} else if cfg.token != nil {
		event.ProvenanceID = cfg.token.ProvenanceID
		event.ActorID = cfg.token.ActorID
	}

	inserted, err := t.history.Insert(ctx, event)
	if err != nil {
		return domain.HistoryEvent{}, fmt.Errorf("failed to record history event: %w", err)
	}

	t.logger.Debug("recorded history event",
		zap.String("entity_type", inserted.EntityType),
		zap.String("entity_id", inserted.EntityID.String()),
		zap.String("action", string(inserted.Action)),
		zap.Int64("seq", inserted.Seq))

	return inserted, nil
}

func applyOptions(opts []CallOption) callConfig {
	cfg := callConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

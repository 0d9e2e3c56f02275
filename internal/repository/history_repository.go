package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/entrack/internal/domain"
)

type historyRepository struct {
	pool *pgxpool.Pool
}

// NewHistoryRepository wires a ledger repository backed by pgxpool.
func NewHistoryRepository(pool *pgxpool.Pool) HistoryRepository {
	return &historyRepository{pool: pool}
}

func (r *historyRepository) Insert(ctx context.Context, event domain.HistoryEvent) (domain.HistoryEvent, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO history_events (id, entity_type, entity_id, action, payload, actor_id, provenance_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING recorded_at, seq`,
		event.ID,
		event.EntityType,
		event.EntityID,
		string(event.Action),
		event.Payload,
		event.ActorID,
		event.ProvenanceID,
	)
	if err := row.Scan(&event.RecordedAt, &event.Seq); err != nil {
		return domain.HistoryEvent{}, fmt.Errorf("failed to insert history event: %w", err)
	}

	return event, nil
}

func (r *historyRepository) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, rng domain.TimeRange) ([]domain.HistoryEvent, error) {
	query := `SELECT id, entity_type, entity_id, action, payload, actor_id, provenance_id, recorded_at, seq
		 FROM history_events
		 WHERE entity_type = $1 AND entity_id = $2`
	args := []any{entityType, entityID}

	if rng.From != nil {
		args = append(args, *rng.From)
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if rng.To != nil {
		args = append(args, *rng.To)
		query += fmt.Sprintf(" AND recorded_at <= $%d", len(args))
	}
	query += " ORDER BY recorded_at ASC, seq ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history events: %w", err)
	}
	defer rows.Close()

	events := []domain.HistoryEvent{}
	for rows.Next() {
		event, err := scanHistoryEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history events: %w", err)
	}

	return events, nil
}

func (r *historyRepository) Latest(ctx context.Context, entityType string, entityID uuid.UUID) (domain.HistoryEvent, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT id, entity_type, entity_id, action, payload, actor_id, provenance_id, recorded_at, seq
		 FROM history_events
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY recorded_at DESC, seq DESC
		 LIMIT 1`,
		entityType,
		entityID,
	)

	event, err := scanHistoryEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.HistoryEvent{}, fmt.Errorf("%w: %s/%s", domain.ErrNoHistory, entityType, entityID)
		}
		return domain.HistoryEvent{}, err
	}
	return event, nil
}

func (r *historyRepository) CountByEntity(ctx context.Context, entityType string, entityID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT count(*) FROM history_events WHERE entity_type = $1 AND entity_id = $2`,
		entityType,
		entityID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count history events: %w", err)
	}
	return count, nil
}

func scanHistoryEvent(row pgx.Row) (domain.HistoryEvent, error) {
	var (
		event  domain.HistoryEvent
		action string
	)
	err := row.Scan(
		&event.ID,
		&event.EntityType,
		&event.EntityID,
		&action,
		&event.Payload,
		&event.ActorID,
		&event.ProvenanceID,
		&event.RecordedAt,
		&event.Seq,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.HistoryEvent{}, err
		}
		return domain.HistoryEvent{}, fmt.Errorf("failed to scan history event: %w", err)
	}
	event.Action = domain.ActionType(action)
	return event, nil
}

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

type provenanceRepository struct {
	pool *pgxpool.Pool
}

// NewProvenanceRepository wires a provenance repository backed by pgxpool.
func NewProvenanceRepository(pool *pgxpool.Pool) ProvenanceRepository {
	return &provenanceRepository{pool: pool}
}

func (r *provenanceRepository) Create(ctx context.Context, record domain.ProvenanceRecord) (domain.ProvenanceRecord, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO provenance_records (id, user_ip, user_host, user_agent, full_path, method, referer)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		record.ID,
		record.UserIP,
		record.UserHost,
		record.UserAgent,
		record.FullPath,
		record.Method,
		record.Referer,
	)
	if err := row.Scan(&record.CreatedAt); err != nil {
		return domain.ProvenanceRecord{}, fmt.Errorf("failed to insert provenance record: %w", err)
	}

	return record, nil
}

func (r *provenanceRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ProvenanceRecord, error) {
	var record domain.ProvenanceRecord
	err := r.pool.QueryRow(
		ctx,
		`SELECT id, user_ip, user_host, user_agent, full_path, method, referer, created_at
		 FROM provenance_records
		 WHERE id = $1`,
		id,
	).Scan(
		&record.ID,
		&record.UserIP,
		&record.UserHost,
		&record.UserAgent,
		&record.FullPath,
		&record.Method,
		&record.Referer,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProvenanceRecord{}, fmt.Errorf("%w: provenance %s", domain.ErrNotFound, id)
		}
		return domain.ProvenanceRecord{}, fmt.Errorf("failed to get provenance record: %w", err)
	}

	return record, nil
}

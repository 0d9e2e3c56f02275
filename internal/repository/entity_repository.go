package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/entrack/internal/domain"
)

// entityRepository persists entities as JSONB rows plus a link table for
// multi-valued relation fields. Scalar and single-relation values are stored
// in canonical snapshot form; reads convert them back to runtime values using
// the registered descriptor, and resolve link rows eagerly.
type entityRepository struct {
	pool     *pgxpool.Pool
	registry *domain.Registry
}

// NewEntityRepository creates an entity repository backed by pgxpool.
func NewEntityRepository(pool *pgxpool.Pool, registry *domain.Registry) EntityRepository {
	return &entityRepository{pool: pool, registry: registry}
}

func (r *entityRepository) Create(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	desc, err := r.registry.Lookup(entity.EntityType)
	if err != nil {
		return domain.Entity{}, err
	}
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}

	stored, links, err := splitProperties(desc, entity.Properties)
	if err != nil {
		return domain.Entity{}, err
	}
	propertiesJSON, err := json.Marshal(stored)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to marshal properties: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(
		ctx,
		`INSERT INTO entities (id, entity_type, properties)
		 VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		entity.ID,
		entity.EntityType,
		propertiesJSON,
	)
	if err := row.Scan(&entity.CreatedAt, &entity.UpdatedAt); err != nil {
		return domain.Entity{}, fmt.Errorf("failed to create entity: %w", err)
	}

	if err := insertLinks(ctx, tx, entity.ID, links); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Entity{}, fmt.Errorf("failed to commit entity create: %w", err)
	}

	runtime, err := mergeRuntimeProperties(desc, stored, links)
	if err != nil {
		return domain.Entity{}, err
	}
	entity.Properties = runtime
	return entity, nil
}

func (r *entityRepository) GetByID(ctx context.Context, entityType string, id uuid.UUID) (domain.Entity, error) {
	desc, err := r.registry.Lookup(entityType)
	if err != nil {
		return domain.Entity{}, err
	}

	var (
		entity         domain.Entity
		propertiesJSON []byte
	)
	err = r.pool.QueryRow(
		ctx,
		`SELECT id, entity_type, properties, created_at, updated_at
		 FROM entities
		 WHERE entity_type = $1 AND id = $2`,
		entityType,
		id,
	).Scan(&entity.ID, &entity.EntityType, &propertiesJSON, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, entityType, id)
		}
		return domain.Entity{}, fmt.Errorf("failed to get entity: %w", err)
	}

	return r.hydrate(ctx, desc, entity, propertiesJSON)
}

func (r *entityRepository) Update(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	desc, err := r.registry.Lookup(entity.EntityType)
	if err != nil {
		return domain.Entity{}, err
	}
	if entity.ID == uuid.Nil {
		return domain.Entity{}, fmt.Errorf("%w: entity has no identity", domain.ErrNotFound)
	}

	stored, links, err := splitProperties(desc, entity.Properties)
	if err != nil {
		return domain.Entity{}, err
	}
	propertiesJSON, err := json.Marshal(stored)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to marshal properties: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(
		ctx,
		`UPDATE entities
		 SET properties = $3, updated_at = now()
		 WHERE entity_type = $1 AND id = $2
		 RETURNING created_at, updated_at`,
		entity.EntityType,
		entity.ID,
		propertiesJSON,
	)
	if err := row.Scan(&entity.CreatedAt, &entity.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, entity.EntityType, entity.ID)
		}
		return domain.Entity{}, fmt.Errorf("failed to update entity: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM entity_links WHERE entity_id = $1`, entity.ID); err != nil {
		return domain.Entity{}, fmt.Errorf("failed to clear entity links: %w", err)
	}
	if err := insertLinks(ctx, tx, entity.ID, links); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Entity{}, fmt.Errorf("failed to commit entity update: %w", err)
	}

	runtime, err := mergeRuntimeProperties(desc, stored, links)
	if err != nil {
		return domain.Entity{}, err
	}
	entity.Properties = runtime
	return entity, nil
}

func (r *entityRepository) Delete(ctx context.Context, entityType string, id uuid.UUID) error {
	tag, err := r.pool.Exec(
		ctx,
		`DELETE FROM entities WHERE entity_type = $1 AND id = $2`,
		entityType,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrNotFound, entityType, id)
	}
	return nil
}

func (r *entityRepository) ListByType(ctx context.Context, entityType string) ([]domain.Entity, error) {
	desc, err := r.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, entity_type, properties, created_at, updated_at
		 FROM entities
		 WHERE entity_type = $1
		 ORDER BY created_at ASC`,
		entityType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	type pending struct {
		entity domain.Entity
		raw    []byte
	}
	loaded := []pending{}
	for rows.Next() {
		var (
			entity domain.Entity
			raw    []byte
		)
		if err := rows.Scan(&entity.ID, &entity.EntityType, &raw, &entity.CreatedAt, &entity.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		loaded = append(loaded, pending{entity: entity, raw: raw})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}

	entities := make([]domain.Entity, 0, len(loaded))
	for _, item := range loaded {
		entity, err := r.hydrate(ctx, desc, item.entity, item.raw)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// hydrate decodes the stored canonical properties, loads the link rows and
// converts everything back to runtime values.
func (r *entityRepository) hydrate(ctx context.Context, desc domain.TypeDescriptor, entity domain.Entity, propertiesJSON []byte) (domain.Entity, error) {
	stored, err := decodeStoredProperties(propertiesJSON)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to decode properties for entity %s: %w", entity.ID, err)
	}
	links, err := r.loadLinks(ctx, entity.ID)
	if err != nil {
		return domain.Entity{}, err
	}
	runtime, err := mergeRuntimeProperties(desc, stored, links)
	if err != nil {
		return domain.Entity{}, err
	}
	entity.Properties = runtime
	return entity, nil
}

func (r *entityRepository) loadLinks(ctx context.Context, entityID uuid.UUID) (map[string][]uuid.UUID, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT field, target_id
		 FROM entity_links
		 WHERE entity_id = $1
		 ORDER BY field ASC, position ASC`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity links: %w", err)
	}
	defer rows.Close()

	links := map[string][]uuid.UUID{}
	for rows.Next() {
		var (
			field  string
			target uuid.UUID
		)
		if err := rows.Scan(&field, &target); err != nil {
			return nil, fmt.Errorf("failed to scan entity link: %w", err)
		}
		links[field] = append(links[field], target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entity links: %w", err)
	}
	return links, nil
}

func insertLinks(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, links map[string][]uuid.UUID) error {
	for field, targets := range links {
		for position, target := range targets {
			_, err := tx.Exec(
				ctx,
				`INSERT INTO entity_links (entity_id, field, target_id, position)
				 VALUES ($1, $2, $3, $4)`,
				entityID,
				field,
				target,
				position,
			)
			if err != nil {
				return fmt.Errorf("failed to insert entity link %s: %w", field, err)
			}
		}
	}
	return nil
}

// splitProperties converts runtime properties to canonical storable form and
// separates multi-valued relation identities into link rows.
func splitProperties(desc domain.TypeDescriptor, properties map[string]any) (map[string]any, map[string][]uuid.UUID, error) {
	stored := make(map[string]any, len(desc.Fields))
	links := map[string][]uuid.UUID{}

	for _, field := range desc.Fields {
		canonical, err := domain.CanonicalValue(field.Type, properties[field.Name])
		if err != nil {
			return nil, nil, fmt.Errorf("field %s.%s: %w", desc.Name, field.Name, err)
		}
		if field.Type == domain.FieldTypeEntityReferenceArray {
			if canonical == nil {
				continue
			}
			items := canonical.([]any)
			targets := make([]uuid.UUID, len(items))
			for i, item := range items {
				target, err := uuid.Parse(item.(string))
				if err != nil {
					return nil, nil, fmt.Errorf("field %s.%s: %w", desc.Name, field.Name, err)
				}
				targets[i] = target
			}
			links[field.Name] = targets
			continue
		}
		stored[field.Name] = canonical
	}
	return stored, links, nil
}

// mergeRuntimeProperties builds the runtime property map from stored
// canonical values plus eagerly resolved link rows.
func mergeRuntimeProperties(desc domain.TypeDescriptor, stored map[string]any, links map[string][]uuid.UUID) (map[string]any, error) {
	runtime := make(map[string]any, len(desc.Fields))
	for _, field := range desc.Fields {
		if field.Type == domain.FieldTypeEntityReferenceArray {
			targets := links[field.Name]
			out := make([]uuid.UUID, len(targets))
			copy(out, targets)
			runtime[field.Name] = out
			continue
		}
		value, err := domain.RestoreValue(domain.FieldMeta{Type: field.Type, Relation: field.ReferenceEntityType}, stored[field.Name])
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", desc.Name, field.Name, err)
		}
		runtime[field.Name] = value
	}
	return runtime, nil
}

func decodeStoredProperties(propertiesJSON []byte) (map[string]any, error) {
	var stored map[string]any
	decoder := json.NewDecoder(bytes.NewReader(propertiesJSON))
	decoder.UseNumber()
	if err := decoder.Decode(&stored); err != nil {
		return nil, err
	}
	return stored, nil
}

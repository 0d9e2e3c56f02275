package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/entrack/internal/domain"
)

func TestMemoryHistoryInsertAssignsTotalOrder(t *testing.T) {
	repo := NewMemoryHistoryRepository()
	ctx := context.Background()
	entityID := uuid.New()

	var events []domain.HistoryEvent
	for i := 0; i < 5; i++ {
		event, err := repo.Insert(ctx, domain.HistoryEvent{
			EntityType: "article",
			EntityID:   entityID,
			Action:     domain.ActionUpdate,
			Payload:    []byte(`{}`),
		})
		require.NoError(t, err)
		events = append(events, event)
	}

	for i := 1; i < len(events); i++ {
		assert.True(t, events[i-1].Before(events[i]),
			"event %d must order before event %d", i-1, i)
		assert.False(t, events[i-1].RecordedAt.After(events[i].RecordedAt),
			"timestamps must be non-decreasing")
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
}

func TestMemoryHistoryListByEntityFiltersAndSorts(t *testing.T) {
	repo := NewMemoryHistoryRepository()
	ctx := context.Background()
	target := uuid.New()
	other := uuid.New()

	for _, id := range []uuid.UUID{target, other, target} {
		_, err := repo.Insert(ctx, domain.HistoryEvent{
			EntityType: "article",
			EntityID:   id,
			Action:     domain.ActionUpdate,
			Payload:    []byte(`{}`),
		})
		require.NoError(t, err)
	}

	events, err := repo.ListByEntity(ctx, "article", target, domain.TimeRange{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Before(events[1]))
	for _, event := range events {
		assert.Equal(t, target, event.EntityID)
	}
}

func TestMemoryHistoryTimeRangeBounds(t *testing.T) {
	repo := NewMemoryHistoryRepository()
	ctx := context.Background()
	entityID := uuid.New()

	first, err := repo.Insert(ctx, domain.HistoryEvent{
		EntityType: "article", EntityID: entityID,
		Action: domain.ActionCreate, Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := repo.Insert(ctx, domain.HistoryEvent{
		EntityType: "article", EntityID: entityID,
		Action: domain.ActionUpdate, Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	cut := first.RecordedAt
	events, err := repo.ListByEntity(ctx, "article", entityID, domain.TimeRange{To: &cut})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first.ID, events[0].ID)

	events, err = repo.ListByEntity(ctx, "article", entityID, domain.TimeRange{From: &second.RecordedAt})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, second.ID, events[0].ID)
}

func TestMemoryEntityRepositoryCloneIsolation(t *testing.T) {
	repo := NewMemoryEntityRepository()
	ctx := context.Background()

	created, err := repo.Create(ctx, domain.Entity{
		EntityType: "article",
		Properties: map[string]any{
			"title":        "original",
			"contributors": []uuid.UUID{uuid.New()},
		},
	})
	require.NoError(t, err)

	// Mutating the returned entity must not affect the stored copy.
	created.Properties["title"] = "mutated"
	created.Properties["contributors"].([]uuid.UUID)[0] = uuid.Nil

	stored, err := repo.GetByID(ctx, "article", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", stored.Properties["title"])
	assert.NotEqual(t, uuid.Nil, stored.Properties["contributors"].([]uuid.UUID)[0])
}

func TestMemoryEntityRepositoryCreateHonorsPresetID(t *testing.T) {
	repo := NewMemoryEntityRepository()
	ctx := context.Background()
	id := uuid.New()

	created, err := repo.Create(ctx, domain.Entity{
		ID:         id,
		EntityType: "article",
		Properties: map[string]any{"title": "restored"},
	})
	require.NoError(t, err)
	assert.Equal(t, id, created.ID)

	_, err = repo.Create(ctx, domain.Entity{
		ID:         id,
		EntityType: "article",
		Properties: map[string]any{"title": "duplicate"},
	})
	require.Error(t, err)
}

func TestMemoryProvenanceRoundTrip(t *testing.T) {
	repo := NewMemoryProvenanceRepository()
	ctx := context.Background()
	method := "GET"

	created, err := repo.Create(ctx, domain.ProvenanceRecord{Method: &method})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	loaded, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	require.NotNil(t, loaded.Method)
	assert.Equal(t, "GET", *loaded.Method)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

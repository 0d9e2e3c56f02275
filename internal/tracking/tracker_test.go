package tracking

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/entrack/internal/domain"
	"github.com/rpattn/entrack/internal/repository"
	"github.com/rpattn/entrack/internal/requestctx"
)

type fixture struct {
	tracker    *Tracker
	history    *repository.MemoryHistoryRepository
	provenance *repository.MemoryProvenanceRepository
	entities   *repository.MemoryEntityRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := domain.NewRegistry()
	registry.MustRegister(domain.TypeDescriptor{
		Name: "author",
		Fields: []domain.FieldDefinition{
			{Name: "name", Type: domain.FieldTypeString, Required: true},
		},
	})
	registry.MustRegister(domain.TypeDescriptor{
		Name: "article",
		Fields: []domain.FieldDefinition{
			{Name: "title", Type: domain.FieldTypeString, Required: true},
			{Name: "words", Type: domain.FieldTypeInteger},
			{Name: "author", Type: domain.FieldTypeEntityReference, ReferenceEntityType: "author"},
			{Name: "contributors", Type: domain.FieldTypeEntityReferenceArray, ReferenceEntityType: "author"},
		},
	})

	history := repository.NewMemoryHistoryRepository()
	provenance := repository.NewMemoryProvenanceRepository()
	entities := repository.NewMemoryEntityRepository()

	return &fixture{
		tracker:    NewTracker(registry, entities, history, provenance, nil),
		history:    history,
		provenance: provenance,
		entities:   entities,
	}
}

func (f *fixture) newArticle(t *testing.T, title string, words int64) *Record {
	t.Helper()
	rec, err := f.tracker.New("article", map[string]any{
		"title": title,
		"words": words,
	})
	require.NoError(t, err)
	return rec
}

func TestSaveNewEntityEmitsCreateWithFullSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	require.NotEqual(t, uuid.Nil, rec.Entity().ID)

	events, err := f.tracker.HistoryOf(ctx, rec)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ActionCreate, events[0].Action)

	snapshot, err := events[0].SnapshotPayload()
	require.NoError(t, err)
	assert.Equal(t, "First", snapshot["title"].Value)
	assert.Equal(t, json.Number("100"), snapshot["words"].Value)
	assert.Nil(t, snapshot["author"].Value)
}

func TestSaveUpdateEmitsChangedFieldsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))

	rec.Set("words", int64(150))
	require.NoError(t, f.tracker.Save(ctx, rec))

	events, err := f.tracker.HistoryOf(ctx, rec)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.ActionUpdate, events[1].Action)

	changes, err := events[1].ChangeSetPayload()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	change := changes["words"]
	assert.Equal(t, json.Number("100"), change.Old)
	assert.Equal(t, json.Number("150"), change.New)
}

func TestNoOpSaveEmitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	require.NoError(t, f.tracker.Save(ctx, rec))

	count, err := f.history.CountByEntity(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBaselineRefreshAfterUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	rec.Set("words", int64(150))
	require.NoError(t, f.tracker.Save(ctx, rec))

	// Saving again without further mutation must not emit a second update.
	require.NoError(t, f.tracker.Save(ctx, rec))

	count, err := f.history.CountByEntity(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestDeleteEmitsFinalSnapshotThenRemoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	rec.Set("words", int64(150))
	require.NoError(t, f.tracker.Save(ctx, rec))
	require.NoError(t, f.tracker.Delete(ctx, rec))

	events, err := f.tracker.Stream(ctx, "article", rec.Entity().ID, domain.TimeRange{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.ActionDelete, events[2].Action)

	snapshot, err := events[2].SnapshotPayload()
	require.NoError(t, err)
	assert.Equal(t, json.Number("150"), snapshot["words"].Value)

	_, err = f.entities.GetByID(ctx, "article", rec.Entity().ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteUnsavedEntityFails(t *testing.T) {
	f := newFixture(t)
	rec := f.newArticle(t, "Never saved", 1)

	err := f.tracker.Delete(context.Background(), rec)
	require.Error(t, err)
}

func TestCurrentObjectAfterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	event, err := f.tracker.Latest(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)

	current, err := f.tracker.CurrentObject(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, rec.Entity().ID, current.ID)

	require.NoError(t, f.tracker.Delete(ctx, rec))
	_, err = f.tracker.CurrentObject(ctx, event)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMaterializeReplaysChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "v1", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	rec.Set("title", "v2")
	require.NoError(t, f.tracker.Save(ctx, rec))
	rec.Set("words", int64(300))
	require.NoError(t, f.tracker.Save(ctx, rec))

	events, err := f.tracker.HistoryOf(ctx, rec)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// State as of the second event: title updated, words still original.
	mid, err := f.tracker.Materialize(ctx, events[1])
	require.NoError(t, err)
	assert.Equal(t, "v2", mid.Properties["title"])
	assert.Equal(t, int64(100), mid.Properties["words"])

	// State as of the first event: creation snapshot.
	first, err := f.tracker.Materialize(ctx, events[0])
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Properties["title"])

	// State as of the last event: everything applied.
	last, err := f.tracker.Materialize(ctx, events[2])
	require.NoError(t, err)
	assert.Equal(t, "v2", last.Properties["title"])
	assert.Equal(t, int64(300), last.Properties["words"])
}

func TestMaterializeDeletedEntityFromDeleteEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "Final", 42)
	require.NoError(t, f.tracker.Save(ctx, rec))
	id := rec.Entity().ID
	require.NoError(t, f.tracker.Delete(ctx, rec))

	event, err := f.tracker.Latest(ctx, "article", id)
	require.NoError(t, err)
	require.Equal(t, domain.ActionDelete, event.Action)

	entity, err := f.tracker.Materialize(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, id, entity.ID)
	assert.Equal(t, "Final", entity.Properties["title"])
}

func TestMaterializeStreamWithoutCreateIsCorrupt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	rec.Set("words", int64(150))
	require.NoError(t, f.tracker.Save(ctx, rec))

	events, err := f.tracker.HistoryOf(ctx, rec)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Forge an update-only stream under a fresh identity.
	forged := events[1]
	forged.EntityID = uuid.New()
	forged.ID = uuid.Nil
	inserted, err := f.history.Insert(ctx, forged)
	require.NoError(t, err)

	_, err = f.tracker.Materialize(ctx, inserted)
	assert.ErrorIs(t, err, domain.ErrCorruptHistory)
}

func TestRollbackRestoresEarlierState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "v1", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	rec.Set("title", "v2")
	require.NoError(t, f.tracker.Save(ctx, rec))

	events, err := f.tracker.HistoryOf(ctx, rec)
	require.NoError(t, err)

	rolled, err := f.tracker.Rollback(ctx, events[0])
	require.NoError(t, err)
	assert.Equal(t, "v1", rolled.Entity().Properties["title"])

	stored, err := f.entities.GetByID(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", stored.Properties["title"])

	// The rollback itself is a tracked update.
	count, err := f.history.CountByEntity(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRollbackRecreatesDeletedEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "Gone", 7)
	require.NoError(t, f.tracker.Save(ctx, rec))
	id := rec.Entity().ID
	require.NoError(t, f.tracker.Delete(ctx, rec))

	event, err := f.tracker.Latest(ctx, "article", id)
	require.NoError(t, err)

	restored, err := f.tracker.Rollback(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, id, restored.Entity().ID)

	stored, err := f.entities.GetByID(ctx, "article", id)
	require.NoError(t, err)
	assert.Equal(t, "Gone", stored.Properties["title"])
}

func TestBoundScopeEnrichesEvents(t *testing.T) {
	f := newFixture(t)
	actorID := uuid.New()
	scope := requestctx.NewScope(requestctx.Meta{Method: "POST", FullPath: "/entities/article"}, &actorID)
	ctx := requestctx.Bind(context.Background(), scope)

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))
	rec.Set("words", int64(150))
	require.NoError(t, f.tracker.Save(ctx, rec))

	events, err := f.tracker.HistoryOf(ctx, rec)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NotNil(t, events[0].ActorID)
	assert.Equal(t, actorID, *events[0].ActorID)
	require.NotNil(t, events[0].ProvenanceID)
	require.NotNil(t, events[1].ProvenanceID)
	// Both events in one scope share the cached provenance record.
	assert.Equal(t, *events[0].ProvenanceID, *events[1].ProvenanceID)
}

func TestUnboundContextLeavesEventsUnattributed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))

	event, err := f.tracker.Latest(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)
	assert.Nil(t, event.ActorID)
	assert.Nil(t, event.ProvenanceID)
}

func TestTokenEnrichesDeferredWork(t *testing.T) {
	f := newFixture(t)
	actorID := uuid.New()
	scope := requestctx.NewScope(requestctx.Meta{Method: "POST"}, &actorID)
	boundCtx := requestctx.Bind(context.Background(), scope)

	token, err := f.tracker.CreateTrackToken(boundCtx)
	require.NoError(t, err)
	require.NotNil(t, token.ProvenanceID)
	require.NotNil(t, token.ActorID)

	// Deferred save, far from the request, carries the token instead.
	rec := f.newArticle(t, "Queued", 1)
	require.NoError(t, f.tracker.Save(context.Background(), rec, WithToken(token)))

	event, err := f.tracker.Latest(context.Background(), "article", rec.Entity().ID)
	require.NoError(t, err)
	require.NotNil(t, event.ActorID)
	assert.Equal(t, actorID, *event.ActorID)
	assert.Equal(t, *token.ProvenanceID, *event.ProvenanceID)
}

func TestBoundScopeOverridesToken(t *testing.T) {
	f := newFixture(t)

	tokenActor := uuid.New()
	token := domain.TrackToken{ActorID: &tokenActor}

	scopeActor := uuid.New()
	scope := requestctx.NewScope(requestctx.Meta{Method: "PUT"}, &scopeActor)
	ctx := requestctx.Bind(context.Background(), scope)

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec, WithToken(token)))

	event, err := f.tracker.Latest(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)
	require.NotNil(t, event.ActorID)
	assert.Equal(t, scopeActor, *event.ActorID)
}

func TestCreateTrackTokenRequiresBoundScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.CreateTrackToken(context.Background())
	require.Error(t, err)
}

func TestLoadCapturesBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.newArticle(t, "First", 100)
	require.NoError(t, f.tracker.Save(ctx, rec))

	loaded, err := f.tracker.Load(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)

	// Saving the freshly loaded record unchanged is a no-op.
	require.NoError(t, f.tracker.Save(ctx, loaded))
	count, err := f.history.CountByEntity(ctx, "article", rec.Entity().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	changes, err := f.tracker.Changes(loaded)
	require.NoError(t, err)
	assert.Nil(t, changes)
}

func TestLatestOnEmptyStream(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Latest(context.Background(), "article", uuid.New())
	assert.ErrorIs(t, err, domain.ErrNoHistory)
}

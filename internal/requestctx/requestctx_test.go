package requestctx

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/entrack/internal/domain"
)

// fakeRecorder counts persisted provenance records.
type fakeRecorder struct {
	created []domain.ProvenanceRecord
	fail    error
}

func (f *fakeRecorder) Create(_ context.Context, record domain.ProvenanceRecord) (domain.ProvenanceRecord, error) {
	if f.fail != nil {
		return domain.ProvenanceRecord{}, f.fail
	}
	record.ID = uuid.New()
	record.CreatedAt = time.Now()
	f.created = append(f.created, record)
	return record, nil
}

func TestBindAndCurrent(t *testing.T) {
	scope := NewScope(Meta{Method: "GET"}, nil)
	ctx := Bind(context.Background(), scope)

	bound, ok := Current(ctx)
	require.True(t, ok)
	assert.Same(t, scope, bound)

	_, ok = Current(context.Background())
	assert.False(t, ok)
}

func TestWithReleasesScopeOnError(t *testing.T) {
	scope := NewScope(Meta{Method: "POST"}, nil)
	parent := context.Background()

	err := With(parent, scope, func(ctx context.Context) error {
		_, ok := Current(ctx)
		require.True(t, ok)
		return errors.New("handler failed")
	})
	require.Error(t, err)

	// The parent context never sees the binding, error or not.
	_, ok := Current(parent)
	assert.False(t, ok)
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	first := NewScope(Meta{FullPath: "/a"}, nil)
	second := NewScope(Meta{FullPath: "/b"}, nil)

	ctxA := Bind(context.Background(), first)
	ctxB := Bind(context.Background(), second)

	boundA, _ := Current(ctxA)
	boundB, _ := Current(ctxB)
	assert.Same(t, first, boundA)
	assert.Same(t, second, boundB)
}

func TestProvenancePersistsOncePerScope(t *testing.T) {
	recorder := &fakeRecorder{}
	scope := NewScope(Meta{
		UserIP:    "10.0.0.1:1234",
		Method:    "PUT",
		FullPath:  "/entities/article",
		UserAgent: "test-agent",
	}, nil)

	first, err := scope.Provenance(context.Background(), recorder)
	require.NoError(t, err)
	second, err := scope.Provenance(context.Background(), recorder)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, recorder.created, 1)
	require.NotNil(t, first.Method)
	assert.Equal(t, "PUT", *first.Method)
	assert.Nil(t, first.Referer)
}

func TestProvenanceFailureIsNotCached(t *testing.T) {
	recorder := &fakeRecorder{fail: errors.New("db down")}
	scope := NewScope(Meta{Method: "GET"}, nil)

	_, err := scope.Provenance(context.Background(), recorder)
	require.Error(t, err)

	recorder.fail = nil
	record, err := scope.Provenance(context.Background(), recorder)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, record.ID)
}

func TestResetProvenanceForcesNewRecord(t *testing.T) {
	recorder := &fakeRecorder{}
	scope := NewScope(Meta{Method: "GET"}, nil)

	first, err := scope.Provenance(context.Background(), recorder)
	require.NoError(t, err)

	scope.ResetProvenance()

	second, err := scope.Provenance(context.Background(), recorder)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, recorder.created, 2)
}

func TestFromHTTPCapturesRequestMeta(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.com/entities/article?dry=1", nil)
	req.Header.Set("User-Agent", "client/1.0")
	req.Header.Set("Referer", "http://example.com/home")
	actorID := uuid.New()

	scope := FromHTTP(req, &actorID)

	require.NotNil(t, scope.ActorID())
	assert.Equal(t, actorID, *scope.ActorID())
	assert.Equal(t, "POST", scope.meta.Method)
	assert.Equal(t, "/entities/article?dry=1", scope.meta.FullPath)
	assert.Equal(t, "client/1.0", scope.meta.UserAgent)
	assert.Equal(t, "http://example.com/home", scope.meta.Referer)
}

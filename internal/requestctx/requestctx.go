// Package requestctx propagates the "current request" to mutation code that
// is far from the HTTP entry point, so history events can be enriched with
// actor and provenance metadata without threading a request object through
// every call. Scopes ride on context.Context, so concurrent requests never
// observe each other's binding and the binding ends with the derived context
// on every exit path.
package requestctx

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/entrack/internal/domain"
)

type contextKey struct{}

var scopeKey contextKey

// ProvenanceRecorder persists provenance records. Satisfied by
// repository.ProvenanceRepository.
type ProvenanceRecorder interface {
	Create(ctx context.Context, record domain.ProvenanceRecord) (domain.ProvenanceRecord, error)
}

// Meta is the request metadata captured into a ProvenanceRecord. Empty
// strings are stored as absent.
type Meta struct {
	UserIP    string
	UserHost  string
	UserAgent string
	FullPath  string
	Method    string
	Referer   string
}

// Scope is one logical request's binding: immutable request metadata, the
// optional authenticated actor, and the per-scope provenance cache.
type Scope struct {
	meta    Meta
	actorID *uuid.UUID

	mu     sync.Mutex
	cached *domain.ProvenanceRecord
}

// NewScope creates a scope from already-extracted request metadata.
func NewScope(meta Meta, actorID *uuid.UUID) *Scope {
	return &Scope{meta: meta, actorID: actorID}
}

// FromHTTP builds a scope from a live HTTP request.
func FromHTTP(r *http.Request, actorID *uuid.UUID) *Scope {
	meta := Meta{
		UserIP:    r.RemoteAddr,
		UserHost:  r.Host,
		UserAgent: r.UserAgent(),
		FullPath:  r.URL.RequestURI(),
		Method:    r.Method,
		Referer:   r.Referer(),
	}
	return NewScope(meta, actorID)
}

// Bind attaches the scope to a derived context. The binding lives exactly as
// long as the derived context, so there is no explicit release to forget.
//
// Nesting is not supported: binding a second scope while one is already
// bound shadows the outer scope for the inner context and is undefined
// behavior for enrichment. Callers must not nest.
func Bind(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// Current returns the scope bound to ctx, if any.
func Current(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeKey).(*Scope)
	return scope, ok && scope != nil
}

// With runs fn with the scope bound. The binding cannot outlive the call,
// even when fn returns an error or panics.
func With(ctx context.Context, scope *Scope, fn func(context.Context) error) error {
	return fn(Bind(ctx, scope))
}

// ActorID returns the authenticated principal bound to the scope, if any.
func (s *Scope) ActorID() *uuid.UUID {
	return s.actorID
}

// Provenance returns the scope's ProvenanceRecord, creating and persisting it
// on first use. Subsequent calls within the same scope return the identical
// record.
func (s *Scope) Provenance(ctx context.Context, recorder ProvenanceRecorder) (domain.ProvenanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, nil
	}

	record := domain.ProvenanceRecord{
		UserIP:    optional(s.meta.UserIP),
		UserHost:  optional(s.meta.UserHost),
		UserAgent: optional(s.meta.UserAgent),
		FullPath:  optional(s.meta.FullPath),
		Method:    optional(s.meta.Method),
		Referer:   optional(s.meta.Referer),
	}
	created, err := recorder.Create(ctx, record)
	if err != nil {
		return domain.ProvenanceRecord{}, err
	}
	s.cached = &created
	return created, nil
}

// ResetProvenance clears the per-scope provenance cache; the next Provenance
// call persists a fresh record.
func (s *Scope) ResetProvenance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

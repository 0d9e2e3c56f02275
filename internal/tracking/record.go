package tracking

import (
	"github.com/rpattn/entrack/internal/domain"
)

// Record wraps a plain entity with the baseline snapshot captured when it was
// loaded or constructed. Mutations leave the baseline untouched; the diff
// against it is computed lazily at save time.
type Record struct {
	entity   domain.Entity
	baseline domain.Snapshot
}

// Entity returns the current in-memory entity.
func (r *Record) Entity() domain.Entity {
	return r.entity
}

// Set updates one property on the in-memory entity.
func (r *Record) Set(field string, value any) {
	r.entity = r.entity.WithProperty(field, value)
}

// SetProperties replaces the in-memory entity's properties.
func (r *Record) SetProperties(properties map[string]any) {
	r.entity = r.entity.WithProperties(properties)
}

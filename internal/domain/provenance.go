package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProvenanceRecord stores information about the request during which changes
// were made. At most one record is created per request scope; every history
// event emitted during that scope references the same record. Immutable once
// written.
type ProvenanceRecord struct {
	ID        uuid.UUID `json:"id"`
	UserIP    *string   `json:"user_ip,omitempty"`
	UserHost  *string   `json:"user_host,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	FullPath  *string   `json:"full_path,omitempty"`
	Method    *string   `json:"method,omitempty"`
	Referer   *string   `json:"referer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TrackToken is an opaque, serializable capability carrying the actor and
// provenance references of an originating request. It lets deferred work
// (e.g. a queued job) attach the same enrichment as the request it came
// from, without holding a live request scope.
type TrackToken struct {
	ProvenanceID *uuid.UUID `json:"provenance_id,omitempty"`
	ActorID      *uuid.UUID `json:"actor_id,omitempty"`
}

// Empty reports whether the token carries no references at all.
func (t TrackToken) Empty() bool {
	return t.ProvenanceID == nil && t.ActorID == nil
}

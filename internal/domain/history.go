package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionType classifies a history event.
type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionUpdate ActionType = "UPDATE"
	ActionDelete ActionType = "DELETE"
)

// HistoryEvent is the ledger's persisted unit: one immutable record of a
// create, update or delete. Events for a given (EntityType, EntityID) are
// totally ordered by (RecordedAt, Seq); Seq breaks ties when the storage
// clock cannot guarantee strictly increasing timestamps.
//
// The ledger does not distinguish two different entities that happen to
// receive the same identity after the first is deleted; their streams
// interleave under one identity. Known limitation.
type HistoryEvent struct {
	ID         uuid.UUID       `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Action     ActionType      `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	// ActorID references the acting principal, when known.
	ActorID *uuid.UUID `json:"actor_id,omitempty"`
	// ProvenanceID references the request metadata captured for the scope
	// the mutation ran in, when known.
	ProvenanceID *uuid.UUID `json:"provenance_id,omitempty"`
	RecordedAt   time.Time  `json:"recorded_at"`
	Seq          int64      `json:"seq"`
}

// SnapshotPayload decodes the payload of a CREATE or DELETE event.
func (e HistoryEvent) SnapshotPayload() (Snapshot, error) {
	if e.Action == ActionUpdate {
		return nil, fmt.Errorf("%w: %s event carries a change set, not a snapshot", ErrDeserialization, e.Action)
	}
	return FromWire(e.Payload)
}

// ChangeSetPayload decodes the payload of an UPDATE event.
func (e HistoryEvent) ChangeSetPayload() (ChangeSet, error) {
	if e.Action != ActionUpdate {
		return nil, fmt.Errorf("%w: %s event carries a snapshot, not a change set", ErrDeserialization, e.Action)
	}
	return FromWireChangeSet(e.Payload)
}

// Before reports whether e is ordered strictly before other in the same
// entity's stream.
func (e HistoryEvent) Before(other HistoryEvent) bool {
	if e.RecordedAt.Equal(other.RecordedAt) {
		return e.Seq < other.Seq
	}
	return e.RecordedAt.Before(other.RecordedAt)
}

// TimeRange bounds a history stream query. Nil endpoints are unbounded; both
// endpoints are inclusive.
type TimeRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

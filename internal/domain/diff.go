package domain

import (
	"fmt"
	"reflect"
)

// ChangeRecord is one field's delta between two snapshots. Meta is taken from
// the old snapshot so the type context needed to interpret Old survives later
// schema evolution.
type ChangeRecord struct {
	Meta FieldMeta `json:"meta"`
	Old  any       `json:"old"`
	New  any       `json:"new"`
}

// ChangeSet maps field names to their deltas. Only fields whose value differs
// between the two snapshots appear.
type ChangeSet map[string]ChangeRecord

// Diff compares two snapshots of the same entity type and returns the
// per-field change set, or nil when the snapshots are equal. Callers use the
// nil result to skip writing an UPDATE event for a no-op save.
//
// Relation fields get no special casing; their identity (or identity list)
// representation is compared like any other value.
func Diff(old, new Snapshot) (ChangeSet, error) {
	if len(old) != len(new) {
		return nil, fmt.Errorf("%w: snapshots declare %d and %d fields", ErrSchemaMismatch, len(old), len(new))
	}

	changes := ChangeSet{}
	for name, oldValue := range old {
		newValue, ok := new[name]
		if !ok {
			return nil, fmt.Errorf("%w: field %q missing from new snapshot", ErrSchemaMismatch, name)
		}
		if valueEqual(oldValue.Value, newValue.Value) {
			continue
		}
		changes[name] = ChangeRecord{
			Meta: oldValue.Meta,
			Old:  oldValue.Value,
			New:  newValue.Value,
		}
	}

	if len(changes) == 0 {
		return nil, nil
	}
	return changes, nil
}

// valueEqual compares two canonical snapshot values. Canonical values are
// trees of json.Number, string, bool, nil, []any and map[string]any, so deep
// equality is exact.
func valueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

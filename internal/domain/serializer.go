package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the canonical wire format for date fields.
const DateLayout = "2006-01-02"

// FieldMeta captures the type information needed to interpret a snapshot
// value losslessly, independent of the live descriptor.
type FieldMeta struct {
	Type     FieldType `json:"type"`
	Relation string    `json:"relation,omitempty"`
}

// FieldValue is one snapshot entry: a canonical JSON-safe value plus the
// metadata required to invert it back to a runtime value.
type FieldValue struct {
	Value any       `json:"value"`
	Meta  FieldMeta `json:"meta"`
}

// Snapshot is a full field-value capture of an entity at one instant. Two
// snapshots of the same entity type always share the same key set.
type Snapshot map[string]FieldValue

// Equal reports exact key-by-key value equality between two snapshots.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for name, fv := range s {
		ofv, ok := other[name]
		if !ok {
			return false
		}
		if fv.Meta != ofv.Meta || !valueEqual(fv.Value, ofv.Value) {
			return false
		}
	}
	return true
}

// Dump captures a canonical snapshot of the entity's declared fields. Values
// are widened to JSON-safe representations (numbers as json.Number, dates and
// timestamps as strings, relation identities as uuid strings) so the snapshot
// round-trips through ToWire/FromWire with exact equality. Properties not
// declared by the descriptor are ignored.
func Dump(desc TypeDescriptor, entity Entity) (Snapshot, error) {
	if entity.EntityType != desc.Name {
		return nil, fmt.Errorf("%w: entity type %q does not match descriptor %q", ErrSchemaMismatch, entity.EntityType, desc.Name)
	}
	snapshot := make(Snapshot, len(desc.Fields))
	for _, field := range desc.Fields {
		raw := entity.Properties[field.Name]
		value, err := CanonicalValue(field.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("dump %s.%s: %w", desc.Name, field.Name, err)
		}
		snapshot[field.Name] = FieldValue{
			Value: value,
			Meta:  FieldMeta{Type: field.Type, Relation: field.ReferenceEntityType},
		}
	}
	return snapshot, nil
}

// ToWire serializes data (a Snapshot or ChangeSet) to its canonical JSON
// encoding. Map keys are emitted in sorted order so the encoding is
// deterministic.
func ToWire(data any) ([]byte, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return encoded, nil
}

// FromWire decodes a canonical snapshot payload. Numbers are decoded as
// json.Number so FromWire(ToWire(s)) equals s exactly.
func FromWire(payload []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := decodeWire(payload, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// FromWireChangeSet decodes a canonical change-set payload.
func FromWireChangeSet(payload []byte) (ChangeSet, error) {
	var changes ChangeSet
	if err := decodeWire(payload, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func decodeWire(payload []byte, into any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return nil
}

// Restore reconstructs an unsaved, in-memory entity from a snapshot. Every
// snapshot field must still be declared by the descriptor and vice versa;
// a divergence means the type's fields changed since the snapshot was taken.
//
// Multi-valued relation identities are restored into Properties, but the
// link rows themselves are only re-written by the store once the entity is
// saved; callers rolling back a deleted entity must save it to re-link.
func Restore(desc TypeDescriptor, id uuid.UUID, snapshot Snapshot) (Entity, error) {
	for _, field := range desc.Fields {
		if _, ok := snapshot[field.Name]; !ok {
			return Entity{}, fmt.Errorf("%w: snapshot of %q is missing field %q", ErrSchemaMismatch, desc.Name, field.Name)
		}
	}
	properties := make(map[string]any, len(snapshot))
	for name, fv := range snapshot {
		if _, ok := desc.Field(name); !ok {
			return Entity{}, fmt.Errorf("%w: %q no longer declares field %q", ErrSchemaMismatch, desc.Name, name)
		}
		value, err := RestoreValue(fv.Meta, fv.Value)
		if err != nil {
			return Entity{}, fmt.Errorf("restore %s.%s: %w", desc.Name, name, err)
		}
		properties[name] = value
	}
	now := time.Now()
	return Entity{
		ID:         id,
		EntityType: desc.Name,
		Properties: properties,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CanonicalValue widens a runtime property value to its canonical JSON-safe
// representation for the given field type.
func CanonicalValue(fieldType FieldType, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch fieldType {
	case FieldTypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil

	case FieldTypeInteger:
		switch v := value.(type) {
		case int:
			return json.Number(strconv.FormatInt(int64(v), 10)), nil
		case int32:
			return json.Number(strconv.FormatInt(int64(v), 10)), nil
		case int64:
			return json.Number(strconv.FormatInt(v, 10)), nil
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got fractional %v", v)
			}
			return json.Number(strconv.FormatInt(int64(v), 10)), nil
		case json.Number:
			if _, err := v.Int64(); err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v.String())
			}
			return v, nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", value)
		}

	case FieldTypeFloat:
		switch v := value.(type) {
		case float32:
			return json.Number(strconv.FormatFloat(float64(v), 'g', -1, 64)), nil
		case float64:
			return json.Number(strconv.FormatFloat(v, 'g', -1, 64)), nil
		case int:
			return json.Number(strconv.FormatInt(int64(v), 10)), nil
		case int64:
			return json.Number(strconv.FormatInt(v, 10)), nil
		case json.Number:
			if _, err := v.Float64(); err != nil {
				return nil, fmt.Errorf("expected float, got %q", v.String())
			}
			return v, nil
		default:
			return nil, fmt.Errorf("expected float, got %T", value)
		}

	case FieldTypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", value)
		}
		return b, nil

	case FieldTypeDate:
		switch v := value.(type) {
		case time.Time:
			return v.Format(DateLayout), nil
		case string:
			if _, err := time.Parse(DateLayout, v); err != nil {
				return nil, fmt.Errorf("invalid date %q: %w", v, err)
			}
			return v, nil
		default:
			return nil, fmt.Errorf("expected date, got %T", value)
		}

	case FieldTypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano), nil
		case string:
			if _, err := time.Parse(time.RFC3339Nano, v); err != nil {
				return nil, fmt.Errorf("invalid timestamp %q: %w", v, err)
			}
			return v, nil
		default:
			return nil, fmt.Errorf("expected timestamp, got %T", value)
		}

	case FieldTypeJSON:
		return canonicalJSONTree(value)

	case FieldTypeEntityReference:
		switch v := value.(type) {
		case uuid.UUID:
			if v == uuid.Nil {
				return nil, nil
			}
			return v.String(), nil
		case *uuid.UUID:
			if v == nil || *v == uuid.Nil {
				return nil, nil
			}
			return v.String(), nil
		case string:
			parsed, err := uuid.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("invalid reference identity %q: %w", v, err)
			}
			return parsed.String(), nil
		default:
			return nil, fmt.Errorf("expected reference identity, got %T", value)
		}

	case FieldTypeEntityReferenceArray:
		ids, err := referenceIdentities(value)
		if err != nil {
			return nil, err
		}
		canonical := make([]any, len(ids))
		for i, id := range ids {
			canonical[i] = id.String()
		}
		return canonical, nil

	default:
		return nil, fmt.Errorf("unsupported field type %q", fieldType)
	}
}

// RestoreValue inverts canonicalValue: it converts a canonical snapshot value
// back to its runtime representation according to the captured metadata.
func RestoreValue(meta FieldMeta, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch meta.Type {
	case FieldTypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string, got %T", ErrDeserialization, value)
		}
		return s, nil

	case FieldTypeInteger:
		n, err := asNumber(value)
		if err != nil {
			return nil, err
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		return i, nil

	case FieldTypeFloat:
		n, err := asNumber(value)
		if err != nil {
			return nil, err
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		return f, nil

	case FieldTypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: expected boolean, got %T", ErrDeserialization, value)
		}
		return b, nil

	case FieldTypeDate:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected date string, got %T", ErrDeserialization, value)
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		return t, nil

	case FieldTypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected timestamp string, got %T", ErrDeserialization, value)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		return t, nil

	case FieldTypeJSON:
		return value, nil

	case FieldTypeEntityReference:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected reference identity string, got %T", ErrDeserialization, value)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		return id, nil

	case FieldTypeEntityReferenceArray:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: expected reference identity list, got %T", ErrDeserialization, value)
		}
		ids := make([]uuid.UUID, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: expected reference identity string, got %T", ErrDeserialization, item)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
			}
			ids[i] = id
		}
		return ids, nil

	default:
		return nil, fmt.Errorf("%w: unsupported field type %q", ErrDeserialization, meta.Type)
	}
}

func asNumber(value any) (json.Number, error) {
	switch v := value.(type) {
	case json.Number:
		return v, nil
	case float64:
		return json.Number(strconv.FormatFloat(v, 'g', -1, 64)), nil
	case int64:
		return json.Number(strconv.FormatInt(v, 10)), nil
	default:
		return "", fmt.Errorf("%w: expected number, got %T", ErrDeserialization, value)
	}
}

// canonicalJSONTree normalizes an arbitrary JSON-compatible value by routing
// it through the wire codec, so nested numbers become json.Number and nested
// structs become plain maps.
func canonicalJSONTree(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode json field: %w", err)
	}
	var tree any
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	if err := decoder.Decode(&tree); err != nil {
		return nil, fmt.Errorf("normalize json field: %w", err)
	}
	return tree, nil
}

func referenceIdentities(value any) ([]uuid.UUID, error) {
	switch v := value.(type) {
	case []uuid.UUID:
		out := make([]uuid.UUID, len(v))
		copy(out, v)
		return out, nil
	case []string:
		out := make([]uuid.UUID, len(v))
		for i, s := range v {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("invalid reference identity %q: %w", s, err)
			}
			out[i] = id
		}
		return out, nil
	case []any:
		out := make([]uuid.UUID, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected reference identity string, got %T", item)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("invalid reference identity %q: %w", s, err)
			}
			out[i] = id
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected reference identity list, got %T", value)
	}
}

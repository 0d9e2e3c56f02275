package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDiffIdenticalSnapshotsIsNil(t *testing.T) {
	desc := articleDescriptor()
	entity := sampleArticle(t)

	first, err := Dump(desc, entity)
	if err != nil {
		t.Fatalf("unexpected error dumping entity: %v", err)
	}
	second, err := Dump(desc, entity)
	if err != nil {
		t.Fatalf("unexpected error dumping entity: %v", err)
	}

	changes, err := Diff(first, second)
	if err != nil {
		t.Fatalf("unexpected error diffing snapshots: %v", err)
	}
	if changes != nil {
		t.Fatalf("expected nil change set, got %#v", changes)
	}
}

func TestDiffSingleFieldChange(t *testing.T) {
	desc := articleDescriptor()
	entity := sampleArticle(t)

	before, err := Dump(desc, entity)
	if err != nil {
		t.Fatalf("unexpected error dumping entity: %v", err)
	}
	after, err := Dump(desc, entity.WithProperty("words", int64(1300)))
	if err != nil {
		t.Fatalf("unexpected error dumping entity: %v", err)
	}

	changes, err := Diff(before, after)
	if err != nil {
		t.Fatalf("unexpected error diffing snapshots: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected exactly one change, got %#v", changes)
	}
	change, ok := changes["words"]
	if !ok {
		t.Fatalf("expected change for \"words\", got %#v", changes)
	}
	if change.Old != json.Number("1250") || change.New != json.Number("1300") {
		t.Errorf("expected 1250 -> 1300, got %#v -> %#v", change.Old, change.New)
	}
	if change.Meta.Type != FieldTypeInteger {
		t.Errorf("expected meta from old snapshot, got %#v", change.Meta)
	}
}

func TestDiffKeySetMismatch(t *testing.T) {
	desc := articleDescriptor()
	before, err := Dump(desc, sampleArticle(t))
	if err != nil {
		t.Fatalf("unexpected error dumping entity: %v", err)
	}
	after, err := Dump(desc, sampleArticle(t))
	if err != nil {
		t.Fatalf("unexpected error dumping entity: %v", err)
	}
	delete(after, "title")

	if _, err := Diff(before, after); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}

	after["renamed"] = FieldValue{Value: "x", Meta: FieldMeta{Type: FieldTypeString}}
	if _, err := Diff(before, after); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch for renamed field, got %v", err)
	}
}

func TestDiffRelationFieldComparedByIdentity(t *testing.T) {
	desc := articleDescriptor()
	entity := sampleArticle(t)

	before, err := Dump(desc, entity)
	if err != nil {
		t.Fatalf("unexpected error dumping entity: %v", err)
	}
	after, err := Dump(desc, entity.WithProperty("contributors", nil))
	if err != nil {
		t.Fatalf("unexpected error dumping entity: %v", err)
	}

	changes, err := Diff(before, after)
	if err != nil {
		t.Fatalf("unexpected error diffing snapshots: %v", err)
	}
	change, ok := changes["contributors"]
	if !ok {
		t.Fatalf("expected change for \"contributors\", got %#v", changes)
	}
	if change.New != nil {
		t.Errorf("expected cleared relation list, got %#v", change.New)
	}
}

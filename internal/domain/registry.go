package domain

import (
	"fmt"
	"sort"
	"sync"
)

// FieldType represents the semantic kind of a declared entity field.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeDate      FieldType = "date"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeJSON      FieldType = "json"
	// FieldTypeEntityReference holds the identity of a single related entity.
	FieldTypeEntityReference FieldType = "ENTITY_REFERENCE"
	// FieldTypeEntityReferenceArray holds the identities of a multi-valued
	// relation, in link order.
	FieldTypeEntityReferenceArray FieldType = "ENTITY_REFERENCE_ARRAY"
)

// IsRelation reports whether the field type points at other entities.
func (t FieldType) IsRelation() bool {
	return t == FieldTypeEntityReference || t == FieldTypeEntityReferenceArray
}

// FieldDefinition declares one field of a tracked entity type.
type FieldDefinition struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	// ReferenceEntityType names the related entity type for
	// ENTITY_REFERENCE and ENTITY_REFERENCE_ARRAY fields.
	ReferenceEntityType string `json:"referenceEntityType,omitempty"`
}

// TypeDescriptor is the statically declared schema of a tracked entity type.
// Field order is the canonical snapshot order.
type TypeDescriptor struct {
	Name   string
	Fields []FieldDefinition
}

// Field returns the definition for name and whether it is declared.
func (d TypeDescriptor) Field(name string) (FieldDefinition, bool) {
	for _, field := range d.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// FieldNames returns the declared field names in declaration order.
func (d TypeDescriptor) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for _, field := range d.Fields {
		names = append(names, field.Name)
	}
	return names
}

// Registry maps type tags to descriptors. Descriptors are registered once at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeDescriptor
}

// NewRegistry creates an empty type registry.
func NewRegistry() *Registry {
	return &Registry{types: map[string]TypeDescriptor{}}
}

// Register validates and stores a descriptor. Registering the same type tag
// twice is an error.
func (r *Registry) Register(desc TypeDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("descriptor name is required")
	}
	if len(desc.Fields) == 0 {
		return fmt.Errorf("descriptor %q declares no fields", desc.Name)
	}
	seen := make(map[string]struct{}, len(desc.Fields))
	for _, field := range desc.Fields {
		if field.Name == "" {
			return fmt.Errorf("descriptor %q has a field with an empty name", desc.Name)
		}
		if _, dup := seen[field.Name]; dup {
			return fmt.Errorf("descriptor %q declares field %q twice", desc.Name, field.Name)
		}
		seen[field.Name] = struct{}{}
		if field.Type.IsRelation() && field.ReferenceEntityType == "" {
			return fmt.Errorf("descriptor %q field %q is a relation but names no target type", desc.Name, field.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[desc.Name]; exists {
		return fmt.Errorf("descriptor %q is already registered", desc.Name)
	}
	r.types[desc.Name] = desc
	return nil
}

// MustRegister registers a descriptor and panics on error. Intended for
// startup wiring.
func (r *Registry) MustRegister(desc TypeDescriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Lookup resolves a type tag to its descriptor.
func (r *Registry) Lookup(name string) (TypeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.types[name]
	if !ok {
		return TypeDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownEntityType, name)
	}
	return desc, nil
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

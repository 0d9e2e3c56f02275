package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entity represents a tracked entity instance. Identity is absent (uuid.Nil)
// until the entity is first saved.
type Entity struct {
	ID         uuid.UUID      `json:"id"`
	EntityType string         `json:"entity_type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewEntity creates an unsaved entity with immutable pattern.
func NewEntity(entityType string, properties map[string]any) Entity {
	now := time.Now()
	return Entity{
		EntityType: entityType,
		Properties: copyProperties(properties),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// WithProperty returns a new entity with an added/updated property.
func (e Entity) WithProperty(key string, value any) Entity {
	newProperties := copyProperties(e.Properties)
	newProperties[key] = value

	return Entity{
		ID:         e.ID,
		EntityType: e.EntityType,
		Properties: newProperties,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  time.Now(),
	}
}

// WithProperties returns a new entity with replaced properties.
func (e Entity) WithProperties(properties map[string]any) Entity {
	return Entity{
		ID:         e.ID,
		EntityType: e.EntityType,
		Properties: copyProperties(properties),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  time.Now(),
	}
}

// GetPropertiesAsJSONB returns the properties as JSONB for database storage.
func (e *Entity) GetPropertiesAsJSONB() (json.RawMessage, error) {
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	return json.Marshal(e.Properties)
}

// FromJSONBProperties creates a properties map from JSONB data.
func FromJSONBProperties(propertiesJSON json.RawMessage) (map[string]any, error) {
	var properties map[string]any
	err := json.Unmarshal(propertiesJSON, &properties)
	return properties, err
}

// copyProperties creates a shallow copy of the properties map so callers
// cannot mutate a shared map through an old reference.
func copyProperties(properties map[string]any) map[string]any {
	newProperties := make(map[string]any, len(properties))
	for k, v := range properties {
		newProperties[k] = v
	}
	return newProperties
}

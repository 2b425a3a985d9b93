package types

import "time"

// Entity carries record timestamps. Embed it in stored records.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped at now (normalized to UTC).
func NewEntity(now time.Time) Entity {
	now = now.UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch moves UpdatedAt to now.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC()
}

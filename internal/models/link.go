package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEntityType is returned when a link names an entity type outside
// the closed set. This is a client error and is never retried.
var ErrInvalidEntityType = errors.New("invalid entity type")

// EntityType is the closed set of business record types a thread or message
// can be linked to.
type EntityType string

const (
	EntityTypeOrder  EntityType = "order"
	EntityTypeCase   EntityType = "case"
	EntityTypeReturn EntityType = "return"
	EntityTypeRepair EntityType = "repair"
)

// EntityTypes lists every valid entity type, for validation and rendering.
func EntityTypes() []EntityType {
	return []EntityType{EntityTypeOrder, EntityTypeCase, EntityTypeReturn, EntityTypeRepair}
}

// Validate checks that the entity type is a member of the closed set.
func (t EntityType) Validate() error {
	switch t {
	case EntityTypeOrder, EntityTypeCase, EntityTypeReturn, EntityTypeRepair:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidEntityType, string(t))
}

// EntityLink associates a thread or a message (exactly one) with a business
// record. Created and removed only by explicit user action, never
// garbage-collected.
type EntityLink struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	ThreadID   string     `json:"thread_id,omitempty"`
	MessageID  string     `json:"message_id,omitempty"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

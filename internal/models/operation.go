package models

import (
	"fmt"
	"strings"
	"time"
)

// OperationType is the mutation a queued operation carries to the remote side.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// EntityType discriminates the record kinds the engine knows how to sync.
type EntityType string

const (
	EntityNote     EntityType = "note"
	EntityBookmark EntityType = "bookmark"
)

// EntityTypes lists the known entity types in a stable order.
var EntityTypes = []EntityType{EntityNote, EntityBookmark}

// OperationStatus tracks where an operation is in its lifecycle.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusSyncing OperationStatus = "syncing"
	StatusFailed  OperationStatus = "failed"
)

// ParseOperationType validates a user-supplied operation name.
func ParseOperationType(s string) (OperationType, error) {
	switch op := OperationType(strings.ToLower(strings.TrimSpace(s))); op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperationType, s)
	}
}

// ParseEntityType validates a user-supplied entity type.
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !et.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
	}
	return et, nil
}

// Valid reports whether the entity type is one the engine can sync.
func (e EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if e == known {
			return true
		}
	}
	return false
}

// Actionable reports whether an operation in this status is eligible for the next flush.
func (s OperationStatus) Actionable() bool {
	return s == StatusPending || s == StatusFailed
}

// SyncOperation is one queued intent to create, update or delete a record remotely.
type SyncOperation struct {
	ID            string          `json:"id"`
	OperationType OperationType   `json:"operation_type"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id,omitempty"` // Empty only for create-before-assignment
	Payload       []byte          `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	RetryCount    int             `json:"retry_count"`
	Status        OperationStatus `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
}

// Validate checks the fields every log implementation relies on.
func (o *SyncOperation) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("operation ID is required")
	}

	if _, err := ParseOperationType(string(o.OperationType)); err != nil {
		return err
	}

	if !o.EntityType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, o.EntityType)
	}

	if o.EntityID == "" && o.OperationType != OperationCreate {
		return fmt.Errorf("entity ID is required for %s", o.OperationType)
	}

	if len(o.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}

	if o.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}

	switch o.Status {
	case StatusPending, StatusSyncing, StatusFailed:
	default:
		return fmt.Errorf("invalid status: %q", o.Status)
	}

	if o.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	return nil
}

// Clone returns a deep copy so callers can't mutate log-owned state.
func (o *SyncOperation) Clone() *SyncOperation {
	clone := *o
	if o.Payload != nil {
		clone.Payload = append([]byte(nil), o.Payload...)
	}
	return &clone
}

// IDs collects operation IDs preserving order.
func IDs(ops []*SyncOperation) []string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids
}

// Package payload encodes the versioned record snapshots carried by queued
// operations. Each entity type has its own struct; the stored form is an
// envelope {"type": ..., "data": {...}} so a payload can be checked against
// the entity type recorded on its operation.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/TheMichaelB/marksync/internal/models"
)

// Entity is implemented by every syncable record projection.
type Entity interface {
	EntityType() models.EntityType
	EntityID() string
	SetEntityID(id string)
	RecordVersion() int64
}

// Note is the synced projection of a note record.
type Note struct {
	ID       string   `json:"id,omitempty" validate:"max=128"`
	Title    string   `json:"title" validate:"max=512"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty" validate:"max=64,dive,max=64"`
	Favorite bool     `json:"favorite"`
	Archived bool     `json:"archived"`
	Version  int64    `json:"version" validate:"gte=0"`
}

// EntityType implements Entity.
func (n *Note) EntityType() models.EntityType { return models.EntityNote }

// EntityID implements Entity.
func (n *Note) EntityID() string { return n.ID }

// SetEntityID implements Entity.
func (n *Note) SetEntityID(id string) { n.ID = id }

// RecordVersion implements Entity.
func (n *Note) RecordVersion() int64 { return n.Version }

// Bookmark read states.
const (
	BookmarkUnread   = "unread"
	BookmarkRead     = "read"
	BookmarkArchived = "archived"
)

// Bookmark is the synced projection of a bookmark record.
type Bookmark struct {
	ID          string   `json:"id,omitempty" validate:"max=128"`
	URL         string   `json:"url,omitempty" validate:"omitempty,url,max=2048"`
	Title       string   `json:"title" validate:"max=512"`
	Description string   `json:"description,omitempty" validate:"max=4096"`
	Tags        []string `json:"tags,omitempty" validate:"max=64,dive,max=64"`
	Favorite    bool     `json:"favorite"`
	Status      string   `json:"status,omitempty" validate:"omitempty,oneof=unread read archived"`
	Version     int64    `json:"version" validate:"gte=0"`
}

// EntityType implements Entity.
func (b *Bookmark) EntityType() models.EntityType { return models.EntityBookmark }

// EntityID implements Entity.
func (b *Bookmark) EntityID() string { return b.ID }

// SetEntityID implements Entity.
func (b *Bookmark) SetEntityID(id string) { b.ID = id }

// RecordVersion implements Entity.
func (b *Bookmark) RecordVersion() int64 { return b.Version }

// envelope is the stored form of a payload.
type envelope struct {
	Type models.EntityType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New returns an empty entity of the given type.
func New(entityType models.EntityType) (Entity, error) {
	switch entityType {
	case models.EntityNote:
		return &Note{}, nil
	case models.EntityBookmark:
		return &Bookmark{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownEntityType, entityType)
	}
}

// Check validates an entity for the operation it will travel with.
func Check(op models.OperationType, e Entity) error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", models.ErrInvalidPayload)
	}

	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %s", models.ErrInvalidPayload, describe(err))
	}

	if op != models.OperationCreate && strings.TrimSpace(e.EntityID()) == "" {
		return fmt.Errorf("%w: %s %s requires an id", models.ErrInvalidPayload, op, e.EntityType())
	}

	if b, ok := e.(*Bookmark); ok && op != models.OperationDelete && b.URL == "" {
		return fmt.Errorf("%w: bookmark %s requires a url", models.ErrInvalidPayload, op)
	}

	return nil
}

// Encode normalizes, validates and serializes an entity. Normalization
// happens in place.
func Encode(op models.OperationType, e Entity) ([]byte, error) {
	if e != nil {
		normalize(e)
	}

	if err := Check(op, e); err != nil {
		return nil, err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EntityType(), err)
	}

	return json.Marshal(envelope{Type: e.EntityType(), Data: data})
}

// Decode parses a stored payload, insisting it matches the declared entity type.
func Decode(entityType models.EntityType, raw []byte) (Entity, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}

	if env.Type != entityType {
		return nil, fmt.Errorf("%w: payload is %q, operation is %q",
			models.ErrInvalidPayload, env.Type, entityType)
	}

	return DecodeFields(entityType, env.Data)
}

// DecodeFields parses a bare field object, e.g. a user-supplied JSON file.
func DecodeFields(entityType models.EntityType, raw []byte) (Entity, error) {
	e, err := New(entityType)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty %s data", models.ErrInvalidPayload, entityType)
	}

	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", models.ErrInvalidPayload, entityType, err)
	}

	return e, nil
}

func normalize(e Entity) {
	switch v := e.(type) {
	case *Note:
		v.Tags = NormalizeTags(v.Tags)
		v.Title = strings.TrimSpace(v.Title)
	case *Bookmark:
		v.Tags = NormalizeTags(v.Tags)
		v.Title = strings.TrimSpace(v.Title)
		v.URL = strings.TrimSpace(v.URL)
		if v.Status == "" {
			v.Status = BookmarkUnread
		}
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

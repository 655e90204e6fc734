package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/marksync/internal/models"
)

// Item is one operation as it travels in a batch request: the entity's
// fields flattened next to an "operation" key.
type Item struct {
	Operation models.OperationType
	Entity    Entity
}

// MarshalJSON flattens the entity fields into the item object.
func (i Item) MarshalJSON() ([]byte, error) {
	op, err := json.Marshal(i.Operation)
	if err != nil {
		return nil, err
	}

	if i.Entity == nil {
		return nil, fmt.Errorf("%w: item without entity", models.ErrInvalidPayload)
	}

	fields, err := json.Marshal(i.Entity)
	if err != nil {
		return nil, err
	}

	fields = bytes.TrimSpace(fields)
	if len(fields) < 2 || fields[0] != '{' {
		return nil, fmt.Errorf("%w: entity did not encode as an object", models.ErrInvalidPayload)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"operation":`)
	buf.Write(op)
	if inner := bytes.TrimSpace(fields[1 : len(fields)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeItem parses one batch item of the given entity type and checks it
// the same way Encode does.
func DecodeItem(entityType models.EntityType, raw []byte) (Item, error) {
	var head struct {
		Operation string `json:"operation"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Item{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}

	op, err := models.ParseOperationType(head.Operation)
	if err != nil {
		return Item{}, err
	}

	entity, err := DecodeFields(entityType, raw)
	if err != nil {
		return Item{}, err
	}

	if err := Check(op, entity); err != nil {
		return Item{}, err
	}

	return Item{Operation: op, Entity: entity}, nil
}

// Clone returns a deep copy of a note or bookmark.
func Clone(e Entity) Entity {
	switch v := e.(type) {
	case *Note:
		cp := *v
		cp.Tags = append([]string(nil), v.Tags...)
		return &cp
	case *Bookmark:
		cp := *v
		cp.Tags = append([]string(nil), v.Tags...)
		return &cp
	default:
		return e
	}
}

// Batch is the request body for one entity type's batch endpoint.
type Batch struct {
	EntityType models.EntityType `json:"-"`
	Items      []Item            `json:"operations"`

	// IDs holds the queued operation ID behind each item.
	IDs []string `json:"-"`
}

// Len returns the number of items in the batch.
func (b Batch) Len() int { return len(b.Items) }

// Rejected is an operation left out of a batch because its payload does
// not decode.
type Rejected struct {
	ID  string
	Err error
}

// BuildBatch decodes every operation's payload into a batch for one entity
// type. Operations whose payload does not decode are left out and returned
// as rejected; an operation of another entity type fails the whole batch.
func BuildBatch(entityType models.EntityType, ops []*models.SyncOperation) (Batch, []Rejected, error) {
	batch := Batch{
		EntityType: entityType,
		Items:      make([]Item, 0, len(ops)),
		IDs:        make([]string, 0, len(ops)),
	}
	var rejected []Rejected

	for _, op := range ops {
		if op.EntityType != entityType {
			return Batch{}, nil, fmt.Errorf("%w: operation %s is %s, batch is %s",
				models.ErrInvalidPayload, op.ID, op.EntityType, entityType)
		}

		entity, err := Decode(entityType, op.Payload)
		if err != nil {
			rejected = append(rejected, Rejected{ID: op.ID, Err: err})
			continue
		}

		batch.Items = append(batch.Items, Item{Operation: op.OperationType, Entity: entity})
		batch.IDs = append(batch.IDs, op.ID)
	}

	return batch, rejected, nil
}

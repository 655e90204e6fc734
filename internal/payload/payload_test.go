package payload_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/payload"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		op      models.OperationType
		entity  payload.Entity
		wantErr bool
	}{
		{
			name:   "note create without id",
			op:     models.OperationCreate,
			entity: &payload.Note{Title: "draft"},
		},
		{
			name:    "note update without id",
			op:      models.OperationUpdate,
			entity:  &payload.Note{Title: "draft"},
			wantErr: true,
		},
		{
			name:   "bookmark delete with id only",
			op:     models.OperationDelete,
			entity: &payload.Bookmark{ID: "b1"},
		},
		{
			name:    "bookmark create without url",
			op:      models.OperationCreate,
			entity:  &payload.Bookmark{Title: "x"},
			wantErr: true,
		},
		{
			name:    "bookmark bad url",
			op:      models.OperationCreate,
			entity:  &payload.Bookmark{URL: "not a url"},
			wantErr: true,
		},
		{
			name:    "bookmark bad status",
			op:      models.OperationUpdate,
			entity:  &payload.Bookmark{ID: "b1", URL: "https://example.com", Status: "lost"},
			wantErr: true,
		},
		{
			name:    "negative version",
			op:      models.OperationUpdate,
			entity:  &payload.Note{ID: "n1", Version: -1},
			wantErr: true,
		},
		{
			name:    "nil entity",
			op:      models.OperationCreate,
			entity:  nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := payload.Check(tt.op, tt.entity)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	note := &payload.Note{
		ID:      "n1",
		Title:   "  Groceries ",
		Content: "milk",
		Tags:    []string{"Home", "home", " ", "ERRANDS"},
		Version: 4,
	}

	raw, err := payload.Encode(models.OperationUpdate, note)
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, `"note"`, string(env["type"]))

	decoded, err := payload.Decode(models.EntityNote, raw)
	require.NoError(t, err)

	got, ok := decoded.(*payload.Note)
	require.True(t, ok)
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, "Groceries", got.Title)
	assert.Equal(t, []string{"home", "errands"}, got.Tags)
	assert.Equal(t, int64(4), got.RecordVersion())
}

func TestDecodeTypeMismatch(t *testing.T) {
	raw, err := payload.Encode(models.OperationCreate, &payload.Note{Title: "x"})
	require.NoError(t, err)

	_, err = payload.Decode(models.EntityBookmark, raw)
	assert.ErrorIs(t, err, models.ErrInvalidPayload)

	_, err = payload.Decode(models.EntityNote, []byte("{broken"))
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestBookmarkDefaultsStatus(t *testing.T) {
	raw, err := payload.Encode(models.OperationCreate, &payload.Bookmark{URL: " https://go.dev "})
	require.NoError(t, err)

	decoded, err := payload.Decode(models.EntityBookmark, raw)
	require.NoError(t, err)

	b := decoded.(*payload.Bookmark)
	assert.Equal(t, "https://go.dev", b.URL)
	assert.Equal(t, payload.BookmarkUnread, b.Status)
}

func TestNew(t *testing.T) {
	e, err := payload.New(models.EntityBookmark)
	require.NoError(t, err)
	assert.Equal(t, models.EntityBookmark, e.EntityType())

	_, err = payload.New("folder")
	assert.ErrorIs(t, err, models.ErrUnknownEntityType)
}

func TestNormalizeTags(t *testing.T) {
	assert.Nil(t, payload.NormalizeTags(nil))
	assert.Nil(t, payload.NormalizeTags([]string{"", "  "}))

	// Full case folding maps ß to ss.
	got := payload.NormalizeTags([]string{"Café", "café", "Straße", "STRASSE"})
	assert.Equal(t, []string{"café", "strasse"}, got)
}

func TestItemMarshal(t *testing.T) {
	item := payload.Item{
		Operation: models.OperationDelete,
		Entity:    &payload.Bookmark{ID: "b9"},
	}

	raw, err := json.Marshal(item)
	require.NoError(t, err)
	assert.JSONEq(t, `{"operation":"delete","id":"b9","title":"","favorite":false,"version":0}`, string(raw))
}

func TestBuildBatch(t *testing.T) {
	encode := func(e payload.Entity, op models.OperationType) *models.SyncOperation {
		raw, err := payload.Encode(op, e)
		require.NoError(t, err)
		return &models.SyncOperation{
			ID:            "op-" + e.EntityID(),
			OperationType: op,
			EntityType:    e.EntityType(),
			EntityID:      e.EntityID(),
			Payload:       raw,
			CreatedAt:     time.Now(),
			Status:        models.StatusPending,
		}
	}

	broken := encode(&payload.Note{ID: "c"}, models.OperationUpdate)
	broken.Payload = []byte(`{"type":"note","data":`)

	ops := []*models.SyncOperation{
		encode(&payload.Note{ID: "a", Title: "one"}, models.OperationUpdate),
		broken,
		encode(&payload.Note{ID: "b"}, models.OperationDelete),
	}

	batch, rejected, err := payload.BuildBatch(models.EntityNote, ops)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, []string{"op-a", "op-b"}, batch.IDs)
	require.Len(t, rejected, 1)
	assert.Equal(t, "op-c", rejected[0].ID)
	assert.Error(t, rejected[0].Err)

	raw, err := json.Marshal(batch)
	require.NoError(t, err)

	var body struct {
		Operations []map[string]any `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Operations, 2)
	assert.Equal(t, "update", body.Operations[0]["operation"])
	assert.Equal(t, "a", body.Operations[0]["id"])
	assert.Equal(t, "delete", body.Operations[1]["operation"])

	_, _, err = payload.BuildBatch(models.EntityBookmark, ops)
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

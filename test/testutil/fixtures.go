package testutil

import (
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/payload"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", io.Discard)
}

// SampleNote returns a valid note.
func SampleNote(id string) *payload.Note {
	return &payload.Note{
		ID:      id,
		Title:   "Meeting notes " + id,
		Content: "Discussed the quarterly roadmap.",
		Tags:    []string{"work", "Meetings"},
		Version: 1,
	}
}

// SampleBookmark returns a valid bookmark.
func SampleBookmark(id string) *payload.Bookmark {
	return &payload.Bookmark{
		ID:          id,
		URL:         "https://example.com/articles/" + id,
		Title:       "Article " + id,
		Description: "Saved for later",
		Tags:        []string{"reading"},
		Version:     1,
	}
}

// newOperation builds a pending operation with an encoded payload.
func newOperation(op models.OperationType, entity payload.Entity, createdAt time.Time) *models.SyncOperation {
	data, err := payload.Encode(op, entity)
	if err != nil {
		panic(fmt.Errorf("encode fixture: %w", err))
	}

	return &models.SyncOperation{
		ID:            uuid.NewString(),
		OperationType: op,
		EntityType:    entity.EntityType(),
		EntityID:      entity.EntityID(),
		Payload:       data,
		CreatedAt:     createdAt.UTC(),
		Status:        models.StatusPending,
	}
}

// GenerateOperations returns count update operations alternating between
// notes and bookmarks, one second apart.
func GenerateOperations(count int) []*models.SyncOperation {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ops := make([]*models.SyncOperation, 0, count)

	for i := 0; i < count; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			ops = append(ops, newOperation(models.OperationUpdate, SampleNote(fmt.Sprintf("n%d", i)), at))
		} else {
			ops = append(ops, newOperation(models.OperationUpdate, SampleBookmark(fmt.Sprintf("b%d", i)), at))
		}
	}

	return ops
}

// TestToken returns an HS256 JWT for email expiring at exp. The signature
// is never checked on the client side.
func TestToken(email string, exp time.Time) string {
	claims := jwt.MapClaims{
		"sub":   email,
		"email": email,
		"exp":   exp.Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		panic(fmt.Errorf("sign test token: %w", err))
	}
	return token
}

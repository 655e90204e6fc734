package models_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/marksync/internal/models"
)

func TestBatchError(t *testing.T) {
	tests := []struct {
		name string
		err  *models.BatchError
		want string
	}{
		{
			name: "network failure",
			err: &models.BatchError{
				EntityType: models.EntityNote,
				Phase:      models.PhaseSend,
				Count:      2,
				Err:        errors.New("connection refused"),
			},
			want: "batch note [send]: 2 operations: connection refused",
		},
		{
			name: "rejected by server",
			err: &models.BatchError{
				EntityType: models.EntityBookmark,
				Phase:      models.PhaseStatus,
				Count:      1,
				Err:        &models.APIError{StatusCode: 422, Code: models.ErrCodeRejected, Message: "bad url"},
			},
			want: "batch bookmark [status]: 1 operations: API error 422 (REJECTED): bad url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestBatchErrorStatusCode(t *testing.T) {
	withStatus := &models.BatchError{Err: fmt.Errorf("wrapped: %w", &models.APIError{StatusCode: 503})}
	assert.Equal(t, 503, withStatus.StatusCode())

	without := &models.BatchError{Err: errors.New("dial tcp: timeout")}
	assert.Equal(t, 0, without.StatusCode())
}

func TestBatchErrorUnwrap(t *testing.T) {
	err := &models.BatchError{Phase: models.PhaseAuth, Err: models.ErrNotAuthenticated}

	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	var apiErr *models.APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestAPIError(t *testing.T) {
	err := &models.APIError{
		Code:       "UNAUTHORIZED",
		Message:    "Invalid token",
		StatusCode: 401,
		RequestID:  "req-123",
	}
	assert.Equal(t, "API error 401 (UNAUTHORIZED): Invalid token", err.Error())

	bare := &models.APIError{StatusCode: 500, Message: "boom"}
	assert.Equal(t, "API error 500: boom", bare.Error())
}

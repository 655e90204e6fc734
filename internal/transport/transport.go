// Package transport submits batches of queued operations to the remote
// service. It never retries; retry policy belongs to the sync coordinator.
package transport

import (
	"context"

	"github.com/TheMichaelB/marksync/internal/payload"
)

// BatchTransport sends one entity type's batch in one request.
type BatchTransport interface {
	Send(ctx context.Context, token string, batch payload.Batch) error
}

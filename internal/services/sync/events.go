package sync

import (
	"time"

	"github.com/TheMichaelB/marksync/internal/models"
)

// EventType defines coordinator event types.
type EventType string

const (
	EventEnqueued         EventType = "enqueued"
	EventFlushStarted     EventType = "flush_started"
	EventPartitionSynced  EventType = "partition_synced"
	EventPartitionFailed  EventType = "partition_failed"
	EventOperationDropped EventType = "operation_dropped"
	EventFlushCompleted   EventType = "flush_completed"
	EventFlushSkipped     EventType = "flush_skipped"
)

// Event represents something the coordinator did.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	FlushID     string
	EntityType  models.EntityType
	OperationID string
	Count       int
	Reason      string
	Error       error
	Result      *FlushResult
}

const eventBuffer = 100

func (c *Coordinator) emitEvent(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}

	select {
	case c.events <- event:
	default:
		// Channel full, drop event
		c.logger.WithField("event", event.Type).Debug("Event channel full, dropping event")
	}
}

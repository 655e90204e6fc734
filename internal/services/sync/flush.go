package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/oplog"
	"github.com/TheMichaelB/marksync/internal/payload"
)

// partitionResult is the outcome of one entity type within a flush.
type partitionResult struct {
	attempted bool
	succeeded bool
	deferred  bool
	sent      int
	dropped   int
	err       error
}

// flush runs with the single-flight flag held.
func (c *Coordinator) flush(ctx context.Context) (*FlushResult, error) {
	result := &FlushResult{FlushID: uuid.NewString()}
	ctx = events.WithFlushID(events.WithLogger(ctx, c.logger), result.FlushID)
	logger := events.FromContext(ctx)

	c.emitEvent(Event{Type: EventFlushStarted, FlushID: result.FlushID})

	ops, err := c.log.FetchActionable(ctx)
	if corrupt := oplog.CorruptIDs(err); len(corrupt) > 0 {
		result.Dropped += c.drop(ctx, logger, result.FlushID, "", corrupt, "stored payload is corrupt")
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch actionable operations: %w", err)
	}

	if len(ops) == 0 {
		logger.Debug("Nothing to flush")
		c.finish(ctx, result)
		return result, nil
	}

	parts := oplog.PartitionOps(ops)
	result.Partitions = len(parts)

	logger.WithFields(map[string]interface{}{
		"operations": len(ops),
		"partitions": len(parts),
	}).Info("Flushing operations")

	outcomes := make([]partitionResult, len(parts))
	p := pool.New().WithMaxGoroutines(c.opts.MaxConcurrent)
	for i, part := range parts {
		i, part := i, part
		p.Go(func() {
			outcomes[i] = c.flushPartition(ctx, logger, result.FlushID, part)
		})
	}
	p.Wait()

	var lastErr error
	for _, o := range outcomes {
		result.Sent += o.sent
		result.Dropped += o.dropped
		switch {
		case o.deferred:
			result.Deferred++
		case o.succeeded:
			result.Attempted++
			result.Succeeded++
		case o.attempted:
			result.Attempted++
			result.Failed++
		}
		if o.err != nil {
			lastErr = o.err
		}
	}

	c.mu.Lock()
	if result.Attempted > 0 {
		c.lastSync = c.now()
	}
	if result.Succeeded > 0 {
		c.lastErr = ""
	} else if lastErr != nil {
		c.lastErr = lastErr.Error()
	}
	result.LastError = c.lastErr
	if result.Attempted > 0 {
		c.saveStatus()
	}
	c.mu.Unlock()

	c.finish(ctx, result)

	logger.WithFields(map[string]interface{}{
		"sent":      result.Sent,
		"failed":    result.Failed,
		"deferred":  result.Deferred,
		"dropped":   result.Dropped,
		"attempted": result.Attempted,
	}).Info("Flush completed")

	return result, nil
}

func (c *Coordinator) finish(ctx context.Context, result *FlushResult) {
	c.refreshPending(ctx)
	c.emitEvent(Event{Type: EventFlushCompleted, FlushID: result.FlushID, Result: result})
}

func (c *Coordinator) flushPartition(
	ctx context.Context,
	logger *events.Logger,
	flushID string,
	part oplog.Partition,
) partitionResult {
	logger = logger.WithFields(map[string]interface{}{
		"entity_type": part.EntityType,
		"count":       len(part.Ops),
	})

	var token string
	var ok bool
	if c.tokens != nil {
		token, ok = c.tokens.Token(ctx)
	}
	if !ok {
		logger.Info("No auth token, leaving partition pending")
		return partitionResult{deferred: true}
	}

	if err := c.log.MarkSyncing(ctx, part.IDs()); err != nil {
		logger.WithError(err).Error("Failed to mark partition syncing")
		return partitionResult{err: err}
	}

	var res partitionResult

	batch, rejected, err := payload.BuildBatch(part.EntityType, part.Ops)
	if err != nil {
		logger.WithError(err).Error("Failed to build batch")
		if err := c.log.MarkFailed(ctx, part.IDs(), err.Error()); err != nil {
			logger.WithError(err).Error("Failed to mark operations failed")
		}
		return partitionResult{err: err}
	}

	if len(rejected) > 0 {
		undecodable := make([]string, 0, len(rejected))
		for _, r := range rejected {
			logger.WithError(r.Err).WithField("operation_id", r.ID).Warn("Undecodable payload")
			undecodable = append(undecodable, r.ID)
		}
		res.dropped += c.drop(ctx, logger, flushID, part.EntityType, undecodable, "payload cannot be decoded")
	}

	sent := batch.IDs
	if len(sent) == 0 {
		return res
	}

	res.attempted = true
	sendErr := c.transport.Send(ctx, token, batch)

	if sendErr == nil {
		if err := c.log.Remove(ctx, sent); err != nil {
			// Accepted but still queued; keep them visible to later flushes.
			logger.WithError(err).Error("Failed to remove synced operations")
			if err := c.log.MarkFailed(ctx, sent, "remove after sync: "+err.Error()); err != nil {
				logger.WithError(err).Error("Failed to release synced operations")
			}
		}
		res.succeeded = true
		res.sent = len(sent)

		logger.Info("Partition synced")
		c.emitEvent(Event{
			Type:       EventPartitionSynced,
			FlushID:    flushID,
			EntityType: part.EntityType,
			Count:      len(sent),
		})
		return res
	}

	res.err = sendErr
	logger.WithError(sendErr).Warn("Partition failed")

	counts, err := c.log.IncrementRetry(ctx, sent)
	if err != nil {
		logger.WithError(err).Error("Failed to increment retry counts")
	}

	var exhausted, retryable []string
	for _, id := range sent {
		if n, ok := counts[id]; ok && n >= c.opts.MaxRetries {
			exhausted = append(exhausted, id)
		} else {
			retryable = append(retryable, id)
		}
	}

	if len(exhausted) > 0 {
		res.dropped += c.drop(ctx, logger, flushID, part.EntityType, exhausted,
			fmt.Sprintf("retry limit %d reached: %v", c.opts.MaxRetries, sendErr))
	}

	if err := c.log.MarkFailed(ctx, retryable, sendErr.Error()); err != nil {
		logger.WithError(err).Error("Failed to mark operations failed, next claim returns them to pending")
	}

	c.emitEvent(Event{
		Type:       EventPartitionFailed,
		FlushID:    flushID,
		EntityType: part.EntityType,
		Count:      len(sent),
		Error:      sendErr,
	})

	return res
}

// drop removes operations that will never be retried and reports each one.
func (c *Coordinator) drop(
	ctx context.Context,
	logger *events.Logger,
	flushID string,
	entityType models.EntityType,
	ids []string,
	reason string,
) int {
	if err := c.log.Remove(ctx, ids); err != nil {
		logger.WithError(err).Error("Failed to drop operations")
		return 0
	}

	for _, id := range ids {
		logger.WithFields(map[string]interface{}{
			"operation_id": id,
			"reason":       reason,
		}).Warn("Dropped operation")

		c.emitEvent(Event{
			Type:        EventOperationDropped,
			FlushID:     flushID,
			EntityType:  entityType,
			OperationID: id,
			Count:       1,
			Reason:      reason,
			Error:       errors.New(reason),
		})
	}

	return len(ids)
}

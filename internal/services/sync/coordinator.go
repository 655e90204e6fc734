// Package sync drains the operation log to the remote service.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/marksync/internal/connectivity"
	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/oplog"
	"github.com/TheMichaelB/marksync/internal/payload"
	"github.com/TheMichaelB/marksync/internal/services/auth"
	"github.com/TheMichaelB/marksync/internal/state"
	"github.com/TheMichaelB/marksync/internal/transport"
)

// DefaultMaxRetries is the number of failed attempts after which an
// operation is dropped.
const DefaultMaxRetries = 3

// Connectivity is the part of connectivity.Monitor the coordinator uses.
type Connectivity interface {
	Current() connectivity.State
	Subscribe() (<-chan connectivity.Transition, func())
}

// Options configures a Coordinator.
type Options struct {
	MaxRetries    int
	MaxConcurrent int

	// DisableAutoFlush stops Enqueue from triggering a background flush.
	DisableAutoFlush bool

	// Strict turns configuration errors into panics. Meant for development.
	Strict bool

	// State persists last sync time and last error across restarts.
	State state.Store

	Now func() time.Time
}

// Status is a snapshot of the coordinator's observable state.
type Status struct {
	PendingCount int                    `json:"pending_count" yaml:"pending_count"`
	LastSyncTime *time.Time             `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
	LastError    string                 `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Flushing     bool                   `json:"flushing" yaml:"flushing"`
	Connected    bool                   `json:"connected" yaml:"connected"`
	Transport    connectivity.Transport `json:"transport,omitempty" yaml:"transport,omitempty"`
}

// FlushResult summarizes one flush.
type FlushResult struct {
	FlushID    string `json:"flush_id,omitempty"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	Partitions int    `json:"partitions"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Deferred   int    `json:"deferred"`
	Sent       int    `json:"sent"`
	Dropped    int    `json:"dropped"`
	LastError  string `json:"last_error,omitempty"`
}

// Skip reasons.
const (
	SkipOffline    = "offline"
	SkipInProgress = "in_progress"
	SkipClaimed    = "claimed"
)

// Coordinator decides when to flush, pushes partitions through the
// transport and applies outcomes back onto the log.
type Coordinator struct {
	log       oplog.Log
	transport transport.BatchTransport
	tokens    auth.TokenSource
	conn      Connectivity
	opts      Options
	logger    *events.Logger

	flushing atomic.Bool
	bg       sync.WaitGroup
	events   chan Event

	// Cached status
	countMu  sync.Mutex
	mu       sync.RWMutex
	pending  int
	lastSync time.Time
	lastErr  string

	// Connectivity subscription
	runMu       sync.Mutex
	unsubscribe func()
	loopDone    chan struct{}
}

// NewCoordinator creates a coordinator. log may be nil, in which case every
// operation reports models.ErrLogNotConfigured. conn may be nil, in which
// case the remote is assumed reachable.
func NewCoordinator(
	log oplog.Log,
	tr transport.BatchTransport,
	tokens auth.TokenSource,
	conn Connectivity,
	opts Options,
	logger *events.Logger,
) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		log:       log,
		transport: tr,
		tokens:    tokens,
		conn:      conn,
		opts:      opts,
		logger:    logger.WithField("component", "sync_coordinator"),
		events:    make(chan Event, eventBuffer),
	}

	if log != nil {
		c.refreshPending(context.Background())
	}
	c.loadStatus()

	return c
}

func (c *Coordinator) loadStatus() {
	if c.opts.State == nil {
		return
	}

	status, err := c.opts.State.Load()
	if err != nil {
		if !errors.Is(err, state.ErrStateNotFound) {
			c.logger.WithError(err).Warn("Failed to load sync status")
		}
		return
	}

	c.mu.Lock()
	c.lastSync = status.LastSyncTime
	c.lastErr = status.LastError
	c.mu.Unlock()
}

// saveStatus persists the status; callers hold c.mu.
func (c *Coordinator) saveStatus() {
	if c.opts.State == nil {
		return
	}

	status := &models.SyncStatus{LastSyncTime: c.lastSync, LastError: c.lastErr}
	if err := c.opts.State.Save(status); err != nil {
		c.logger.WithError(err).Warn("Failed to save sync status")
	}
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now()
}

// checkLog reports a missing log, loudly in strict mode.
func (c *Coordinator) checkLog() error {
	if c.log != nil {
		return nil
	}
	if c.opts.Strict {
		panic(models.ErrLogNotConfigured)
	}
	c.logger.Warn("Operation log not configured")
	return models.ErrLogNotConfigured
}

// Events returns the event channel.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Enqueue durably records one mutation. If the remote is reachable a flush
// starts in the background; its outcome never reaches the caller.
func (c *Coordinator) Enqueue(
	ctx context.Context,
	opType models.OperationType,
	entityType models.EntityType,
	entityID string,
	entity payload.Entity,
) (*models.SyncOperation, error) {
	if err := c.checkLog(); err != nil {
		return nil, err
	}

	if _, err := models.ParseOperationType(string(opType)); err != nil {
		return nil, err
	}
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownEntityType, entityType)
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: nil entity", models.ErrInvalidPayload)
	}
	if entity.EntityType() != entityType {
		return nil, fmt.Errorf("%w: %s payload for %s operation",
			models.ErrInvalidPayload, entity.EntityType(), entityType)
	}

	switch {
	case entityID == "":
		entityID = entity.EntityID()
	case entity.EntityID() == "":
		entity.SetEntityID(entityID)
	case entity.EntityID() != entityID:
		return nil, fmt.Errorf("%w: entity id %q does not match %q",
			models.ErrInvalidPayload, entity.EntityID(), entityID)
	}

	data, err := payload.Encode(opType, entity)
	if err != nil {
		return nil, err
	}

	op := &models.SyncOperation{
		ID:            uuid.NewString(),
		OperationType: opType,
		EntityType:    entityType,
		EntityID:      entityID,
		Payload:       data,
		CreatedAt:     c.now().UTC(),
		Status:        models.StatusPending,
	}

	if err := c.log.Append(ctx, op); err != nil {
		return nil, fmt.Errorf("append operation: %w", err)
	}

	c.refreshPending(ctx)

	c.logger.WithFields(map[string]interface{}{
		"operation_id": op.ID,
		"operation":    op.OperationType,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
	}).Debug("Enqueued operation")

	c.emitEvent(Event{
		Type:        EventEnqueued,
		EntityType:  op.EntityType,
		OperationID: op.ID,
		Count:       1,
	})

	if !c.opts.DisableAutoFlush && c.connected() {
		c.flushInBackground()
	}

	return op.Clone(), nil
}

// Flush drains actionable operations once. It returns at once, with
// Skipped set, when offline or when another flush is running in this or
// another process.
func (c *Coordinator) Flush(ctx context.Context) (*FlushResult, error) {
	if err := c.checkLog(); err != nil {
		return nil, err
	}

	if !c.connected() {
		return c.skip(SkipOffline), nil
	}

	if !c.flushing.CompareAndSwap(false, true) {
		return c.skip(SkipInProgress), nil
	}
	defer c.flushing.Store(false)

	// Another process sharing the log may be flushing.
	release, ok, err := c.log.Claim(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim operation log: %w", err)
	}
	if !ok {
		return c.skip(SkipClaimed), nil
	}
	defer release()

	return c.flush(ctx)
}

func (c *Coordinator) skip(reason string) *FlushResult {
	c.logger.WithField("reason", reason).Debug("Flush skipped")
	result := &FlushResult{Skipped: true, SkipReason: reason}
	c.emitEvent(Event{Type: EventFlushSkipped, Reason: reason, Result: result})
	return result
}

// RetryFailed returns failed operations to pending and flushes. The retry
// counter is not touched here; it is charged when an attempt fails, so an
// operation gets MaxRetries failed attempts in total.
func (c *Coordinator) RetryFailed(ctx context.Context) (*FlushResult, error) {
	if err := c.checkLog(); err != nil {
		return nil, err
	}

	n, err := c.log.ResetFailed(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset failed operations: %w", err)
	}

	c.logger.WithField("count", n).Info("Retrying failed operations")
	c.refreshPending(ctx)

	return c.Flush(ctx)
}

// ClearAll drops every queued operation.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	if err := c.checkLog(); err != nil {
		return err
	}

	if err := c.log.Clear(ctx); err != nil {
		return fmt.Errorf("clear log: %w", err)
	}

	c.mu.Lock()
	c.lastErr = ""
	c.saveStatus()
	c.mu.Unlock()

	c.refreshPending(ctx)
	c.logger.Info("Cleared all queued operations")
	return nil
}

// PendingOperationsCount returns the number of queued operations.
func (c *Coordinator) PendingOperationsCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// LastSyncTime returns when a flush last attempted a partition.
func (c *Coordinator) LastSyncTime() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync, !c.lastSync.IsZero()
}

// LastSyncError returns the most recent flush error, cleared by any success.
func (c *Coordinator) LastSyncError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Status returns a snapshot of the coordinator's state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	s := Status{
		PendingCount: c.pending,
		LastError:    c.lastErr,
		Flushing:     c.flushing.Load(),
	}
	if !c.lastSync.IsZero() {
		t := c.lastSync
		s.LastSyncTime = &t
	}
	c.mu.RUnlock()

	if c.conn != nil {
		state := c.conn.Current()
		s.Connected = state.Connected
		s.Transport = state.Transport
	} else {
		s.Connected = true
	}

	return s
}

// Start flushes on every disconnected to connected edge until Stop. If the
// remote is already reachable a flush starts right away. Start is idempotent.
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.unsubscribe != nil || c.conn == nil {
		return
	}

	transitions, unsubscribe := c.conn.Subscribe()
	c.unsubscribe = unsubscribe
	c.loopDone = make(chan struct{})

	go c.watch(ctx, transitions, c.loopDone)

	if c.log != nil && c.connected() {
		c.flushInBackground()
	}

	c.logger.Debug("Coordinator started")
}

func (c *Coordinator) watch(ctx context.Context, transitions <-chan connectivity.Transition, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			if t.CameOnline() {
				c.logger.WithField("transport", t.Current.Transport).Info("Back online, flushing")
				c.flushInBackground()
			}
		}
	}
}

// Stop ends the connectivity subscription and waits for background flushes.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	unsubscribe, done := c.unsubscribe, c.loopDone
	c.unsubscribe, c.loopDone = nil, nil
	c.runMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		<-done
	}

	c.Wait()
}

// Wait blocks until background flushes have finished.
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

// flushInBackground runs a flush detached from any caller's context.
func (c *Coordinator) flushInBackground() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if _, err := c.Flush(context.Background()); err != nil {
			c.logger.WithError(err).Error("Background flush failed")
		}
	}()
}

func (c *Coordinator) connected() bool {
	if c.conn == nil {
		return true
	}
	return c.conn.Current().Connected
}

// refreshPending holds countMu across the read and the store so a slow
// refresh cannot overwrite a newer count.
func (c *Coordinator) refreshPending(ctx context.Context) {
	c.countMu.Lock()
	defer c.countMu.Unlock()

	n, err := c.log.PendingCount(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to count pending operations")
		return
	}

	c.mu.Lock()
	c.pending = n
	c.mu.Unlock()
}

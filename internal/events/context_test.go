package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/marksync/internal/events"
)

func TestFromContextDefault(t *testing.T) {
	logger := events.FromContext(context.Background())
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	logger := events.Discard()

	ctx := events.WithLogger(context.Background(), logger)

	assert.Same(t, logger, events.FromContext(ctx))
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithRequestID(ctx, "req-123")

	assert.Equal(t, "req-123", events.GetRequestID(ctx))
	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestWithFlushID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithFlushID(ctx, "flush-1")

	assert.Equal(t, "flush-1", events.GetFlushID(ctx))
	events.FromContext(ctx).Info("flushing")
	assert.Contains(t, buf.String(), `"flush_id":"flush-1"`)
}

func TestGetIDsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetRequestID(ctx))
	assert.Empty(t, events.GetFlushID(ctx))
}

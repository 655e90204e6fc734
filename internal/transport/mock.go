package transport

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/payload"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Error injection
	SendError  error
	Errors     map[models.EntityType]error
	failCounts map[models.EntityType]int

	// Request tracking
	Calls []SendCall

	// Concurrency control
	Delay    time.Duration
	gate     chan struct{}
	inFlight int
	peak     int
}

// SendCall tracks one Send.
type SendCall struct {
	Token string
	Batch payload.Batch
}

// NewMockTransport creates a mock transport that accepts everything.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Errors:     make(map[models.EntityType]error),
		failCounts: make(map[models.EntityType]int),
	}
}

// Send records the call and returns the configured outcome.
func (m *MockTransport) Send(ctx context.Context, token string, batch payload.Batch) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, SendCall{Token: token, Batch: batch})
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	gate, delay := m.gate, m.Delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.failCounts[batch.EntityType]; n > 0 {
		m.failCounts[batch.EntityType] = n - 1
		return m.errorFor(batch, &models.APIError{StatusCode: 503, Code: models.ErrCodeServerError, Message: "injected failure"})
	}

	if err := m.Errors[batch.EntityType]; err != nil {
		return m.errorFor(batch, err)
	}

	if m.SendError != nil {
		return m.errorFor(batch, m.SendError)
	}

	return nil
}

func (m *MockTransport) errorFor(batch payload.Batch, err error) error {
	return &models.BatchError{
		EntityType: batch.EntityType,
		Phase:      models.PhaseStatus,
		Count:      batch.Len(),
		Err:        err,
	}
}

// FailWith makes every batch of entityType fail with err. A nil err clears it.
func (m *MockTransport) FailWith(entityType models.EntityType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[entityType] = err
}

// FailNext makes the next n batches of entityType fail.
func (m *MockTransport) FailNext(entityType models.EntityType, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCounts[entityType] = n
}

// Hold makes Send block until the returned release function is called.
func (m *MockTransport) Hold() (release func()) {
	gate := make(chan struct{})

	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.gate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// CallCount returns the total number of Send calls.
func (m *MockTransport) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CallsFor returns the recorded calls for one entity type.
func (m *MockTransport) CallsFor(entityType models.EntityType) []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []SendCall
	for _, c := range m.Calls {
		if c.Batch.EntityType == entityType {
			calls = append(calls, c)
		}
	}
	return calls
}

// PeakConcurrency reports the most Sends that were in flight at once.
func (m *MockTransport) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Reset clears recorded calls and injected errors.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.SendError = nil
	m.Errors = make(map[models.EntityType]error)
	m.failCounts = make(map[models.EntityType]int)
	m.peak = 0
}

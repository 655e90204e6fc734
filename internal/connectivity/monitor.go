// Package connectivity tracks whether the remote service is reachable and
// over what kind of link, and tells subscribers when that changes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/marksync/internal/events"
)

// Transport is the kind of network link in use.
type Transport string

const (
	TransportWiFi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportWired    Transport = "wired"
	TransportUnknown  Transport = "unknown"
)

// State is a point-in-time connectivity reading.
type State struct {
	Connected bool      `json:"connected"`
	Transport Transport `json:"transport"`
	Expensive bool      `json:"expensive"`
	CheckedAt time.Time `json:"checked_at"`
}

// Differs reports whether moving from s to next is an edge worth publishing.
// Link changes only count while connected.
func (s State) Differs(next State) bool {
	if s.Connected != next.Connected {
		return true
	}
	if !next.Connected {
		return false
	}
	return s.Transport != next.Transport || s.Expensive != next.Expensive
}

// Transition is published once per connectivity edge.
type Transition struct {
	Previous State
	Current  State
}

// CameOnline reports a disconnected to connected edge.
func (t Transition) CameOnline() bool {
	return !t.Previous.Connected && t.Current.Connected
}

// Prober answers whether the remote is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Options configures a Monitor.
type Options struct {
	PollInterval time.Duration
	ProbeTimeout time.Duration
	Metered      bool
	Classify     func() Transport // defaults to InterfaceTransport
}

const subscriberBuffer = 8

// Monitor polls a Prober and publishes edges to subscribers. A Monitor with
// a nil prober only changes state through Set.
type Monitor struct {
	prober Prober
	opts   Options
	logger *events.Logger

	mu      sync.Mutex
	current State
	subs    map[int]chan Transition
	nextSub int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a monitor. It starts disconnected.
func NewMonitor(prober Prober, opts Options, logger *events.Logger) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.Classify == nil {
		opts.Classify = InterfaceTransport
	}

	return &Monitor{
		prober:  prober,
		opts:    opts,
		logger:  logger.WithField("component", "connectivity"),
		current: State{Transport: TransportUnknown},
		subs:    make(map[int]chan Transition),
	}
}

// Current returns the latest state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe returns a channel of transitions and a function that ends the
// subscription. A subscriber that falls behind misses transitions.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Start begins background polling. Calling Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil || m.prober == nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.pollLoop(ctx, m.done)

	m.logger.WithField("interval", m.opts.PollInterval.String()).Debug("Connectivity monitor started")
}

// Stop ends background polling and waits for the poll loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	m.logger.Debug("Connectivity monitor stopped")
}

func (m *Monitor) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		m.Check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check probes once and applies the result. Without a prober it returns the
// current state unchanged.
func (m *Monitor) Check(ctx context.Context) State {
	if m.prober == nil {
		return m.Current()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	connected := m.prober.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return m.Current()
	}

	next := State{Connected: connected, Transport: TransportUnknown}
	if connected {
		next.Transport = m.opts.Classify()
		next.Expensive = next.Transport == TransportCellular || m.opts.Metered
	}

	m.Set(next)
	return m.Current()
}

// Set records an externally observed state and publishes it if it is an edge.
func (m *Monitor) Set(next State) {
	if next.CheckedAt.IsZero() {
		next.CheckedAt = time.Now()
	}
	if next.Transport == "" {
		next.Transport = TransportUnknown
	}

	m.mu.Lock()
	prev := m.current
	m.current = next

	if !prev.Differs(next) {
		m.mu.Unlock()
		return
	}

	t := Transition{Previous: prev, Current: next}
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			m.logger.Warn("Dropped connectivity transition for slow subscriber")
		}
	}
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"connected": next.Connected,
		"transport": next.Transport,
		"expensive": next.Expensive,
	}).Info("Connectivity changed")
}

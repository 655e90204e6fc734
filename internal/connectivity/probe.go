package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/marksync/internal/events"
)

// HTTPProber treats any HTTP response from the health endpoint as reachable.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber probes baseURL+healthPath with HEAD requests.
func NewHTTPProber(baseURL, healthPath string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		url:    strings.TrimRight(baseURL, "/") + healthPath,
		client: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

// PresenceProber holds a websocket open to the presence endpoint. The remote
// is reachable while the socket answers pings.
type PresenceProber struct {
	url         string
	header      http.Header
	dialer      websocket.Dialer
	pongTimeout time.Duration
	logger      *events.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	pongs chan struct{}
}

// NewPresenceProber dials baseURL+presencePath, switching http(s) to ws(s).
func NewPresenceProber(baseURL, presencePath string, timeout time.Duration, logger *events.Logger) *PresenceProber {
	wsURL := strings.TrimRight(baseURL, "/") + presencePath
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}

	return &PresenceProber{
		url:         wsURL,
		header:      http.Header{},
		dialer:      websocket.Dialer{HandshakeTimeout: timeout},
		pongTimeout: timeout,
		logger:      logger.WithField("component", "presence_prober"),
	}
}

// Probe implements Prober. A dropped socket is redialed on the next probe.
func (p *PresenceProber) Probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.connect(ctx); err != nil {
			p.logger.WithError(err).Debug("Presence dial failed")
			return false
		}
		return true
	}

	// Drop a stale pong from an earlier probe.
	select {
	case <-p.pongs:
	default:
	}

	deadline := time.Now().Add(p.pongTimeout)
	if err := p.conn.WriteControl(websocket.PingMessage, []byte("marksync"), deadline); err != nil {
		p.logger.WithError(err).Debug("Presence ping failed")
		p.closeLocked()
		return false
	}

	timer := time.NewTimer(p.pongTimeout)
	defer timer.Stop()

	select {
	case _, ok := <-p.pongs:
		if !ok {
			p.closeLocked()
			return false
		}
		return true
	case <-timer.C:
		p.logger.Debug("Presence pong timed out")
		p.closeLocked()
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *PresenceProber) connect(ctx context.Context) error {
	conn, resp, err := p.dialer.DialContext(ctx, p.url, p.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("presence connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("presence connect failed: %w", err)
	}

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	p.conn = conn
	p.pongs = pongs

	go readLoop(conn, pongs)

	p.logger.WithField("url", p.url).Debug("Presence socket connected")
	return nil
}

// readLoop keeps control frames flowing; pong handlers only run during reads.
func readLoop(conn *websocket.Conn, pongs chan struct{}) {
	defer close(pongs)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *PresenceProber) closeLocked() {
	if p.conn == nil {
		return
	}
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = p.conn.Close()
	p.conn = nil
	p.pongs = nil
}

// Close closes the presence socket.
func (p *PresenceProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

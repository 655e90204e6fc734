package connectivity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/marksync/internal/connectivity"
	"github.com/TheMichaelB/marksync/internal/events"
)

func TestClassifyInterface(t *testing.T) {
	tests := []struct {
		name string
		want connectivity.Transport
	}{
		{"wlan0", connectivity.TransportWiFi},
		{"wlp3s0", connectivity.TransportWiFi},
		{"wwan0", connectivity.TransportCellular},
		{"rmnet_data0", connectivity.TransportCellular},
		{"ppp0", connectivity.TransportCellular},
		{"eth0", connectivity.TransportWired},
		{"enp0s31f6", connectivity.TransportWired},
		{"en0", connectivity.TransportWired},
		{"docker0", connectivity.TransportUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, connectivity.ClassifyInterface(tt.name))
		})
	}
}

func TestClassifyInterfacesPrefersWired(t *testing.T) {
	assert.Equal(t, connectivity.TransportWired,
		connectivity.ClassifyInterfaces([]string{"wwan0", "wlan0", "eth0"}))
	assert.Equal(t, connectivity.TransportWiFi,
		connectivity.ClassifyInterfaces([]string{"rmnet0", "wlan0"}))
	assert.Equal(t, connectivity.TransportUnknown,
		connectivity.ClassifyInterfaces(nil))
}

func TestHTTPProber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	prober := connectivity.NewHTTPProber(server.URL, "/healthz", time.Second)
	assert.True(t, prober.Probe(context.Background()), "any response means reachable")

	server.Close()
	assert.False(t, prober.Probe(context.Background()))
}

func presenceServer(t *testing.T, read bool) *httptest.Server {
	upgrader := websocket.Upgrader{}
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if !read {
			select {
			case <-stop:
			case <-time.After(5 * time.Second):
			}
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestPresenceProber(t *testing.T) {
	server := presenceServer(t, true)
	defer server.Close()

	prober := connectivity.NewPresenceProber(server.URL, "/presence", time.Second, events.Discard())
	defer prober.Close()

	ctx := context.Background()
	require.True(t, prober.Probe(ctx), "dial succeeds")
	assert.True(t, prober.Probe(ctx), "ping answered")
	assert.True(t, prober.Probe(ctx))
}

func TestPresenceProberPongTimeout(t *testing.T) {
	server := presenceServer(t, false)
	defer server.Close()

	prober := connectivity.NewPresenceProber(server.URL, "/presence", 100*time.Millisecond, events.Discard())
	defer prober.Close()

	ctx := context.Background()
	require.True(t, prober.Probe(ctx))
	assert.False(t, prober.Probe(ctx), "unanswered ping means unreachable")
}

func TestPresenceProberUnreachable(t *testing.T) {
	server := presenceServer(t, true)
	url := server.URL
	server.Close()

	prober := connectivity.NewPresenceProber(url, "/presence", 200*time.Millisecond, events.Discard())
	assert.False(t, prober.Probe(context.Background()))
}

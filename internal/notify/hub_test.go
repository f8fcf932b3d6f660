package notify

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "user-1")
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func liveClient(t *testing.T, hub *Hub, userID string) *client {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Connected(userID) },
		time.Second, 10*time.Millisecond)
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.clients[userID]
}

func TestHubPushDelivers(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	liveClient(t, hub, "user-1")

	hub.Push("user-1", map[string]string{"title": "Permit approved"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "Permit approved")
}

func TestHubReplacesConnection(t *testing.T) {
	hub, url := newTestHub(t)

	old := dial(t, url)
	first := liveClient(t, hub, "user-1")

	fresh := dial(t, url)
	require.Eventually(t, func() bool {
		return liveClient(t, hub, "user-1") != first
	}, time.Second, 10*time.Millisecond)

	// The replaced connection is torn down.
	require.NoError(t, old.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := old.ReadMessage()
	require.Error(t, err)

	// Pushes reach the replacement.
	hub.Push("user-1", map[string]string{"title": "still here"})
	require.NoError(t, fresh.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := fresh.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "still here")
}

func TestClientCloseConcurrent(t *testing.T) {
	hub, url := newTestHub(t)
	dial(t, url)
	c := liveClient(t, hub, "user-1")

	// A reconnect races the dying connection's own unregister against the
	// replace path; both call close on the same client. Any panic here
	// fails the test.
	const racers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c.close()
		}()
	}
	close(start)
	wg.Wait()

	select {
	case <-c.done:
	default:
		t.Fatal("done channel not closed")
	}
}

package relay

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/carrier/internal/model"
)

// serverConn returns the relay side of a live WebSocket. The client side
// never reads.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil
	}
}

func confirmed(t *testing.T, key, owner string) model.Message {
	t.Helper()
	m := draft(t, key, owner, 0)
	at := m.ClientCreatedAt.Add(time.Second)
	m.ID = model.ServerID("srv-" + key)
	m.Status = model.StatusConfirmed
	m.ServerCreatedAt = &at
	return m
}

func TestHub_BroadcastDeliversInBackground(t *testing.T) {
	m := newMetrics()
	h := newHub(slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	sub := h.add("alice", serverConn(t))
	defer h.remove(sub)

	h.broadcast(confirmed(t, "m1", "alice"))
	h.broadcast(confirmed(t, "m2", "bob"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.broadcasts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.count())
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := newHub(slog.New(slog.NewTextHandler(io.Discard, nil)), newMetrics())

	// No write loop: the buffer only fills.
	stalled := newSubscriber("alice", serverConn(t), 1)
	h.register(stalled)

	first, second := confirmed(t, "m1", "alice"), confirmed(t, "m2", "alice")
	done := make(chan struct{})
	go func() {
		h.broadcast(first)
		h.broadcast(second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled subscriber")
	}
	assert.Equal(t, 0, h.count(), "overflowing subscriber is dropped")

	select {
	case rec := <-stalled.send:
		assert.Equal(t, "m1", rec.CorrelationKey)
	default:
		t.Fatal("first record was not buffered")
	}
}

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/remote"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many records a subscriber may lag behind before it
	// is dropped.
	sendBuffer = 64
)

// subscriber is one open WebSocket. Only its write loop writes data frames.
type subscriber struct {
	owner string
	conn  *websocket.Conn
	send  chan remote.Record
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(owner string, conn *websocket.Conn, buffer int) *subscriber {
	return &subscriber{
		owner: owner,
		conn:  conn,
		send:  make(chan remote.Record, buffer),
		done:  make(chan struct{}),
	}
}

// writeLoop drains the send buffer until the subscriber is removed or a
// write fails.
func (h *hub) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case rec := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(rec); err != nil {
				h.logger.Debug("broadcast failed", "owner_id", sub.owner, "error", err)
				h.remove(sub)
				return
			}
			h.metrics.broadcasts.Inc()
		}
	}
}

// hub fans new records out to the owner's subscribers.
type hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	logger  *slog.Logger
	metrics *metrics
}

func newHub(logger *slog.Logger, m *metrics) *hub {
	return &hub{
		subs:    make(map[string]map[*subscriber]struct{}),
		logger:  logger,
		metrics: m,
	}
}

func (h *hub) add(owner string, conn *websocket.Conn) *subscriber {
	sub := newSubscriber(owner, conn, sendBuffer)
	h.register(sub)
	go h.writeLoop(sub)
	return sub
}

func (h *hub) register(sub *subscriber) {
	h.mu.Lock()
	if h.subs[sub.owner] == nil {
		h.subs[sub.owner] = make(map[*subscriber]struct{})
	}
	h.subs[sub.owner][sub] = struct{}{}
	total := h.countLocked()
	h.mu.Unlock()

	h.metrics.subscribers.Inc()
	h.logger.Info("subscriber connected", "owner_id", sub.owner, "total", total)
}

// remove drops sub, stops its write loop and closes its connection. Safe to
// call twice.
func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	owned, ok := h.subs[sub.owner]
	if ok {
		if _, ok = owned[sub]; ok {
			delete(owned, sub)
			if len(owned) == 0 {
				delete(h.subs, sub.owner)
			}
		}
	}
	total := h.countLocked()
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.once.Do(func() { close(sub.done) })
	sub.conn.Close()
	h.metrics.subscribers.Dec()
	h.logger.Info("subscriber disconnected", "owner_id", sub.owner, "total", total)
}

// broadcast queues rec for every subscriber of its owner without blocking.
// A subscriber whose buffer is full is dropped; it catches up on reconnect.
func (h *hub) broadcast(rec model.Message) {
	h.mu.RLock()
	snapshot := make([]*subscriber, 0, len(h.subs[rec.OwnerID]))
	for sub := range h.subs[rec.OwnerID] {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	wire := remote.ConfirmedRecord(rec)
	for _, sub := range snapshot {
		select {
		case sub.send <- wire:
		default:
			h.logger.Warn("subscriber too slow, dropping", "owner_id", sub.owner)
			h.remove(sub)
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *hub) countLocked() int {
	n := 0
	for _, owned := range h.subs {
		n += len(owned)
	}
	return n
}

// closeAll disconnects every subscriber.
func (h *hub) closeAll() {
	h.mu.RLock()
	var all []*subscriber
	for _, owned := range h.subs {
		for sub := range owned {
			all = append(all, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range all {
		// WriteControl may run concurrently with the write loop.
		_ = sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		h.remove(sub)
	}
}

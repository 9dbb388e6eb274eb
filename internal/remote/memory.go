package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/carrier/internal/model"
)

// Memory is an in-process authoritative store.
//
// It assigns identities "srv-1", "srv-2", ... in acceptance order and
// exposes controls for the failure modes the engine must survive: being
// unreachable, rejecting inserts, losing acknowledgments after commit, and
// minting a second confirmation for a re-sent correlation key.
//
// Live events are queued per subscriber and handed over by Deliver, so
// tests decide exactly when an echo races a send. With AutoDeliver set,
// events are delivered as soon as they are produced.
type Memory struct {
	mu                sync.Mutex
	now               func() time.Time
	seq               int
	records           []model.Message
	reachable         bool
	rejectNext        int
	dropNextAck       int
	duplicateOnResend bool
	autoDeliver       bool
	inserts           int

	subs    map[int]*memorySub
	nextSub int
}

type memorySub struct {
	owner   string
	onEvent func(model.Message)
	queue   []model.Message
}

// MemoryOption configures a Memory remote.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock used for server timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithAutoDeliver delivers live events synchronously as they are produced.
func WithAutoDeliver() MemoryOption {
	return func(m *Memory) {
		m.autoDeliver = true
	}
}

// NewMemory creates a reachable, empty remote.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:       time.Now,
		reachable: true,
		subs:      make(map[int]*memorySub),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetReachable toggles whether requests succeed. Reaching the remote again
// does not flush queued live events; call Deliver.
func (m *Memory) SetReachable(reachable bool) {
	m.mu.Lock()
	m.reachable = reachable
	m.mu.Unlock()
}

// Reachable reports the current reachability.
func (m *Memory) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// RejectNext makes the next n inserts fail with a rejection.
func (m *Memory) RejectNext(n int) {
	m.mu.Lock()
	m.rejectNext = n
	m.mu.Unlock()
}

// DropNextAck makes the next n accepted inserts commit but report a
// network error to the caller, as if the response was lost.
func (m *Memory) DropNextAck(n int) {
	m.mu.Lock()
	m.dropNextAck = n
	m.mu.Unlock()
}

// SetDuplicateOnResend controls whether an insert for a correlation key
// already accepted creates a second record instead of returning the first.
func (m *Memory) SetDuplicateOnResend(on bool) {
	m.mu.Lock()
	m.duplicateOnResend = on
	m.mu.Unlock()
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NetworkError("ping", err)
	}
	if !m.Reachable() {
		return NetworkError("ping", errors.New("remote unreachable"))
	}
	return nil
}

// Insert accepts a draft and returns its confirmed record.
func (m *Memory) Insert(ctx context.Context, draft model.Message) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, NetworkError("insert", err)
	}

	m.mu.Lock()
	if !m.reachable {
		m.mu.Unlock()
		return model.Message{}, NetworkError("insert", errors.New("remote unreachable"))
	}
	m.inserts++
	if m.rejectNext > 0 {
		m.rejectNext--
		m.mu.Unlock()
		return model.Message{}, RejectedError("insert", "rejected by remote")
	}
	if draft.CorrelationKey == "" || draft.OwnerID == "" || draft.Content == "" {
		m.mu.Unlock()
		return model.Message{}, RejectedError("insert", "correlation_key, owner_id and content are required")
	}

	rec, created := m.acceptLocked(draft)
	dropAck := false
	if m.dropNextAck > 0 {
		m.dropNextAck--
		dropAck = true
	}
	m.mu.Unlock()

	if created {
		m.maybeDeliver()
	}
	if dropAck {
		return model.Message{}, NetworkError("insert", errors.New("connection reset before response"))
	}
	return rec, nil
}

// acceptLocked stores draft, or returns the existing record for its
// correlation key unless duplicates are enabled.
func (m *Memory) acceptLocked(draft model.Message) (model.Message, bool) {
	if !m.duplicateOnResend {
		for _, r := range m.records {
			if r.CorrelationKey == draft.CorrelationKey {
				return r, false
			}
		}
	}

	m.seq++
	srv := model.TruncateTime(m.now())
	rec := model.Message{
		ID:              model.ServerID(fmt.Sprintf("srv-%d", m.seq)),
		CorrelationKey:  draft.CorrelationKey,
		OwnerID:         draft.OwnerID,
		Content:         draft.Content,
		ClientCreatedAt: model.TruncateTime(draft.ClientCreatedAt),
		ServerCreatedAt: &srv,
		Status:          model.StatusConfirmed,
	}
	m.records = append(m.records, rec)
	for _, sub := range m.subs {
		if sub.owner == rec.OwnerID {
			sub.queue = append(sub.queue, rec)
		}
	}
	return rec, true
}

// InsertForeign writes a message as another device would, producing a live
// event for subscribers of the owner.
func (m *Memory) InsertForeign(ownerID, key, content string, clientCreatedAt time.Time) model.Message {
	m.mu.Lock()
	saved := m.duplicateOnResend
	m.duplicateOnResend = true
	rec, _ := m.acceptLocked(model.Message{
		CorrelationKey:  key,
		OwnerID:         ownerID,
		Content:         content,
		ClientCreatedAt: clientCreatedAt,
	})
	m.duplicateOnResend = saved
	m.mu.Unlock()

	m.maybeDeliver()
	return rec
}

// FetchAllFor returns the owner's records ordered by client creation time.
func (m *Memory) FetchAllFor(ctx context.Context, ownerID string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, NetworkError("fetch", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reachable {
		return nil, NetworkError("fetch", errors.New("remote unreachable"))
	}

	out := []model.Message{}
	for _, r := range m.records {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return model.Before(out[i], out[j])
	})
	return out, nil
}

// SubscribeInserts registers onInsert for the owner's new records.
func (m *Memory) SubscribeInserts(ctx context.Context, ownerID string, onInsert func(model.Message)) (Unsubscribe, error) {
	if ownerID == "" {
		return nil, RejectedError("subscribe", "owner id is required")
	}

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = &memorySub{owner: ownerID, onEvent: onInsert}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

// Deliver hands every queued live event to its subscriber. Nothing is
// delivered while unreachable. Returns the number of events delivered.
func (m *Memory) Deliver() int {
	type delivery struct {
		fn  func(model.Message)
		rec model.Message
	}

	m.mu.Lock()
	if !m.reachable {
		m.mu.Unlock()
		return 0
	}
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var batch []delivery
	for _, id := range ids {
		sub := m.subs[id]
		for _, rec := range sub.queue {
			batch = append(batch, delivery{fn: sub.onEvent, rec: rec})
		}
		sub.queue = nil
	}
	m.mu.Unlock()

	for _, d := range batch {
		d.fn(d.rec)
	}
	return len(batch)
}

func (m *Memory) maybeDeliver() {
	m.mu.Lock()
	auto := m.autoDeliver
	m.mu.Unlock()
	if auto {
		m.Deliver()
	}
}

// Records returns every accepted record in acceptance order.
func (m *Memory) Records() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Message, len(m.records))
	copy(out, m.records)
	return out
}

// InsertCalls counts insert requests that reached the remote.
func (m *Memory) InsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts
}

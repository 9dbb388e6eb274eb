package testutil

import "sync"

// KeyQueue hands out correlation keys that a test pushes ahead of time.
//
// The scenario harness pushes the key named by each create step right
// before invoking the engine, so messages carry readable keys like "m1"
// in assertions and golden files.
//
// Unlike engine.FixedGenerator, keys can be added after construction.
//
// Thread-safety: KeyQueue is safe for concurrent use via internal mutex.
type KeyQueue struct {
	mu   sync.Mutex
	keys []string
}

// NewKeyQueue creates a queue holding the given keys.
func NewKeyQueue(keys ...string) *KeyQueue {
	return &KeyQueue{keys: append([]string(nil), keys...)}
}

// Push appends keys to the queue.
func (q *KeyQueue) Push(keys ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, keys...)
}

// Len returns how many keys are left.
func (q *KeyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Generate returns the oldest pushed key.
//
// Implements engine.KeyGenerator. Panics when empty: the test created a
// message it did not name.
func (q *KeyQueue) Generate() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.keys) == 0 {
		panic("KeyQueue: no keys queued")
	}
	key := q.keys[0]
	q.keys = q.keys[1:]
	return key
}

package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/carrier/internal/remote"
)

// Monitor reports reachability of the remote store.
//
// Subscribe delivers the new value on every transition. The channel is
// buffered by one and coalesces: a slow reader sees the latest state, not
// every flip. Call cancel to release the subscription.
type Monitor interface {
	Reachable() bool
	Subscribe() (<-chan bool, func())
}

// broadcaster holds the reachability flag and its subscribers.
type broadcaster struct {
	mu        sync.Mutex
	reachable bool
	subs      map[int]chan bool
	nextID    int
}

func newBroadcaster(initial bool) *broadcaster {
	return &broadcaster{reachable: initial, subs: make(map[int]chan bool)}
}

func (b *broadcaster) Reachable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reachable
}

func (b *broadcaster) Subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan bool, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// set records a new state and reports whether it changed.
func (b *broadcaster) set(reachable bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reachable == reachable {
		return false
	}
	b.reachable = reachable

	for _, ch := range b.subs {
		// Replace a stale undelivered value with the current one.
		select {
		case <-ch:
		default:
		}
		ch <- reachable
	}
	return true
}

// Manual is a Monitor toggled by the caller. Used by tests, the scenario
// harness, and the "always online" configuration.
type Manual struct {
	*broadcaster
}

// NewManual creates a Manual monitor in the given state.
func NewManual(reachable bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(reachable)}
}

// Set changes the state, notifying subscribers only on a transition.
func (m *Manual) Set(reachable bool) {
	m.set(reachable)
}

// Prober is a Monitor that pings the remote on an interval.
type Prober struct {
	*broadcaster
	pinger   remote.Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProber creates a Prober that starts unreachable until the first
// successful ping.
func NewProber(p remote.Pinger, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		broadcaster: newBroadcaster(false),
		pinger:      p,
		interval:    interval,
		timeout:     timeout,
		logger:      logger.With("component", "connectivity"),
	}
}

// Run probes immediately and then on every tick until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Probe(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe pings once and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pctx)
	reachable := err == nil
	if p.set(reachable) {
		if reachable {
			p.logger.Info("remote reachable")
		} else {
			p.logger.Info("remote unreachable", "error", err)
		}
	}
	return reachable
}

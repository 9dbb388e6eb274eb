package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/carrier/internal/connectivity"
	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/reconcile"
	"github.com/roach88/carrier/internal/remote"
	"github.com/roach88/carrier/internal/store"
)

const (
	// DefaultSendWorkers is the number of concurrent inserts.
	DefaultSendWorkers = 4

	// DefaultSendTimeout bounds a single insert request.
	DefaultSendTimeout = 10 * time.Second
)

// Engine is the single-writer sync engine event loop.
//
// Every store write and every reconciliation happens in the Run goroutine.
// Network I/O happens elsewhere (send workers, fetch goroutines, the
// remote's subscription) and comes back to the loop as events.
//
// Thread-safety model:
//   - CreateAndSend, ReplayPending, CatchUp, Attach, Retry, WaitIdle: safe
//     from any goroutine; each enqueues an event and waits for its reply
//   - OnRemoteInsert: safe from any goroutine; enqueues only
//   - List, Pending: read the store directly
//   - Run: must be called from exactly one goroutine, once
//
// INVARIANTS:
//   - a correlation key is in the outbox or with a send worker at most once
//   - a send result is re-checked against the store before it is applied
type Engine struct {
	store      *store.Store
	remote     remote.Client
	monitor    connectivity.Monitor
	reconciler *reconcile.Reconciler
	keys       KeyGenerator
	clock      Clock
	budget     RejectionBudget
	logger     *slog.Logger

	sendWorkers        int
	sendTimeout        time.Duration
	catchUpOnReconnect bool

	queue  *queue[event]
	outbox *queue[model.Message]

	running atomic.Bool
	done    chan struct{}

	// life scopes live subscriptions; cancelled when Run returns.
	life       context.Context
	cancelLife context.CancelFunc

	subMu sync.Mutex
	subs  map[string]remote.Unsubscribe

	// Owned by the Run goroutine.
	inflight  map[string]struct{}
	fetching  int
	owners    map[string]struct{}
	waiters   []event
	reachable bool // last transition processed
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithKeyGenerator sets the correlation key source.
// Default: UUIDv7Generator.
func WithKeyGenerator(gen KeyGenerator) EngineOption {
	return func(e *Engine) {
		e.keys = gen
	}
}

// WithClock sets the clock used for client_created_at.
// Default: SystemClock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithMaxRejections sets the rejection budget per draft.
//
// Default: 5 (DefaultMaxRejections)
// Use WithMaxRejections(0) to retry rejected drafts forever.
func WithMaxRejections(n int) EngineOption {
	return func(e *Engine) {
		e.budget = NewRejectionBudget(n)
	}
}

// WithSendWorkers sets the number of concurrent inserts.
// Values below one are raised to one.
func WithSendWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.sendWorkers = n
	}
}

// WithSendTimeout bounds each insert request.
func WithSendTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

// WithCatchUpOnReconnect controls whether attached owners are fetched
// again on every became-reachable transition. Default: true.
func WithCatchUpOnReconnect(on bool) EngineOption {
	return func(e *Engine) {
		e.catchUpOnReconnect = on
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine over a local store, a remote client and a
// connectivity monitor. Call Run to start processing.
func New(s *store.Store, rc remote.Client, mon connectivity.Monitor, opts ...EngineOption) *Engine {
	life, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:              s,
		remote:             rc,
		monitor:            mon,
		keys:               UUIDv7Generator{},
		clock:              SystemClock{},
		budget:             NewRejectionBudget(DefaultMaxRejections),
		logger:             slog.Default(),
		sendWorkers:        DefaultSendWorkers,
		sendTimeout:        DefaultSendTimeout,
		catchUpOnReconnect: true,
		queue:              newQueue[event](),
		outbox:             newQueue[model.Message](),
		done:               make(chan struct{}),
		life:               life,
		cancelLife:         cancel,
		subs:               make(map[string]remote.Unsubscribe),
		inflight:           make(map[string]struct{}),
		owners:             make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With("component", "engine")
	e.reconciler = reconcile.New(s, e.logger)
	return e
}

// Run starts the single-writer event loop.
// Blocks until the context is cancelled or Stop() is called.
//
// CRITICAL: Must be called from exactly ONE goroutine, and only once.
//
// ERROR HANDLING: a failing event is logged with its context and the loop
// moves on. Every operation is idempotent and level-triggered, so the next
// reconnect or replay picks up whatever was left undone.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return &RuntimeError{Code: ErrCodeAlreadyRunning, Message: "Run called twice"}
	}
	defer close(e.done)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		e.outbox.Close()
		wg.Wait()
		e.releaseSubscriptions()
	}()

	e.logger.Info("engine starting", "send_workers", e.sendWorkers, "max_rejections", e.budget.Limit())

	for i := 0; i < e.sendWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.sendWorker(runCtx)
		}()
	}

	updates, unsubscribe := e.monitor.Subscribe()
	defer unsubscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.forwardConnectivity(runCtx, updates)
	}()

	// Page-reload semantics: a device that starts online replays at once.
	if e.monitor.Reachable() {
		e.queue.Enqueue(event{kind: eventReachability, reachable: true})
	}

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(runCtx, ev); err != nil {
				logEventError(e.logger, ev, err)
			}
			e.releaseWaiters()
			continue
		}

		if e.queue.Drained() {
			e.logger.Info("engine stopping: queue closed")
			return nil
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
		}
	}
}

// Stop gracefully shuts down the engine.
// Events already queued are processed before Run returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// call enqueues ev and waits for the loop's reply.
func (e *Engine) call(ctx context.Context, ev event) (reply, error) {
	ev.reply = make(chan reply, 1)
	if !e.queue.Enqueue(ev) {
		return reply{}, NewStoppedError()
	}

	select {
	case r := <-ev.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-e.done:
		// The loop may have answered just before exiting.
		select {
		case r := <-ev.reply:
			return r, r.err
		default:
			return reply{}, NewStoppedError()
		}
	}
}

// CreateAndSend persists a new draft and, if the remote is reachable,
// hands it to a send worker. It returns once the draft is durable; the
// network outcome arrives later through the store.
func (e *Engine) CreateAndSend(ctx context.Context, ownerID, content string) (model.Message, error) {
	r, err := e.call(ctx, event{kind: eventCreate, ownerID: ownerID, content: content})
	if err != nil {
		return model.Message{}, err
	}
	return r.msg, nil
}

// ReplayPending dispatches every pending draft not already in flight and
// returns how many were dispatched.
func (e *Engine) ReplayPending(ctx context.Context) (int, error) {
	r, err := e.call(ctx, event{kind: eventReplay})
	return r.n, err
}

// CatchUp fetches the owner's full history and reconciles every record.
// Returns the number of records applied.
func (e *Engine) CatchUp(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, NewInvalidMessageError(model.ErrMissingOwner)
	}
	r, err := e.call(ctx, event{kind: eventCatchUp, ownerID: ownerID})
	return r.n, err
}

// Retry moves a failed draft back to pending and dispatches it when the
// remote is reachable. Returns store.ErrNotFound if no failed record has
// that correlation key.
func (e *Engine) Retry(ctx context.Context, correlationKey string) error {
	_, err := e.call(ctx, event{kind: eventRetry, key: correlationKey})
	return err
}

// WaitIdle returns once the event queue is empty and no send or fetch is
// outstanding.
func (e *Engine) WaitIdle(ctx context.Context) error {
	_, err := e.call(ctx, event{kind: eventIdle})
	return err
}

// List returns every local message in display order.
func (e *Engine) List(ctx context.Context) ([]model.Message, error) {
	return e.store.ListOrderedByClientCreatedAt(ctx)
}

// Pending returns every draft still waiting for confirmation.
func (e *Engine) Pending(ctx context.Context) ([]model.Message, error) {
	return e.store.ListPending(ctx)
}

// processEvent routes an event to the appropriate handler.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (e *Engine) processEvent(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventCreate:
		return e.processCreate(ctx, ev)
	case eventSendResult:
		return e.processSendResult(ctx, ev)
	case eventRemoteInsert:
		_, err := e.apply(ctx, ev.msg, "live")
		return err
	case eventReachability:
		return e.processReachability(ctx, ev)
	case eventReplay:
		n, err := e.replayPending(ctx)
		ev.respond(reply{n: n, err: err})
		return err
	case eventCatchUp:
		if ev.attach {
			e.owners[ev.ownerID] = struct{}{}
		}
		e.startFetch(ctx, ev.ownerID, ev.reply)
		return nil
	case eventFetchResult:
		return e.processFetchResult(ctx, ev)
	case eventRetry:
		return e.processRetry(ctx, ev)
	case eventIdle:
		e.waiters = append(e.waiters, ev)
		return nil
	default:
		return fmt.Errorf("unknown event kind: %d", ev.kind)
	}
}

// processCreate builds and persists a draft.
func (e *Engine) processCreate(ctx context.Context, ev event) error {
	draft, err := model.NewDraft(e.keys.Generate(), ev.ownerID, ev.content, e.clock.Now())
	if err != nil {
		rerr := NewInvalidMessageError(err)
		ev.respond(reply{err: rerr})
		return nil
	}

	if err := e.store.Put(ctx, draft); err != nil {
		err = fmt.Errorf("put draft %s: %w", draft.CorrelationKey, err)
		ev.respond(reply{err: err})
		return err
	}

	e.logger.Info("draft created", "correlation_key", draft.CorrelationKey, "owner_id", draft.OwnerID)
	ev.respond(reply{msg: draft})

	if e.monitor.Reachable() {
		e.dispatch(draft)
	}
	return nil
}

// processReachability reacts to a connectivity transition.
func (e *Engine) processReachability(ctx context.Context, ev event) error {
	e.reachable = ev.reachable
	if !ev.reachable {
		e.logger.Info("remote unreachable, holding drafts")
		return nil
	}

	n, err := e.replayPending(ctx)
	if err != nil {
		return fmt.Errorf("replay on reconnect: %w", err)
	}
	e.logger.Info("remote reachable, replayed pending drafts", "dispatched", n)

	if e.catchUpOnReconnect {
		for _, owner := range e.attachedOwners() {
			e.startFetch(ctx, owner, nil)
		}
	}
	return nil
}

// processRetry resets a failed draft's budget and sends it again.
func (e *Engine) processRetry(ctx context.Context, ev event) error {
	msgs, err := e.store.ResetFailed(ctx, ev.key)
	if err != nil {
		ev.respond(reply{err: err})
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("retry %s: %w", ev.key, err)
	}

	e.logger.Info("failed draft reset", "correlation_key", ev.key, "records", len(msgs))
	if e.monitor.Reachable() {
		for _, m := range msgs {
			e.dispatch(m)
		}
	}
	ev.respond(reply{n: len(msgs)})
	return nil
}

// apply routes a confirmed record through the reconciler.
func (e *Engine) apply(ctx context.Context, confirmed model.Message, source string) (reconcile.Result, error) {
	res, err := e.reconciler.Apply(ctx, confirmed)
	if err != nil {
		return res, fmt.Errorf("reconcile %s record %s: %w", source, confirmed.CorrelationKey, err)
	}

	e.logger.Debug("reconciled",
		"source", source,
		"correlation_key", confirmed.CorrelationKey,
		"identity", confirmed.ID.String(),
		"outcome", string(res.Outcome),
		"removed", res.Removed,
	)
	return res, nil
}

// idle reports whether nothing is queued or outstanding. A monitor
// transition the loop has not seen yet counts as outstanding.
func (e *Engine) idle() bool {
	return e.queue.Len() == 0 &&
		len(e.inflight) == 0 &&
		e.fetching == 0 &&
		e.reachable == e.monitor.Reachable()
}

// releaseWaiters answers WaitIdle callers once the engine is idle.
func (e *Engine) releaseWaiters() {
	if len(e.waiters) == 0 || !e.idle() {
		return
	}
	for _, w := range e.waiters {
		w.respond(reply{})
	}
	e.waiters = nil
}

// forwardConnectivity turns monitor transitions into loop events.
func (e *Engine) forwardConnectivity(ctx context.Context, updates <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case reachable, ok := <-updates:
			if !ok {
				return
			}
			e.queue.Enqueue(event{kind: eventReachability, reachable: reachable})
		}
	}
}

// logEventError logs a failed event with enough context to find the
// affected record.
func logEventError(logger *slog.Logger, ev event, err error) {
	attrs := []any{
		"event", ev.kind.String(),
		"error", err,
	}
	if key := ev.msg.CorrelationKey; key != "" {
		attrs = append(attrs, "correlation_key", key)
	} else if ev.key != "" {
		attrs = append(attrs, "correlation_key", ev.key)
	}
	if ev.ownerID != "" {
		attrs = append(attrs, "owner_id", ev.ownerID)
	}
	logger.Error("event processing failed", attrs...)
}

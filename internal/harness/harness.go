package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/carrier/internal/connectivity"
	"github.com/roach88/carrier/internal/engine"
	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/remote"
	"github.com/roach88/carrier/internal/store"
	"github.com/roach88/carrier/internal/testutil"
)

// ServerBase is the first server_created_at a scenario's remote assigns.
// Client timestamps start at testutil.DefaultBase; both step by a second.
var ServerBase = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// DefaultStepTimeout bounds how long a step may take to settle.
const DefaultStepTimeout = 5 * time.Second

// Option configures a scenario run.
type Option func(*runConfig)

type runConfig struct {
	logger      *slog.Logger
	stepTimeout time.Duration
}

// WithLogger routes engine logs to l instead of discarding them.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		c.logger = l
	}
}

// WithStepTimeout changes how long the harness waits for idle per step.
func WithStepTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		if d > 0 {
			c.stepTimeout = d
		}
	}
}

// Harness is the state of one scenario run.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	remote   *remote.Memory
	monitor  *connectivity.Manual
	engine   *engine.Engine
	keys     *testutil.KeyQueue
	clock    *testutil.DeterministicClock
	timeout  time.Duration
	created  int
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Open a fresh store in a temporary directory
//  2. Start an engine against remote.Memory and a manual monitor
//  3. Execute steps, waiting for idle after each
//  4. Evaluate assertions against the final local and remote state
//
// A failing step or assertion is reported in Result.Errors. The returned
// error is reserved for setup failures.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		stepTimeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dir, err := os.MkdirTemp("", "carrier-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "local.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	serverClock := testutil.NewDeterministicClockAt(ServerBase, time.Second)
	mem := remote.NewMemory(remote.WithMemoryClock(serverClock.Now))
	mem.SetReachable(scenario.StartReachable)

	h := &Harness{
		scenario: scenario,
		store:    st,
		remote:   mem,
		monitor:  connectivity.NewManual(scenario.StartReachable),
		keys:     testutil.NewKeyQueue(),
		clock:    testutil.NewDeterministicClock(),
		timeout:  cfg.stepTimeout,
	}

	engineOpts := []engine.EngineOption{
		engine.WithKeyGenerator(h.keys),
		engine.WithClock(h.clock),
		engine.WithSendWorkers(1),
		engine.WithLogger(cfg.logger.With("scenario", scenario.Name)),
	}
	if scenario.MaxRejections != nil {
		engineOpts = append(engineOpts, engine.WithMaxRejections(*scenario.MaxRejections))
	}
	h.engine = engine.New(st, mem, h.monitor, engineOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- h.engine.Run(runCtx) }()
	defer func() {
		h.engine.Stop()
		<-runErr
	}()

	result := NewResult()
	if err := h.settle(ctx); err != nil {
		return nil, fmt.Errorf("engine did not start: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %v", i, step.Kind, err))
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s) did not settle: %w", i, step.Kind, err)
		}
	}

	msgs, err := st.ListOrderedByClientCreatedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	result.Messages = msgs
	result.RemoteRecords = mem.Records()

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// settle blocks until the engine is idle.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.engine.WaitIdle(ctx)
}

// execute runs a single step.
func (h *Harness) execute(ctx context.Context, step Step) error {
	owner := h.scenario.Owner

	switch step.Kind {
	case StepCreate:
		h.created++
		key := step.Create.Key
		if key == "" {
			key = fmt.Sprintf("m%d", h.created)
		}
		h.keys.Push(key)
		_, err := h.engine.CreateAndSend(ctx, owner, step.Create.Content)
		return err

	case StepOnline, StepOffline:
		reachable := step.Kind == StepOnline
		h.remote.SetReachable(reachable)
		h.monitor.Set(reachable)
		return nil

	case StepRejectNext:
		h.remote.RejectNext(step.N)
		return nil

	case StepDropNextAck:
		h.remote.DropNextAck(step.N)
		return nil

	case StepDuplicateOnResend:
		h.remote.SetDuplicateOnResend(step.On)
		return nil

	case StepDeliver:
		h.remote.Deliver()
		return nil

	case StepAttach:
		return h.engine.Attach(ctx, owner)

	case StepCatchUp:
		_, err := h.engine.CatchUp(ctx, owner)
		return err

	case StepReplay:
		_, err := h.engine.ReplayPending(ctx)
		return err

	case StepForeign:
		at, err := step.Foreign.Time()
		if err != nil {
			return err
		}
		if at.IsZero() {
			at = h.clock.Now()
		}
		h.remote.InsertForeign(owner, step.Foreign.Key, step.Foreign.Content, at)
		return nil

	case StepRetry:
		return h.engine.Retry(ctx, step.Key)

	default:
		return fmt.Errorf("unknown step %q", step.Kind)
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every step succeeded and every assertion held.
	Pass bool `json:"pass"`

	// Errors contains step and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Messages is the final local state in display order.
	Messages []model.Message `json:"-"`

	// RemoteRecords is everything the remote accepted, in acceptance order.
	RemoteRecords []model.Message `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot renders the final local state as canonical JSON.
func (r *Result) Snapshot(name string) ([]byte, error) {
	return model.Snapshot(name, r.Messages)
}

package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/carrier/internal/connectivity"
	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/remote"
	"github.com/roach88/carrier/internal/store"
	"github.com/roach88/carrier/internal/testutil"
)

const owner = "alice"

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fixture wires an engine to an in-memory remote and a manual monitor.
type fixture struct {
	engine  *Engine
	store   *store.Store
	remote  *remote.Memory
	monitor *connectivity.Manual
}

func testKeys(n int) *FixedGenerator {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("m%d", i+1)
	}
	return NewFixedGenerator(keys...)
}

func newFixture(t *testing.T, reachable bool, remoteOpts []remote.MemoryOption, opts ...EngineOption) *fixture {
	t.Helper()

	serverClock := testutil.NewDeterministicClockAt(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Second)
	remoteOpts = append([]remote.MemoryOption{remote.WithMemoryClock(serverClock.Now)}, remoteOpts...)

	f := &fixture{
		store:   setupTestStore(t),
		remote:  remote.NewMemory(remoteOpts...),
		monitor: connectivity.NewManual(reachable),
	}
	f.remote.SetReachable(reachable)

	base := []EngineOption{
		WithClock(testutil.NewDeterministicClock()),
		WithKeyGenerator(testKeys(100)),
		WithSendWorkers(1),
	}
	f.engine = New(f.store, f.remote, f.monitor, append(base, opts...)...)

	errCh := make(chan error, 1)
	go func() { errCh <- f.engine.Run(context.Background()) }()
	t.Cleanup(func() {
		f.engine.Stop()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})

	f.waitIdle(t)
	return f
}

func (f *fixture) setOnline(t *testing.T, online bool) {
	t.Helper()
	f.remote.SetReachable(online)
	f.monitor.Set(online)
	f.waitIdle(t)
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.WaitIdle(ctx))
}

func (f *fixture) create(t *testing.T, content string) model.Message {
	t.Helper()
	msg, err := f.engine.CreateAndSend(context.Background(), owner, content)
	require.NoError(t, err)
	return msg
}

func (f *fixture) list(t *testing.T) []model.Message {
	t.Helper()
	msgs, err := f.engine.List(context.Background())
	require.NoError(t, err)
	return msgs
}

func TestEngine_New(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, remote.NewMemory(), connectivity.NewManual(false))

	assert.NotNil(t, e.queue)
	assert.NotNil(t, e.outbox)
	assert.NotNil(t, e.reconciler)
	assert.Equal(t, DefaultSendWorkers, e.sendWorkers)
	assert.Equal(t, DefaultSendTimeout, e.sendTimeout)
	assert.Equal(t, DefaultMaxRejections, e.budget.Limit())
	assert.True(t, e.catchUpOnReconnect)
	assert.IsType(t, UUIDv7Generator{}, e.keys)
}

func TestEngine_Options(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, remote.NewMemory(), connectivity.NewManual(false),
		WithSendWorkers(0),
		WithSendTimeout(time.Second),
		WithMaxRejections(-3),
		WithCatchUpOnReconnect(false),
	)

	assert.Equal(t, 1, e.sendWorkers)
	assert.Equal(t, time.Second, e.sendTimeout)
	assert.True(t, e.budget.Unbounded())
	assert.False(t, e.catchUpOnReconnect)
}

func TestEngine_Run_Twice(t *testing.T) {
	f := newFixture(t, false, nil)

	err := f.engine.Run(context.Background())
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeAlreadyRunning, re.Code)
}

func TestEngine_Run_StopsOnContext(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, remote.NewMemory(), connectivity.NewManual(false))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	_, err := e.CreateAndSend(context.Background(), owner, "late")
	assert.True(t, IsStopped(err), "got %v", err)
}

func TestEngine_CreateOnline_Confirms(t *testing.T) {
	f := newFixture(t, true, nil)

	draft := f.create(t, "hello")
	assert.Equal(t, model.DraftID("m1"), draft.ID)
	assert.Equal(t, model.StatusPending, draft.Status)

	f.waitIdle(t)

	msgs := f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ServerID("srv-1"), msgs[0].ID)
	assert.Equal(t, "m1", msgs[0].CorrelationKey)
	assert.Equal(t, model.StatusConfirmed, msgs[0].Status)
	assert.True(t, draft.ClientCreatedAt.Equal(msgs[0].ClientCreatedAt), "client time is preserved")
}

// Created offline, then connectivity returns.
func TestEngine_OfflineCreateThenReconnect(t *testing.T) {
	f := newFixture(t, false, nil)

	f.create(t, "one")
	f.create(t, "two")
	f.waitIdle(t)

	msgs := f.list(t)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, model.StatusPending, m.Status)
		assert.Equal(t, model.KindDraft, m.ID.Kind())
	}
	assert.Equal(t, 0, f.remote.InsertCalls())

	f.setOnline(t, true)

	msgs = f.list(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].CorrelationKey)
	assert.Equal(t, "m2", msgs[1].CorrelationKey)
	for _, m := range msgs {
		assert.Equal(t, model.StatusConfirmed, m.Status)
		assert.Equal(t, model.KindServer, m.ID.Kind())
	}
	assert.Len(t, f.remote.Records(), 2)
}

// The live echo of our own insert arrives before the insert response.
func TestEngine_EchoBeforeAck(t *testing.T) {
	f := newFixture(t, true, []remote.MemoryOption{remote.WithAutoDeliver()})
	require.NoError(t, f.engine.Attach(context.Background(), owner))

	f.create(t, "race")
	f.waitIdle(t)

	msgs := f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ServerID("srv-1"), msgs[0].ID)
	assert.Equal(t, model.StatusConfirmed, msgs[0].Status)
}

// The server commits but the response is lost; replay converges.
func TestEngine_DroppedAckThenReplay(t *testing.T) {
	f := newFixture(t, true, nil)
	f.remote.DropNextAck(1)

	f.create(t, "lost ack")
	f.waitIdle(t)

	msgs := f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusPending, msgs[0].Status)
	assert.NotEmpty(t, msgs[0].LastError)
	assert.Equal(t, 0, msgs[0].Attempts, "network errors do not count as rejections")

	f.setOnline(t, false)
	f.setOnline(t, true)

	msgs = f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ServerID("srv-1"), msgs[0].ID)
	assert.Equal(t, model.StatusConfirmed, msgs[0].Status)
	assert.Empty(t, msgs[0].LastError)
	assert.Len(t, f.remote.Records(), 1)
	assert.Equal(t, 2, f.remote.InsertCalls())
}

// The server mints a second record for a re-sent key; catch-up sees both.
func TestEngine_DuplicateConfirmationsCollapse(t *testing.T) {
	f := newFixture(t, true, nil)
	f.remote.DropNextAck(1)
	f.remote.SetDuplicateOnResend(true)

	f.create(t, "twice")
	f.waitIdle(t)

	f.setOnline(t, false)
	f.setOnline(t, true)
	require.Len(t, f.remote.Records(), 2)

	_, err := f.engine.CatchUp(context.Background(), owner)
	require.NoError(t, err)
	f.waitIdle(t)

	msgs := f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ServerID("srv-1"), msgs[0].ID, "earliest server record wins")
	assert.Equal(t, "m1", msgs[0].CorrelationKey)
}

func TestEngine_ForeignLiveInsert(t *testing.T) {
	f := newFixture(t, true, nil)
	require.NoError(t, f.engine.Attach(context.Background(), owner))

	f.remote.InsertForeign(owner, "other-device-1", "from phone", testutil.DefaultBase.Add(-time.Hour))
	f.remote.InsertForeign("bob", "other-owner-1", "not ours", testutil.DefaultBase)
	f.remote.Deliver()
	f.waitIdle(t)

	msgs := f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "other-device-1", msgs[0].CorrelationKey)
	assert.Equal(t, model.StatusConfirmed, msgs[0].Status)
}

func TestEngine_AttachCatchesUpAndRepeatsOnReconnect(t *testing.T) {
	f := newFixture(t, true, nil)
	f.remote.InsertForeign(owner, "k1", "before attach", testutil.DefaultBase)

	require.NoError(t, f.engine.Attach(context.Background(), owner))
	require.Len(t, f.list(t), 1)

	f.setOnline(t, false)
	// Written while we were away; the live event is never delivered.
	f.remote.SetReachable(true)
	f.remote.InsertForeign(owner, "k2", "while offline", testutil.DefaultBase.Add(time.Minute))
	f.monitor.Set(true)
	f.waitIdle(t)

	msgs := f.list(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "k1", msgs[0].CorrelationKey)
	assert.Equal(t, "k2", msgs[1].CorrelationKey)
}

func TestEngine_CatchUpOffline(t *testing.T) {
	f := newFixture(t, false, nil)

	_, err := f.engine.CatchUp(context.Background(), owner)
	require.Error(t, err)
	assert.True(t, remote.IsNetwork(err))

	_, err = f.engine.CatchUp(context.Background(), "")
	assert.True(t, IsInvalidMessage(err))
}

func TestEngine_InvalidContent(t *testing.T) {
	f := newFixture(t, true, nil)

	_, err := f.engine.CreateAndSend(context.Background(), owner, "")
	require.Error(t, err)
	assert.True(t, IsInvalidMessage(err))
	assert.ErrorIs(t, err, model.ErrEmptyContent)

	long := make([]byte, model.MaxContentLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.engine.CreateAndSend(context.Background(), owner, string(long))
	assert.ErrorIs(t, err, model.ErrContentTooLong)

	f.waitIdle(t)
	assert.Empty(t, f.list(t))
	assert.Equal(t, 0, f.remote.InsertCalls())
}

func TestEngine_RejectionBudget(t *testing.T) {
	f := newFixture(t, true, nil, WithMaxRejections(2))
	f.remote.RejectNext(10)

	f.create(t, "doomed")
	f.waitIdle(t)

	msgs := f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusPending, msgs[0].Status)
	assert.Equal(t, 1, msgs[0].Attempts)

	f.setOnline(t, false)
	f.setOnline(t, true)

	msgs = f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusFailed, msgs[0].Status)
	assert.Equal(t, 2, msgs[0].Attempts)

	// Failed drafts are not replayed.
	calls := f.remote.InsertCalls()
	f.setOnline(t, false)
	f.setOnline(t, true)
	assert.Equal(t, calls, f.remote.InsertCalls())

	f.remote.RejectNext(0)
	require.NoError(t, f.engine.Retry(context.Background(), "m1"))
	f.waitIdle(t)

	msgs = f.list(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusConfirmed, msgs[0].Status)
	assert.Equal(t, "m1", msgs[0].CorrelationKey)
}

func TestEngine_UnboundedBudgetStaysPending(t *testing.T) {
	f := newFixture(t, true, nil, WithMaxRejections(0))
	f.remote.RejectNext(100)

	f.create(t, "stubborn")
	f.waitIdle(t)

	pending, err := f.engine.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts, "first send is a rejection, not a network error")

	for i := 0; i < 3; i++ {
		f.setOnline(t, false)
		f.setOnline(t, true)
	}

	pending, err = f.engine.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 4, pending[0].Attempts)
}

func TestEngine_RetryUnknownKey(t *testing.T) {
	f := newFixture(t, true, nil)

	err := f.engine.Retry(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestEngine_ReplayPending(t *testing.T) {
	f := newFixture(t, false, nil)
	f.create(t, "a")
	f.create(t, "b")
	f.waitIdle(t)

	// Remote is up but the monitor has not noticed; explicit replay still sends.
	f.remote.SetReachable(true)
	n, err := f.engine.ReplayPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEngine_StopRejectsNewWork(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, remote.NewMemory(), connectivity.NewManual(false))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()

	e.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	_, err := e.CreateAndSend(context.Background(), owner, "late")
	assert.True(t, IsStopped(err))
	<-e.Done()
}

func TestDispatch_DedupesInFlight(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, remote.NewMemory(), connectivity.NewManual(false))

	draft, err := model.NewDraft("m1", owner, "hi", testutil.DefaultBase)
	require.NoError(t, err)

	assert.True(t, e.dispatch(draft))
	assert.False(t, e.dispatch(draft), "second dispatch while in flight")
	assert.Equal(t, 1, e.outbox.Len())
}

// A failure that lands after the draft was confirmed must not regress it.
func TestProcessSendResult_FailureAfterConfirm(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, remote.NewMemory(), connectivity.NewManual(false))
	ctx := context.Background()

	draft, err := model.NewDraft("m1", owner, "hi", testutil.DefaultBase)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, draft))

	srv := testutil.DefaultBase.Add(time.Second)
	confirmed := draft
	confirmed.ID = model.ServerID("srv-1")
	confirmed.Status = model.StatusConfirmed
	confirmed.ServerCreatedAt = &srv
	_, err = e.apply(ctx, confirmed, "live")
	require.NoError(t, err)

	for _, sendErr := range []error{
		remote.NetworkError("insert", context.DeadlineExceeded),
		remote.RejectedError("insert", "late rejection"),
	} {
		e.inflight[draft.CorrelationKey] = struct{}{}
		require.NoError(t, e.processSendResult(ctx, event{kind: eventSendResult, msg: draft, err: sendErr}))
		assert.Empty(t, e.inflight)
	}

	msgs, err := s.ListOrderedByClientCreatedAt(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusConfirmed, msgs[0].Status)
	assert.Equal(t, 0, msgs[0].Attempts)
	assert.Empty(t, msgs[0].LastError)
}

// A success for a draft already substituted is a re-delivery.
func TestProcessSendResult_LateSuccess(t *testing.T) {
	s := setupTestStore(t)
	e := New(s, remote.NewMemory(), connectivity.NewManual(false))
	ctx := context.Background()

	draft, err := model.NewDraft("m1", owner, "hi", testutil.DefaultBase)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, draft))

	srv := testutil.DefaultBase.Add(time.Second)
	confirmed := draft
	confirmed.ID = model.ServerID("srv-1")
	confirmed.Status = model.StatusConfirmed
	confirmed.ServerCreatedAt = &srv

	require.NoError(t, e.processSendResult(ctx, event{kind: eventSendResult, msg: draft, confirmed: confirmed}))
	require.NoError(t, e.processSendResult(ctx, event{kind: eventSendResult, msg: draft, confirmed: confirmed}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

package turn

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
	"github.com/sleepysoong/codial/internal/events"
	"github.com/sleepysoong/codial/internal/policy"
	"github.com/sleepysoong/codial/internal/provider"
	"github.com/sleepysoong/codial/internal/session"
	"github.com/sleepysoong/codial/internal/tools"
)

type poolFixture struct {
	pool    *Pool
	store   *session.MemoryStore
	sink    *fakeSink
	adapter *scriptedAdapter
}

func newPoolFixture(t *testing.T, workerCount, queueSize int, adapter *scriptedAdapter, opts ...PoolOption) *poolFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	sink := &fakeSink{}
	loader := policy.NewLoader(logger, t.TempDir())
	engine := NewEngine(logger, sink, fakeIngestor{}, provider.NewRegistry(adapter), loader, tools.NewRegistry())
	store := session.NewMemoryStore()
	pool := NewPool(logger, engine, store, session.NewLockTable(), workerCount, queueSize, opts...)
	t.Cleanup(func() { pool.Stop(time.Second) })
	return &poolFixture{pool: pool, store: store, sink: sink, adapter: adapter}
}

func (f *poolFixture) newSession(t *testing.T) session.Record {
	t.Helper()
	rec, err := f.store.Create(context.Background(), "guild-1", "user-1", session.Config{
		Provider: "github-copilot-sdk",
		Model:    "gpt-5-mini",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return rec
}

func (f *poolFixture) newTask(t *testing.T, rec session.Record, turnID string) *Task {
	t.Helper()
	if _, err := f.store.StartTurn(context.Background(), session.TurnRecord{
		TurnID:    turnID,
		SessionID: rec.SessionID,
		UserID:    "user-1",
	}); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	return &Task{
		TurnID:    turnID,
		TraceID:   "trace-" + turnID,
		SessionID: rec.SessionID,
		UserID:    "user-1",
		Text:      "hello",
		Provider:  rec.Config.Provider,
		Model:     rec.Config.Model,
	}
}

func waitForTurnStatus(t *testing.T, store *session.MemoryStore, turnID string, want session.TurnStatus) session.TurnRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetTurn(turnID)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := store.GetTurn(turnID)
	t.Fatalf("turn %s never reached %s (last: %+v)", turnID, want, rec)
	return session.TurnRecord{}
}

func TestPoolCompletesTurn(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "ok", DecisionSummary: "done"}},
	}
	fixture := newPoolFixture(t, 2, 10, adapter)
	fixture.pool.Start()

	rec := fixture.newSession(t)
	task := fixture.newTask(t, rec, "turn-1")
	if err := fixture.pool.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForTurnStatus(t, fixture.store, "turn-1", session.TurnStatusCompleted)
}

func TestPoolQueueFull(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "ok"}},
		block:     make(chan struct{}),
	}
	fixture := newPoolFixture(t, 1, 1, adapter)
	fixture.pool.Start()
	defer close(adapter.block)

	rec := fixture.newSession(t)

	// First task occupies the single worker, second fills the queue.
	if err := fixture.pool.Enqueue(fixture.newTask(t, rec, "turn-1")); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	enqueuedSecond := false
	for time.Now().Before(deadline) {
		if err := fixture.pool.Enqueue(fixture.newTask(t, rec, "turn-2")); err == nil {
			enqueuedSecond = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !enqueuedSecond {
		t.Fatalf("second enqueue never fit the queue")
	}

	err := fixture.pool.Enqueue(fixture.newTask(t, rec, "turn-3"))
	if apperr.CodeOf(err) != apperr.CodeQueueFull {
		t.Fatalf("expected QUEUE_FULL, got %v", err)
	}
}

func TestPoolSessionSerialization(t *testing.T) {
	var mu sync.Mutex
	running := map[string]int{}
	maxConcurrent := map[string]int{}

	adapter := &scriptedAdapter{name: "github-copilot-sdk"}
	adapter.responses = []provider.Response{{OutputText: "ok"}}

	fixture := newPoolFixture(t, 4, 32, adapter)

	// Wrap the adapter to observe per-session concurrency.
	observer := &observingAdapter{inner: adapter, onCall: func(sessionID string) func() {
		mu.Lock()
		running[sessionID]++
		if running[sessionID] > maxConcurrent[sessionID] {
			maxConcurrent[sessionID] = running[sessionID]
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return func() {
			mu.Lock()
			running[sessionID]--
			mu.Unlock()
		}
	}}
	logger := log.New(io.Discard, "", 0)
	engine := NewEngine(logger, fixture.sink, fakeIngestor{}, provider.NewRegistry(observer), policy.NewLoader(logger, t.TempDir()), tools.NewRegistry())
	pool := NewPool(logger, engine, fixture.store, session.NewLockTable(), 4, 32)
	pool.Start()
	defer pool.Stop(time.Second)

	recA := fixture.newSession(t)
	recB := fixture.newSession(t)

	sessions := map[string]session.Record{"a": recA, "b": recB}
	turnIDs := []string{}
	for i := 0; i < 3; i++ {
		for label, rec := range sessions {
			task := fixture.newTask(t, rec, fmt.Sprintf("turn-%s-%d", label, i))
			turnIDs = append(turnIDs, task.TurnID)
			if err := pool.Enqueue(task); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}
	for _, turnID := range turnIDs {
		waitForTurnStatus(t, fixture.store, turnID, session.TurnStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	for sessionID, peak := range maxConcurrent {
		if peak > 1 {
			t.Fatalf("session %s executed %d turns concurrently", sessionID, peak)
		}
	}
}

type observingAdapter struct {
	inner  provider.Adapter
	onCall func(sessionID string) func()
}

func (o *observingAdapter) Name() string { return o.inner.Name() }

func (o *observingAdapter) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	done := o.onCall(req.SessionID)
	defer done()
	return o.inner.Generate(ctx, req)
}

func TestPoolPerTurnEventOrderUnderConcurrency(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "ok", DecisionSummary: "done"}},
	}
	fixture := newPoolFixture(t, 4, 32, adapter)
	fixture.pool.Start()

	recA := fixture.newSession(t)
	recB := fixture.newSession(t)
	taskA := fixture.newTask(t, recA, "turn-a")
	taskB := fixture.newTask(t, recB, "turn-b")
	if err := fixture.pool.Enqueue(taskA); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := fixture.pool.Enqueue(taskB); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	waitForTurnStatus(t, fixture.store, "turn-a", session.TurnStatusCompleted)
	waitForTurnStatus(t, fixture.store, "turn-b", session.TurnStatusCompleted)

	for _, turnID := range []string{"turn-a", "turn-b"} {
		types := eventTypes(fixture.sink.forTurn(turnID))
		if len(types) == 0 {
			t.Fatalf("no events for %s", turnID)
		}
		if types[0] != events.TypePlan {
			t.Fatalf("turn %s events must start with plan: %v", turnID, types)
		}
		if types[len(types)-1] != events.TypeFinal {
			t.Fatalf("turn %s events must end with final: %v", turnID, types)
		}
	}
}

func TestPoolSkipsTurnOnEndedSession(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "ok"}},
	}
	fixture := newPoolFixture(t, 1, 10, adapter)

	rec := fixture.newSession(t)
	task := fixture.newTask(t, rec, "turn-1")
	if err := fixture.pool.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := fixture.store.End(context.Background(), rec.SessionID); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Workers start after the session ended, so the queued turn must fail.
	fixture.pool.Start()
	got := waitForTurnStatus(t, fixture.store, "turn-1", session.TurnStatusFailed)
	if got.Error == "" {
		t.Fatalf("expected a failure reason")
	}
	if len(fixture.adapter.requests) != 0 {
		t.Fatalf("the bridge must not run for an ended session")
	}
}

func TestPoolCancelSession(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "ok"}},
		block:     make(chan struct{}),
	}
	fixture := newPoolFixture(t, 1, 10, adapter)
	fixture.pool.Start()

	rec := fixture.newSession(t)
	task := fixture.newTask(t, rec, "turn-1")
	if err := fixture.pool.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForTurnStatus(t, fixture.store, "turn-1", session.TurnStatusRunning)

	fixture.pool.CancelSession(rec.SessionID)
	got := waitForTurnStatus(t, fixture.store, "turn-1", session.TurnStatusFailed)
	if got.Error == "" {
		t.Fatalf("expected a cancellation reason, got %+v", got)
	}

	sawErrorEvent := false
	for _, event := range fixture.sink.forTurn("turn-1") {
		if event.Type == events.TypeError && event.Payload["error_code"] == apperr.CodeCancelled {
			sawErrorEvent = true
		}
	}
	if !sawErrorEvent {
		t.Fatalf("expected an error event with CANCELLED")
	}
	close(adapter.block)
}

func TestPoolShutdownFailsBlockedTurns(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "ok"}},
		block:     make(chan struct{}),
	}
	fixture := newPoolFixture(t, 1, 10, adapter)
	fixture.pool.Start()

	rec := fixture.newSession(t)
	task := fixture.newTask(t, rec, "turn-1")
	if err := fixture.pool.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForTurnStatus(t, fixture.store, "turn-1", session.TurnStatusRunning)

	fixture.pool.Stop(50 * time.Millisecond)
	got := waitForTurnStatus(t, fixture.store, "turn-1", session.TurnStatusFailed)
	if got.Error == "" {
		t.Fatalf("expected a shutdown reason")
	}

	if err := fixture.pool.Enqueue(fixture.newTask(t, rec, "turn-2")); apperr.CodeOf(err) != apperr.CodeShutdown {
		t.Fatalf("expected SHUTDOWN on enqueue after stop, got %v", err)
	}
	close(adapter.block)
}

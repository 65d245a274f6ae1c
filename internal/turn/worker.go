package turn

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
	"github.com/sleepysoong/codial/internal/events"
	"github.com/sleepysoong/codial/internal/session"
)

const defaultTurnTimeout = 5 * time.Minute

type PoolOption func(*Pool)

func WithTurnTimeout(timeout time.Duration) PoolOption {
	return func(p *Pool) {
		if timeout > 0 {
			p.turnTimeout = timeout
		}
	}
}

// Pool is the bounded turn queue plus its fixed worker set. A worker holds
// the session lock for the whole turn, so turns within one session never
// overlap; turns across sessions interleave freely.
type Pool struct {
	logger      *log.Logger
	engine      *Engine
	store       session.Store
	locks       *session.LockTable
	queue       chan *Task
	workerCount int
	turnTimeout time.Duration

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	stopping bool
	inflight map[string]map[string]context.CancelFunc
}

func NewPool(logger *log.Logger, engine *Engine, store session.Store, locks *session.LockTable, workerCount, queueSize int, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	baseCtx, cancelAll := context.WithCancel(context.Background())
	pool := &Pool{
		logger:      logger,
		engine:      engine,
		store:       store,
		locks:       locks,
		queue:       make(chan *Task, queueSize),
		workerCount: workerCount,
		turnTimeout: defaultTurnTimeout,
		baseCtx:     baseCtx,
		cancelAll:   cancelAll,
		inflight:    make(map[string]map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(pool)
		}
	}
	return pool
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(workerIndex int) {
			defer p.wg.Done()
			for task := range p.queue {
				p.run(workerIndex, task)
			}
		}(i)
	}
}

// Enqueue accepts a turn without blocking. A saturated queue surfaces as
// QUEUE_FULL and a stopped pool as SHUTDOWN.
func (p *Pool) Enqueue(task *Task) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return apperr.New(apperr.CodeShutdown, "turn pool is shutting down", false)
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return apperr.New(apperr.CodeQueueFull, "turn queue is full", true)
	}
}

// CancelSession cancels every in-flight turn for the session.
func (p *Pool) CancelSession(sessionID string) {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.inflight[sessionID]))
	for _, cancel := range p.inflight[sessionID] {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		p.logger.Printf("session turns cancelled session_id=%s count=%d", sessionID, len(cancels))
	}
}

// Stop drains in-flight turns within the deadline, then cancels whatever
// remains; those turns fail with SHUTDOWN.
func (p *Pool) Stop(drainTimeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		p.logger.Printf("turn pool drain deadline reached, cancelling remaining turns")
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()
		p.cancelAll()
		<-done
	}
}

func (p *Pool) run(workerIndex int, task *Task) {
	unlock := p.locks.Lock(task.SessionID)
	defer unlock()

	// The session may have ended while the turn sat in the queue.
	if rec, err := p.store.Get(context.Background(), task.SessionID); err == nil && rec.Status == session.StatusEnded {
		p.finishFailed(task, apperr.New(apperr.CodeSessionEnded, "session ended before the turn ran", false))
		return
	}

	ctx, cancel := context.WithTimeout(p.baseCtx, p.turnTimeout)
	p.track(task, cancel)
	defer func() {
		p.untrack(task)
		cancel()
	}()

	if err := p.store.MarkTurnRunning(context.Background(), task.TurnID); err != nil {
		p.logger.Printf("turn running mark warning turn_id=%s err=%v", task.TurnID, err)
	}
	p.logger.Printf("turn start worker=%d trace_id=%s session_id=%s turn_id=%s",
		workerIndex, task.TraceID, task.SessionID, task.TurnID)

	err := p.engine.Process(ctx, task)
	if err != nil {
		p.finishFailed(task, p.normalize(ctx, err))
		return
	}

	if err := p.store.CompleteTurn(context.Background(), task.TurnID); err != nil {
		p.logger.Printf("turn complete mark warning turn_id=%s err=%v", task.TurnID, err)
	}
	p.logger.Printf("turn complete worker=%d trace_id=%s session_id=%s turn_id=%s",
		workerIndex, task.TraceID, task.SessionID, task.TurnID)
}

// normalize maps raw context errors onto the cooperative-stop codes.
func (p *Pool) normalize(ctx context.Context, err error) error {
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()

	var appErr *apperr.Error
	isPlainCtx := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	isCancelCode := errors.As(err, &appErr) && (appErr.Code == apperr.CodeCancelled || appErr.Code == apperr.CodeTimeout)
	if !isPlainCtx && !isCancelCode {
		return err
	}

	if stopping {
		return apperr.New(apperr.CodeShutdown, "turn aborted by service shutdown", false)
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
		return apperr.New(apperr.CodeTimeout, "turn wall-clock budget exceeded", false)
	}
	if isCancelCode {
		return err
	}
	return apperr.New(apperr.CodeCancelled, "turn was cancelled", false)
}

func (p *Pool) finishFailed(task *Task, err error) {
	appErr := apperr.From(err)
	if markErr := p.store.FailTurn(context.Background(), task.TurnID, appErr.Error()); markErr != nil {
		p.logger.Printf("turn fail mark warning turn_id=%s err=%v", task.TurnID, markErr)
	}

	emitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.engine.Emit(emitCtx, task, events.TypeError, map[string]any{
		"text":       appErr.Message,
		"error_code": appErr.Code,
		"retryable":  appErr.Retryable,
	})

	p.logger.Printf("turn failed trace_id=%s session_id=%s turn_id=%s code=%s err=%v",
		task.TraceID, task.SessionID, task.TurnID, appErr.Code, err)
}

func (p *Pool) track(task *Task, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	perSession, ok := p.inflight[task.SessionID]
	if !ok {
		perSession = make(map[string]context.CancelFunc)
		p.inflight[task.SessionID] = perSession
	}
	perSession[task.TurnID] = cancel
}

func (p *Pool) untrack(task *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	perSession, ok := p.inflight[task.SessionID]
	if !ok {
		return
	}
	delete(perSession, task.TurnID)
	if len(perSession) == 0 {
		delete(p.inflight, task.SessionID)
	}
}

// Package session owns session and turn records behind a storage port with
// in-memory and gorm-backed implementations.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/sleepysoong/codial/internal/apperr"
)

var ErrNotFound = errors.New("not found")

// Store is the session storage port. Implementations serialize mutations on
// a single session and reject writes once a session has ended.
type Store interface {
	Create(ctx context.Context, guildID, requesterID string, cfg Config) (Record, error)
	Get(ctx context.Context, sessionID string) (Record, error)
	BindChannel(ctx context.Context, sessionID, channelID string) (Record, error)
	// End is idempotent; ending an ended session returns the record as-is.
	End(ctx context.Context, sessionID string) (Record, error)
	SetProvider(ctx context.Context, sessionID, provider string) (Record, error)
	SetModel(ctx context.Context, sessionID, model string) (Record, error)
	SetMCP(ctx context.Context, sessionID string, enabled bool, profileName string) (Record, error)
	SetSubagent(ctx context.Context, sessionID, subagentName string) (Record, error)

	StartTurn(ctx context.Context, turn TurnRecord) (TurnRecord, error)
	MarkTurnRunning(ctx context.Context, turnID string) error
	CompleteTurn(ctx context.Context, turnID string) error
	FailTurn(ctx context.Context, turnID, failure string) error

	Close() error
}

func errSessionEnded(sessionID string) error {
	return apperr.Newf(apperr.CodeSessionEnded, false, "session %s has ended", sessionID)
}

// LockTable hands out one mutex per session id. A worker holds the lock for
// the whole turn, so a session never executes two turns concurrently.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the session lock and returns its unlock func.
func (t *LockTable) Lock(sessionID string) func() {
	t.mu.Lock()
	lock, ok := t.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[sessionID] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sleepysoong/codial/internal/ids"
)

// MemoryStore is the default in-process backend: a coarse map lock for
// insert/lookup plus a per-record mutex for mutations.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	turns    map[string]*TurnRecord
	closed   bool
}

type memorySession struct {
	mu  sync.Mutex
	rec Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		turns:    make(map[string]*TurnRecord),
	}
}

func (s *MemoryStore) Create(_ context.Context, guildID, requesterID string, cfg Config) (Record, error) {
	now := time.Now().UTC()
	rec := Record{
		SessionID:   ids.New(),
		GuildID:     guildID,
		RequesterID: requesterID,
		Status:      StatusActive,
		Config:      cfg,
		CreatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, fmt.Errorf("memory store is closed")
	}
	s.sessions[rec.SessionID] = &memorySession{rec: rec}
	return rec, nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (Record, error) {
	entry, err := s.lookup(sessionID)
	if err != nil {
		return Record{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, nil
}

func (s *MemoryStore) BindChannel(_ context.Context, sessionID, channelID string) (Record, error) {
	return s.mutate(sessionID, func(rec *Record) error {
		rec.ChannelID = channelID
		return nil
	})
}

func (s *MemoryStore) End(_ context.Context, sessionID string) (Record, error) {
	entry, err := s.lookup(sessionID)
	if err != nil {
		return Record{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.rec.Status != StatusEnded {
		entry.rec.Status = StatusEnded
		entry.rec.EndedAt = time.Now().UTC()
	}
	return entry.rec, nil
}

func (s *MemoryStore) SetProvider(_ context.Context, sessionID, provider string) (Record, error) {
	return s.mutate(sessionID, func(rec *Record) error {
		rec.Config.Provider = provider
		return nil
	})
}

func (s *MemoryStore) SetModel(_ context.Context, sessionID, model string) (Record, error) {
	return s.mutate(sessionID, func(rec *Record) error {
		rec.Config.Model = model
		return nil
	})
}

func (s *MemoryStore) SetMCP(_ context.Context, sessionID string, enabled bool, profileName string) (Record, error) {
	return s.mutate(sessionID, func(rec *Record) error {
		rec.Config.MCPEnabled = enabled
		rec.Config.MCPProfileName = profileName
		return nil
	})
}

func (s *MemoryStore) SetSubagent(_ context.Context, sessionID, subagentName string) (Record, error) {
	return s.mutate(sessionID, func(rec *Record) error {
		rec.Config.SubagentName = subagentName
		return nil
	})
}

func (s *MemoryStore) StartTurn(_ context.Context, turn TurnRecord) (TurnRecord, error) {
	now := time.Now().UTC()
	if turn.TurnID == "" {
		turn.TurnID = ids.New()
	}
	turn.Status = TurnStatusQueued
	turn.CreatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return TurnRecord{}, fmt.Errorf("memory store is closed")
	}
	if _, ok := s.sessions[turn.SessionID]; !ok {
		return TurnRecord{}, ErrNotFound
	}
	stored := turn
	s.turns[turn.TurnID] = &stored
	return turn, nil
}

func (s *MemoryStore) MarkTurnRunning(_ context.Context, turnID string) error {
	return s.mutateTurn(turnID, func(turn *TurnRecord) {
		turn.Status = TurnStatusRunning
		turn.StartedAt = time.Now().UTC()
	})
}

func (s *MemoryStore) CompleteTurn(_ context.Context, turnID string) error {
	return s.mutateTurn(turnID, func(turn *TurnRecord) {
		turn.Status = TurnStatusCompleted
		turn.EndedAt = time.Now().UTC()
	})
}

func (s *MemoryStore) FailTurn(_ context.Context, turnID, failure string) error {
	return s.mutateTurn(turnID, func(turn *TurnRecord) {
		turn.Status = TurnStatusFailed
		turn.Error = failure
		turn.EndedAt = time.Now().UTC()
	})
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// GetTurn is a read helper used by tests and diagnostics.
func (s *MemoryStore) GetTurn(turnID string) (TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return TurnRecord{}, ErrNotFound
	}
	return *turn, nil
}

func (s *MemoryStore) lookup(sessionID string) (*memorySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) mutate(sessionID string, apply func(*Record) error) (Record, error) {
	entry, err := s.lookup(sessionID)
	if err != nil {
		return Record{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.rec.Status == StatusEnded {
		return Record{}, errSessionEnded(sessionID)
	}
	if err := apply(&entry.rec); err != nil {
		return Record{}, err
	}
	return entry.rec, nil
}

func (s *MemoryStore) mutateTurn(turnID string, apply func(*TurnRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return ErrNotFound
	}
	apply(turn)
	return nil
}

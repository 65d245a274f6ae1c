package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "github.com/sleepysoong/codial/internal/db"
	"github.com/sleepysoong/codial/internal/ids"
)

// GormStore is the durable backend (sqlite or postgres). It exists to prove
// the storage port does not preclude durable backing; the default driver
// stays in-memory.
type GormStore struct {
	db *gorm.DB
}

type sessionRow struct {
	SessionID      string `gorm:"primaryKey;column:session_id"`
	GuildID        string `gorm:"column:guild_id"`
	RequesterID    string `gorm:"column:requester_id"`
	ChannelID      string `gorm:"column:channel_id"`
	Status         string `gorm:"column:status"`
	Provider       string `gorm:"column:provider"`
	Model          string `gorm:"column:model"`
	MCPEnabled     bool   `gorm:"column:mcp_enabled"`
	MCPProfileName string `gorm:"column:mcp_profile_name"`
	SubagentName   string `gorm:"column:subagent_name"`
	CreatedAt      time.Time
	EndedAt        *time.Time `gorm:"column:ended_at"`
}

func (sessionRow) TableName() string { return "sessions" }

type turnRow struct {
	TurnID          string `gorm:"primaryKey;column:turn_id"`
	SessionID       string `gorm:"index;column:session_id"`
	UserID          string `gorm:"column:user_id"`
	ChannelID       string `gorm:"column:channel_id"`
	TraceID         string `gorm:"column:trace_id"`
	Text            string `gorm:"column:text"`
	AttachmentCount int    `gorm:"column:attachment_count"`
	Status          string `gorm:"column:status"`
	Error           string `gorm:"column:error"`
	CreatedAt       time.Time
	StartedAt       *time.Time `gorm:"column:started_at"`
	EndedAt         *time.Time `gorm:"column:ended_at"`
}

func (turnRow) TableName() string { return "turns" }

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	store := &GormStore{db: gormDB}
	if err := store.db.AutoMigrate(&sessionRow{}, &turnRow{}); err != nil {
		return nil, fmt.Errorf("migrate session store: %w", err)
	}
	return store, nil
}

func (s *GormStore) Create(ctx context.Context, guildID, requesterID string, cfg Config) (Record, error) {
	now := time.Now().UTC()
	row := sessionRow{
		SessionID:      ids.New(),
		GuildID:        guildID,
		RequesterID:    requesterID,
		Status:         string(StatusActive),
		Provider:       cfg.Provider,
		Model:          cfg.Model,
		MCPEnabled:     cfg.MCPEnabled,
		MCPProfileName: cfg.MCPProfileName,
		SubagentName:   cfg.SubagentName,
		CreatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, fmt.Errorf("create session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) Get(ctx context.Context, sessionID string) (Record, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) BindChannel(ctx context.Context, sessionID, channelID string) (Record, error) {
	return s.mutate(ctx, sessionID, map[string]any{"channel_id": channelID})
}

func (s *GormStore) End(ctx context.Context, sessionID string) (Record, error) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_id = ? AND status <> ?", sessionID, string(StatusEnded)).
		Updates(map[string]any{"status": string(StatusEnded), "ended_at": &now}).Error
	if err != nil {
		return Record{}, fmt.Errorf("end session: %w", err)
	}
	return s.Get(ctx, sessionID)
}

func (s *GormStore) SetProvider(ctx context.Context, sessionID, provider string) (Record, error) {
	return s.mutate(ctx, sessionID, map[string]any{"provider": provider})
}

func (s *GormStore) SetModel(ctx context.Context, sessionID, model string) (Record, error) {
	return s.mutate(ctx, sessionID, map[string]any{"model": model})
}

func (s *GormStore) SetMCP(ctx context.Context, sessionID string, enabled bool, profileName string) (Record, error) {
	return s.mutate(ctx, sessionID, map[string]any{
		"mcp_enabled":      enabled,
		"mcp_profile_name": profileName,
	})
}

func (s *GormStore) SetSubagent(ctx context.Context, sessionID, subagentName string) (Record, error) {
	return s.mutate(ctx, sessionID, map[string]any{"subagent_name": subagentName})
}

func (s *GormStore) StartTurn(ctx context.Context, turn TurnRecord) (TurnRecord, error) {
	if turn.TurnID == "" {
		turn.TurnID = ids.New()
	}
	turn.Status = TurnStatusQueued
	turn.CreatedAt = time.Now().UTC()

	row := turnRow{
		TurnID:          turn.TurnID,
		SessionID:       turn.SessionID,
		UserID:          turn.UserID,
		ChannelID:       turn.ChannelID,
		TraceID:         turn.TraceID,
		Text:            turn.Text,
		AttachmentCount: turn.AttachmentCount,
		Status:          string(turn.Status),
		CreatedAt:       turn.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return TurnRecord{}, fmt.Errorf("create turn: %w", err)
	}
	return turn, nil
}

func (s *GormStore) MarkTurnRunning(ctx context.Context, turnID string) error {
	now := time.Now().UTC()
	return s.updateTurn(ctx, turnID, map[string]any{
		"status":     string(TurnStatusRunning),
		"started_at": &now,
	})
}

func (s *GormStore) CompleteTurn(ctx context.Context, turnID string) error {
	now := time.Now().UTC()
	return s.updateTurn(ctx, turnID, map[string]any{
		"status":   string(TurnStatusCompleted),
		"ended_at": &now,
	})
}

func (s *GormStore) FailTurn(ctx context.Context, turnID, failure string) error {
	now := time.Now().UTC()
	return s.updateTurn(ctx, turnID, map[string]any{
		"status":   string(TurnStatusFailed),
		"error":    failure,
		"ended_at": &now,
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) mutate(ctx context.Context, sessionID string, updates map[string]any) (Record, error) {
	var out Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.Where("session_id = ?", sessionID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		if row.Status == string(StatusEnded) {
			return errSessionEnded(sessionID)
		}
		if err := tx.Model(&sessionRow{}).Where("session_id = ?", sessionID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if err := tx.Where("session_id = ?", sessionID).Take(&row).Error; err != nil {
			return fmt.Errorf("reload session: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *GormStore) updateTurn(ctx context.Context, turnID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&turnRow{}).Where("turn_id = ?", turnID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update turn: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r sessionRow) toRecord() Record {
	rec := Record{
		SessionID:   r.SessionID,
		GuildID:     r.GuildID,
		RequesterID: r.RequesterID,
		ChannelID:   r.ChannelID,
		Status:      Status(r.Status),
		Config: Config{
			Provider:       r.Provider,
			Model:          r.Model,
			MCPEnabled:     r.MCPEnabled,
			MCPProfileName: r.MCPProfileName,
			SubagentName:   r.SubagentName,
		},
		CreatedAt: r.CreatedAt,
	}
	if r.EndedAt != nil {
		rec.EndedAt = *r.EndedAt
	}
	return rec
}

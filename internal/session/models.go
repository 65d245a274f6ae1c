package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type TurnStatus string

const (
	TurnStatusQueued    TurnStatus = "queued"
	TurnStatusRunning   TurnStatus = "running"
	TurnStatusCompleted TurnStatus = "completed"
	TurnStatusFailed    TurnStatus = "failed"
)

// Config is the per-session agent configuration. SubagentName is empty when
// no subagent is selected.
type Config struct {
	Provider       string
	Model          string
	MCPEnabled     bool
	MCPProfileName string
	SubagentName   string
}

// Record is one session. ChannelID is empty until the gateway binds the
// Discord channel.
type Record struct {
	SessionID   string
	GuildID     string
	RequesterID string
	ChannelID   string
	Status      Status
	Config      Config
	CreatedAt   time.Time
	EndedAt     time.Time
}

// TurnRecord tracks one accepted turn through its lifecycle. Only the
// owning worker moves it past queued.
type TurnRecord struct {
	TurnID          string
	SessionID       string
	UserID          string
	ChannelID       string
	TraceID         string
	Text            string
	AttachmentCount int
	Status          TurnStatus
	Error           string
	CreatedAt       time.Time
	StartedAt       time.Time
	EndedAt         time.Time
}

// Package turn executes accepted turns: a bounded queue, a fixed worker
// pool and the engine driving the provider/tool loop.
package turn

import "github.com/sleepysoong/codial/internal/attach"

// Task is one accepted turn, snapshotting the session config at submission
// time. It is owned by the queue until a worker dequeues it and by that
// worker afterwards.
type Task struct {
	TurnID    string
	TraceID   string
	SessionID string
	UserID    string
	ChannelID string
	Text      string

	Attachments []attach.Attachment

	Provider       string
	Model          string
	MCPEnabled     bool
	MCPProfileName string
	SubagentName   string
}

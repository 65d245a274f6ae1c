// Package provider resolves session providers to bridge adapters and
// bootstraps their credentials.
package provider

import (
	"context"

	"github.com/sleepysoong/codial/internal/attach"
)

// ToolSpec is the provider-facing tool description, merged from builtin
// tools and MCP discovery.
type ToolSpec struct {
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// ToolRequest is one tool invocation requested by the bridge. CallID may be
// empty when the bridge did not assign one.
type ToolRequest struct {
	CallID    string         `json:"call_id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult carries a tool outcome back to the next bridge round. A failed
// call sets OK=false and Error; it is never retried at the call site.
type ToolResult struct {
	Name   string         `json:"name"`
	CallID string         `json:"call_id,omitempty"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Request is one bridge round: the conversation turn plus the policy
// context, advertised tools and the previous round's tool results.
type Request struct {
	SessionID           string
	UserID              string
	Provider            string
	Model               string
	Text                string
	Attachments         []attach.Attachment
	MCPEnabled          bool
	MCPProfileName      string
	RulesSummary        string
	AgentsSummary       string
	SkillsSummary       string
	SystemMemorySummary string
	ToolSpecs           []ToolSpec
	ToolResults         []ToolResult
	ToolCallRound       int
}

// Response is either a terminal answer (no tool requests) or a request for
// another tool round.
type Response struct {
	OutputText      string
	DecisionSummary string
	ToolRequests    []ToolRequest
}

// Adapter is the narrow capability every provider variant implements.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

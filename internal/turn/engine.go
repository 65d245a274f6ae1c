package turn

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/sleepysoong/codial/internal/apperr"
	"github.com/sleepysoong/codial/internal/attach"
	"github.com/sleepysoong/codial/internal/events"
	"github.com/sleepysoong/codial/internal/mcp"
	"github.com/sleepysoong/codial/internal/policy"
	"github.com/sleepysoong/codial/internal/provider"
	"github.com/sleepysoong/codial/internal/retry"
	"github.com/sleepysoong/codial/internal/tools"
)

const (
	// MaxToolRounds bounds the bridge/tool alternation within one turn.
	MaxToolRounds = 5

	mcpClientName    = "codial-core"
	mcpClientVersion = "0.1.0"
)

// EventSink receives the engine's progress events. Delivery failures are
// logged and never fail the turn.
type EventSink interface {
	Publish(ctx context.Context, event events.Event) error
}

// MCPClient is the slice of the MCP client the engine uses.
type MCPClient interface {
	EnsureInitialized(ctx context.Context, clientName, clientVersion string) (mcp.InitializeResult, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error)
}

// AttachmentIngestor prepares turn attachments before the first bridge
// round.
type AttachmentIngestor interface {
	Ingest(ctx context.Context, sessionID, turnID string, attachments []attach.Attachment) (attach.IngestResult, []attach.Attachment, error)
}

type EngineOption func(*Engine)

func WithMCPClient(client MCPClient) EngineOption {
	return func(e *Engine) { e.mcp = client }
}

func WithMaxRounds(rounds int) EngineOption {
	return func(e *Engine) {
		if rounds > 0 {
			e.maxRounds = rounds
		}
	}
}

func WithBridgeRetryPolicy(policy retry.Policy) EngineOption {
	return func(e *Engine) { e.bridgeRetry = policy }
}

// Engine orchestrates a single turn: policy composition, attachment
// ingest, tool discovery and the bounded provider/tool loop.
type Engine struct {
	logger       *log.Logger
	sink         EventSink
	ingestor     AttachmentIngestor
	providers    *provider.Registry
	policyLoader *policy.Loader
	toolRegistry *tools.Registry
	mcp          MCPClient

	maxRounds   int
	bridgeRetry retry.Policy
}

func NewEngine(
	logger *log.Logger,
	sink EventSink,
	ingestor AttachmentIngestor,
	providers *provider.Registry,
	policyLoader *policy.Loader,
	toolRegistry *tools.Registry,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	engine := &Engine{
		logger:       logger,
		sink:         sink,
		ingestor:     ingestor,
		providers:    providers,
		policyLoader: policyLoader,
		toolRegistry: toolRegistry,
		maxRounds:    MaxToolRounds,
		bridgeRetry:  retry.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// effectiveConfig is the turn config after the subagent profile is folded
// in.
type effectiveConfig struct {
	text           string
	model          string
	mcpEnabled     bool
	mcpProfileName string
	memorySummary  string
}

// Process runs the whole turn. The returned error carries the wire code the
// worker records on the turn and the error event.
func (e *Engine) Process(ctx context.Context, task *Task) error {
	snapshot, err := e.policyLoader.Load()
	if err != nil {
		return apperr.Newf(apperr.CodeInternal, false, "load policy snapshot: %v", err)
	}
	constraints := policy.ParseConstraints(snapshot.RulesText)

	effective := e.applySubagent(ctx, task, snapshot)

	ingestResult, attachments, err := e.ingestor.Ingest(ctx, task.SessionID, task.TurnID, task.Attachments)
	if err != nil {
		return err
	}
	task.Attachments = attachments
	e.Emit(ctx, task, events.TypeAction, map[string]any{"text": ingestResult.Summary})

	builtinNames, toolSpecs := e.collectBuiltinTools(ctx, task)
	toolSpecs = e.collectMCPTools(ctx, task, effective, toolSpecs, builtinNames)

	if err := constraints.Enforce(task.Provider, effective.model); err != nil {
		return err
	}

	adapter, err := e.providers.Resolve(task.Provider)
	if err != nil {
		return err
	}

	return e.runProviderLoop(ctx, task, adapter, effective, snapshot, toolSpecs, builtinNames)
}

// Emit publishes one progress event; failures are logged, never fatal.
func (e *Engine) Emit(ctx context.Context, task *Task, eventType string, payload map[string]any) {
	event := events.Event{
		SessionID: task.SessionID,
		TurnID:    task.TurnID,
		TraceID:   task.TraceID,
		Type:      eventType,
		Payload:   payload,
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Printf("event publish warning session_id=%s turn_id=%s type=%s err=%v",
			task.SessionID, task.TurnID, eventType, err)
	}
}

func (e *Engine) applySubagent(ctx context.Context, task *Task, snapshot *policy.Snapshot) effectiveConfig {
	effective := effectiveConfig{
		text:           task.Text,
		model:          task.Model,
		mcpEnabled:     task.MCPEnabled,
		mcpProfileName: task.MCPProfileName,
		memorySummary:  snapshot.MemorySummary,
	}

	subagentLabel := task.SubagentName
	if subagentLabel == "" {
		subagentLabel = "none"
	}
	e.Emit(ctx, task, events.TypePlan, map[string]any{
		"text": fmt.Sprintf(
			"Analyzing the request and preparing an execution plan. provider=`%s`, model=`%s`, subagent=`%s`, attachments=%d",
			task.Provider, task.Model, subagentLabel, len(task.Attachments)),
	})
	e.Emit(ctx, task, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("Loaded policy files. memory=`%s`, rules=`%s`, agents=`%s`, skills=`%s`",
			snapshot.MemorySummary, snapshot.RulesSummary, snapshot.AgentsSummary, snapshot.SkillsSummary),
	})

	if task.SubagentName == "" {
		return effective
	}

	subagent, ok := snapshot.Subagent(task.SubagentName)
	if !ok {
		// The definition may have disappeared since the session selected it;
		// continue with the plain session config.
		e.Emit(ctx, task, events.TypeAction, map[string]any{
			"text": fmt.Sprintf("Subagent `%s` was not found. Continuing with the session defaults.", task.SubagentName),
		})
		return effective
	}

	if subagent.Model != "inherit" {
		effective.model = subagent.Model
	}
	if subagent.Prompt != "" {
		if effective.text != "" {
			effective.text = subagent.Prompt + "\n\nUser request:\n" + effective.text
		} else {
			effective.text = subagent.Prompt
		}
	}
	if len(subagent.MCPServers) > 0 {
		effective.mcpEnabled = true
		if effective.mcpProfileName == "" {
			effective.mcpProfileName = subagent.MCPServers[0]
		}
	}
	if subagent.Memory != "" {
		effective.memorySummary = effective.memorySummary + ", subagent-memory=" + subagent.Memory
	}

	mcpState := "disabled"
	if effective.mcpEnabled {
		mcpState = "enabled"
	}
	e.Emit(ctx, task, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("Applied subagent `%s`. model=`%s`, mcp=%s", subagent.Name, effective.model, mcpState),
	})
	return effective
}

func (e *Engine) collectBuiltinTools(ctx context.Context, task *Task) (map[string]bool, []provider.ToolSpec) {
	builtinNames := map[string]bool{}
	specs := []provider.ToolSpec{}
	for _, spec := range e.toolRegistry.Specs() {
		builtinNames[spec.Name] = true
		specs = append(specs, provider.ToolSpec{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		})
	}

	e.Emit(ctx, task, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("Registered %d builtin tool(s): %s",
			len(builtinNames), strings.Join(e.toolRegistry.Names(), ", ")),
	})
	return builtinNames, specs
}

func (e *Engine) collectMCPTools(ctx context.Context, task *Task, effective effectiveConfig, specs []provider.ToolSpec, builtinNames map[string]bool) []provider.ToolSpec {
	if !effective.mcpEnabled || e.mcp == nil {
		return specs
	}

	initResult, err := e.mcp.EnsureInitialized(ctx, mcpClientName, mcpClientVersion)
	if err != nil {
		e.logger.Printf("mcp initialize failed session_id=%s turn_id=%s err=%v", task.SessionID, task.TurnID, err)
		e.Emit(ctx, task, events.TypeAction, map[string]any{
			"text": "Could not reach the MCP server. Continuing with builtin tools only.",
		})
		return specs
	}
	serverName := initResult.ServerName
	if serverName == "" {
		serverName = "unknown server"
	}

	mcpTools, err := e.mcp.ListTools(ctx)
	if err != nil {
		e.logger.Printf("mcp tools list failed session_id=%s turn_id=%s err=%v", task.SessionID, task.TurnID, err)
		e.Emit(ctx, task, events.TypeAction, map[string]any{
			"text": fmt.Sprintf("Connected to MCP server `%s` but could not list its tools. Continuing with builtin tools only.", serverName),
		})
		return specs
	}

	for _, tool := range mcpTools {
		if builtinNames[tool.Name] {
			continue
		}
		specs = append(specs, provider.ToolSpec{
			Name:         tool.Name,
			Title:        tool.Title,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
		})
	}

	e.Emit(ctx, task, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("Connected to MCP server `%s` (protocol `%s`) and discovered %d tool(s).",
			serverName, initResult.ProtocolVersion, len(mcpTools)),
	})
	return specs
}

func (e *Engine) runProviderLoop(
	ctx context.Context,
	task *Task,
	adapter provider.Adapter,
	effective effectiveConfig,
	snapshot *policy.Snapshot,
	toolSpecs []provider.ToolSpec,
	builtinNames map[string]bool,
) error {
	toolResults := []provider.ToolResult{}

	for round := 0; round < e.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return cancellationError(err)
		}

		req := provider.Request{
			SessionID:           task.SessionID,
			UserID:              task.UserID,
			Provider:            task.Provider,
			Model:               effective.model,
			Text:                effective.text,
			Attachments:         task.Attachments,
			MCPEnabled:          effective.mcpEnabled,
			MCPProfileName:      effective.mcpProfileName,
			RulesSummary:        snapshot.RulesSummary,
			AgentsSummary:       snapshot.AgentsSummary,
			SkillsSummary:       snapshot.SkillsSummary,
			SystemMemorySummary: effective.memorySummary,
			ToolSpecs:           toolSpecs,
			ToolResults:         toolResults,
			ToolCallRound:       round,
		}

		var resp provider.Response
		err := e.bridgeRetry.Do(ctx, apperr.IsRetryable, func() error {
			var callErr error
			resp, callErr = adapter.Generate(ctx, req)
			return callErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return cancellationError(ctx.Err())
			}
			return err
		}

		e.Emit(ctx, task, events.TypeDecisionSummary, map[string]any{"text": resp.DecisionSummary})
		if resp.OutputText != "" {
			e.Emit(ctx, task, events.TypeResponseDelta, map[string]any{"text": resp.OutputText})
		}

		if len(resp.ToolRequests) == 0 {
			e.Emit(ctx, task, events.TypeFinal, map[string]any{"text": "Task completed."})
			return nil
		}

		toolResults = e.dispatchToolCalls(ctx, task, resp.ToolRequests, builtinNames, effective.mcpEnabled)
	}

	e.Emit(ctx, task, events.TypeFinal, map[string]any{
		"text": fmt.Sprintf("Stopping: the tool budget of %d round(s) was exhausted without a final answer.", e.maxRounds),
	})
	return apperr.Newf(apperr.CodeToolBudgetExceeded, false,
		"tool loop exceeded %d rounds", e.maxRounds)
}

// dispatchToolCalls routes each request builtin-first, MCP second. A failed
// call becomes an error tool result for the next round, never a retry.
func (e *Engine) dispatchToolCalls(
	ctx context.Context,
	task *Task,
	requests []provider.ToolRequest,
	builtinNames map[string]bool,
	mcpEnabled bool,
) []provider.ToolResult {
	results := make([]provider.ToolResult, 0, len(requests))
	for _, request := range requests {
		var result provider.ToolResult
		switch {
		case builtinNames[request.Name]:
			result = e.callBuiltinTool(ctx, task, request)
		case mcpEnabled && e.mcp != nil:
			result = e.callMCPTool(ctx, task, request)
		default:
			result = provider.ToolResult{
				Name:   request.Name,
				CallID: request.CallID,
				OK:     false,
				Error:  fmt.Sprintf("tool %q is unavailable: not a builtin and MCP is disabled", request.Name),
			}
			e.Emit(ctx, task, events.TypeAction, map[string]any{
				"text": fmt.Sprintf("Cannot run tool `%s` (unregistered tool, MCP disabled).", request.Name),
			})
		}
		results = append(results, result)
	}
	return results
}

func (e *Engine) callBuiltinTool(ctx context.Context, task *Task, request provider.ToolRequest) provider.ToolResult {
	callResult := e.toolRegistry.Call(ctx, request.Name, request.Arguments)

	result := provider.ToolResult{
		Name:   request.Name,
		CallID: request.CallID,
		OK:     callResult.OK,
	}
	if callResult.OK {
		payload := map[string]any{"output": callResult.Output}
		for key, value := range callResult.Metadata {
			payload[key] = value
		}
		result.Result = payload
		e.Emit(ctx, task, events.TypeAction, map[string]any{
			"text": fmt.Sprintf("Builtin tool `%s` call succeeded.", request.Name),
		})
	} else {
		result.Error = callResult.Error
		e.Emit(ctx, task, events.TypeAction, map[string]any{
			"text": fmt.Sprintf("Builtin tool `%s` call failed: %s", request.Name, callResult.Error),
		})
	}
	return result
}

func (e *Engine) callMCPTool(ctx context.Context, task *Task, request provider.ToolRequest) provider.ToolResult {
	toolResult, err := e.mcp.CallTool(ctx, request.Name, request.Arguments)
	if err != nil {
		message := apperr.From(err).Message
		e.Emit(ctx, task, events.TypeAction, map[string]any{
			"text": fmt.Sprintf("MCP tool `%s` call failed: %s", request.Name, message),
		})
		return provider.ToolResult{
			Name:   request.Name,
			CallID: request.CallID,
			OK:     false,
			Error:  message,
		}
	}

	e.Emit(ctx, task, events.TypeAction, map[string]any{
		"text": fmt.Sprintf("MCP tool `%s` call completed.", request.Name),
	})
	return provider.ToolResult{
		Name:   request.Name,
		CallID: request.CallID,
		OK:     true,
		Result: toolResult,
	}
}

func cancellationError(err error) error {
	if err == context.DeadlineExceeded {
		return apperr.New(apperr.CodeTimeout, "turn wall-clock budget exceeded", false)
	}
	return apperr.New(apperr.CodeCancelled, "turn was cancelled", false)
}

package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sleepysoong/codial/internal/apperr"
	"github.com/sleepysoong/codial/internal/attach"
	"github.com/sleepysoong/codial/internal/events"
	"github.com/sleepysoong/codial/internal/mcp"
	"github.com/sleepysoong/codial/internal/policy"
	"github.com/sleepysoong/codial/internal/provider"
	"github.com/sleepysoong/codial/internal/tools"
)

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeSink) Publish(_ context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSink) forTurn(turnID string) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []events.Event{}
	for _, event := range f.events {
		if event.TurnID == turnID {
			out = append(out, event)
		}
	}
	return out
}

type fakeIngestor struct{}

func (fakeIngestor) Ingest(_ context.Context, _, _ string, attachments []attach.Attachment) (attach.IngestResult, []attach.Attachment, error) {
	return attach.IngestResult{Summary: "No attachments."}, attachments, nil
}

// scriptedAdapter returns each scripted response in order, then repeats the
// last one.
type scriptedAdapter struct {
	mu        sync.Mutex
	name      string
	responses []provider.Response
	requests  []provider.Request
	err       error
	block     chan struct{}
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return provider.Response{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.err != nil {
		return provider.Response{}, a.err
	}
	index := len(a.requests) - 1
	if index >= len(a.responses) {
		index = len(a.responses) - 1
	}
	return a.responses[index], nil
}

type fakeMCP struct {
	mu       sync.Mutex
	tools    []mcp.Tool
	calls    []string
	result   map[string]any
	callErr  error
	initErr  error
	listErr  error
	initOnce int
}

func (f *fakeMCP) EnsureInitialized(context.Context, string, string) (mcp.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return mcp.InitializeResult{}, f.initErr
	}
	f.initOnce++
	return mcp.InitializeResult{ServerName: "fake-mcp", ProtocolVersion: mcp.ProtocolVersion}, nil
}

func (f *fakeMCP) ListTools(context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeMCP) CallTool(_ context.Context, name string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func writeWorkspaceFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testTask() *Task {
	return &Task{
		TurnID:     "turn-1",
		TraceID:    "trace-1",
		SessionID:  "session-1",
		UserID:     "user-1",
		ChannelID:  "chan-1",
		Text:       "do the thing",
		Provider:   "github-copilot-sdk",
		Model:      "gpt-5-mini",
		MCPEnabled: true,
	}
}

func newTestEngine(t *testing.T, adapter provider.Adapter, sink EventSink, opts ...EngineOption) *Engine {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	loader := policy.NewLoader(logger, t.TempDir())
	registry := provider.NewRegistry(adapter)
	return NewEngine(logger, sink, fakeIngestor{}, registry, loader, tools.NewRegistry(), opts...)
}

func eventTypes(list []events.Event) []string {
	out := make([]string, 0, len(list))
	for _, event := range list {
		out = append(out, event.Type)
	}
	return out
}

// assertSubsequence checks that want appears in order within got.
func assertSubsequence(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, item := range got {
		if i < len(want) && item == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("expected subsequence %v in %v", want, got)
	}
}

func TestProcessToolLoopHappyPath(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "github-copilot-sdk",
		responses: []provider.Response{
			{
				DecisionSummary: "calling fs.read",
				ToolRequests: []provider.ToolRequest{
					{CallID: "t1", Name: "fs.read", Arguments: map[string]any{"path": "a"}},
				},
			},
			{OutputText: "done", DecisionSummary: "finished"},
		},
	}
	sink := &fakeSink{}
	mcpClient := &fakeMCP{
		tools:  []mcp.Tool{{Name: "fs.read", InputSchema: map[string]any{"type": "object"}}},
		result: map[string]any{"content": "hello"},
	}
	engine := newTestEngine(t, adapter, sink, WithMCPClient(mcpClient))

	task := testTask()
	if err := engine.Process(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}

	turnEvents := sink.forTurn(task.TurnID)
	types := eventTypes(turnEvents)
	if types[0] != events.TypePlan {
		t.Fatalf("first event must be plan, got %v", types)
	}
	assertSubsequence(t, types,
		events.TypePlan, events.TypeAction, events.TypeDecisionSummary, events.TypeFinal)

	// an action event reports the fs.read tool call
	sawToolAction := false
	for _, event := range turnEvents {
		if event.Type == events.TypeAction && strings.Contains(fmt.Sprint(event.Payload["text"]), "fs.read") {
			sawToolAction = true
		}
	}
	if !sawToolAction {
		t.Fatalf("expected an action event for the fs.read call: %v", turnEvents)
	}
	if turnEvents[len(turnEvents)-1].Type != events.TypeFinal {
		t.Fatalf("last event must be final, got %v", types)
	}
	if got := fmt.Sprint(turnEvents[len(turnEvents)-1].Payload["text"]); got != "Task completed." {
		t.Fatalf("unexpected final text %q", got)
	}

	if len(mcpClient.calls) != 1 || mcpClient.calls[0] != "fs.read" {
		t.Fatalf("unexpected mcp calls %v", mcpClient.calls)
	}

	// the second bridge round carried the tool result
	second := adapter.requests[1]
	if len(second.ToolResults) != 1 || second.ToolResults[0].CallID != "t1" || !second.ToolResults[0].OK {
		t.Fatalf("unexpected tool results in round 2: %+v", second.ToolResults)
	}
	if second.ToolCallRound != 1 {
		t.Fatalf("expected round 1, got %d", second.ToolCallRound)
	}
}

func TestProcessToolBudgetExceeded(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "github-copilot-sdk",
		responses: []provider.Response{{
			DecisionSummary: "still working",
			ToolRequests:    []provider.ToolRequest{{CallID: "t1", Name: "fs.read"}},
		}},
	}
	sink := &fakeSink{}
	mcpClient := &fakeMCP{
		tools:  []mcp.Tool{{Name: "fs.read"}},
		result: map[string]any{"content": "x"},
	}
	engine := newTestEngine(t, adapter, sink, WithMCPClient(mcpClient))

	task := testTask()
	err := engine.Process(context.Background(), task)
	if apperr.CodeOf(err) != apperr.CodeToolBudgetExceeded {
		t.Fatalf("expected TOOL_BUDGET_EXCEEDED, got %v", err)
	}

	if len(adapter.requests) != MaxToolRounds {
		t.Fatalf("expected %d bridge rounds, got %d", MaxToolRounds, len(adapter.requests))
	}

	turnEvents := sink.forTurn(task.TurnID)
	last := turnEvents[len(turnEvents)-1]
	if last.Type != events.TypeFinal {
		t.Fatalf("expected a final event, got %v", eventTypes(turnEvents))
	}
	if !strings.Contains(fmt.Sprint(last.Payload["text"]), "budget") {
		t.Fatalf("final event must mention the exhausted budget: %v", last.Payload)
	}
}

func TestProcessTerminalWithoutTools(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "answer", DecisionSummary: "direct"}},
	}
	sink := &fakeSink{}
	engine := newTestEngine(t, adapter, sink)

	task := testTask()
	task.MCPEnabled = false
	if err := engine.Process(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}

	types := eventTypes(sink.forTurn(task.TurnID))
	assertSubsequence(t, types,
		events.TypePlan, events.TypeDecisionSummary, events.TypeResponseDelta, events.TypeFinal)
}

func TestProcessUnknownProvider(t *testing.T) {
	adapter := &scriptedAdapter{name: "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "x"}}}
	engine := newTestEngine(t, adapter, &fakeSink{})

	task := testTask()
	task.Provider = "openai-api"
	err := engine.Process(context.Background(), task)
	if apperr.CodeOf(err) != apperr.CodeProviderNotEnabled {
		t.Fatalf("expected PROVIDER_NOT_ENABLED, got %v", err)
	}
}

func TestProcessMCPFailureFallsBackToBuiltins(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "ok", DecisionSummary: "done"}},
	}
	sink := &fakeSink{}
	mcpClient := &fakeMCP{listErr: errors.New("listing broke")}
	engine := newTestEngine(t, adapter, sink, WithMCPClient(mcpClient))

	task := testTask()
	if err := engine.Process(context.Background(), task); err != nil {
		t.Fatalf("mcp discovery failure must not fail the turn: %v", err)
	}

	sawFallback := false
	for _, event := range sink.forTurn(task.TurnID) {
		if strings.Contains(fmt.Sprint(event.Payload["text"]), "builtin tools only") {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Fatalf("expected a fallback action event")
	}
}

func TestProcessPolicyViolationFailsFast(t *testing.T) {
	adapter := &scriptedAdapter{name: "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "x"}}}
	sink := &fakeSink{}

	logger := log.New(io.Discard, "", 0)
	root := t.TempDir()
	writeWorkspaceFile(t, root, "RULES.md", "deny_providers: github-copilot-sdk\n")
	loader := policy.NewLoader(logger, root)
	engine := NewEngine(logger, sink, fakeIngestor{}, provider.NewRegistry(adapter), loader, tools.NewRegistry())

	task := testTask()
	task.MCPEnabled = false
	err := engine.Process(context.Background(), task)
	if apperr.CodeOf(err) != apperr.CodePolicyViolation {
		t.Fatalf("expected POLICY_VIOLATION, got %v", err)
	}
	if len(adapter.requests) != 0 {
		t.Fatalf("the bridge must not be called on a policy violation")
	}
}

func TestProcessCancellation(t *testing.T) {
	adapter := &scriptedAdapter{name: "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "x"}}}
	engine := newTestEngine(t, adapter, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := testTask()
	task.MCPEnabled = false
	err := engine.Process(ctx, task)
	if apperr.CodeOf(err) != apperr.CodeCancelled {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
}

func TestProcessAppliesSubagent(t *testing.T) {
	adapter := &scriptedAdapter{
		name:      "github-copilot-sdk",
		responses: []provider.Response{{OutputText: "ok", DecisionSummary: "done"}},
	}
	sink := &fakeSink{}

	logger := log.New(io.Discard, "", 0)
	root := t.TempDir()
	writeWorkspaceFile(t, root, ".claude/agents/reviewer.md",
		"---\nname: reviewer\nmodel: gpt-5\n---\n\nReview the change carefully.\n")
	loader := policy.NewLoader(logger, root)
	engine := NewEngine(logger, sink, fakeIngestor{}, provider.NewRegistry(adapter), loader, tools.NewRegistry())

	task := testTask()
	task.MCPEnabled = false
	task.SubagentName = "reviewer"
	if err := engine.Process(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := adapter.requests[0]
	if req.Model != "gpt-5" {
		t.Fatalf("subagent model not applied, got %q", req.Model)
	}
	if !strings.Contains(req.Text, "Review the change carefully.") || !strings.Contains(req.Text, "do the thing") {
		t.Fatalf("subagent prompt not folded into text: %q", req.Text)
	}
}

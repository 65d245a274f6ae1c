package tools

import (
	"context"
	"sort"
	"sync"
)

// Registry manages builtin tools by name. A call to an unregistered name
// returns a failed Result, never an error; tool panics are captured the
// same way.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous one with the same name.
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, Spec{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (result Result) {
	tool, ok := r.Get(name)
	if !ok {
		return fail("unknown builtin tool: %s", name)
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			result = fail("tool %s panicked: %v", name, recovered)
		}
	}()
	return tool.Execute(ctx, args)
}

// DefaultRegistry builds the stock tool set rooted at the workspace.
// file_read and hashline_edit share a tracker: reads record the file's
// mtime and edits refuse to run without a fresh read.
func DefaultRegistry(workspaceRoot string) *Registry {
	registry := NewRegistry()
	tracker := newReadTracker()
	registry.Register(NewWebFetchTool())
	registry.Register(NewFileReadTool(workspaceRoot, tracker))
	registry.Register(NewHashlineEditTool(workspaceRoot, tracker))
	registry.Register(NewFileWriteTool(workspaceRoot))
	registry.Register(NewGlobTool(workspaceRoot))
	registry.Register(NewGrepTool(workspaceRoot))
	return registry
}

func stringArg(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Package tools hosts the builtin tools the turn engine exposes to the
// provider bridge alongside MCP tools.
package tools

import (
	"context"
	"fmt"
)

// Result is the outcome of one tool call. Failures are expressed through
// OK/Error, never through a Go error, so the engine can feed them back to
// the bridge as tool results.
type Result struct {
	OK       bool
	Output   string
	Error    string
	Metadata map[string]any
}

// Spec is the tool description advertised to the provider bridge.
type Spec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) Result
}

func fail(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

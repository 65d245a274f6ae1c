package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// FileWriteTool writes text content to a file, creating parent directories
// as needed.
type FileWriteTool struct {
	workspaceRoot string
}

func NewFileWriteTool(workspaceRoot string) *FileWriteTool {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		abs = workspaceRoot
	}
	return &FileWriteTool{workspaceRoot: abs}
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write text content to a file, overwriting any existing content. " +
		"Parent directories are created."
}

func (t *FileWriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace root.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write.",
			},
		},
		"required": []any{"path", "content"},
	}
}

func (t *FileWriteTool) Execute(_ context.Context, args map[string]any) Result {
	raw := strings.TrimSpace(stringArg(args, "path"))
	if raw == "" {
		return fail("path argument is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return fail("content argument is required")
	}

	target := resolvePath(t.workspaceRoot, raw)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fail("cannot create parent directory for %s: %v", target, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fail("cannot write file %s: %v", target, err)
	}

	return Result{
		OK:       true,
		Output:   "wrote " + target,
		Metadata: map[string]any{"byte_count": len(content)},
	}
}

package tools

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	fileReadMaxLines = 2000
	fileReadMaxBytes = 500_000
)

// FileReadTool reads a file as hashline-formatted lines (with
// offset/limit) or lists a directory. Each read is recorded in the tracker
// so hashline_edit can insist on fresh hashes.
type FileReadTool struct {
	workspaceRoot string
	tracker       *readTracker
}

func NewFileReadTool(workspaceRoot string, tracker *readTracker) *FileReadTool {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		abs = workspaceRoot
	}
	return &FileReadTool{workspaceRoot: abs, tracker: tracker}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a file as hashline-formatted text (lineno:hash| content), or list a directory. " +
		"Each line carries a 2-character content hash usable as an anchor in hashline_edit. " +
		"offset and limit select a line range."
}

func (t *FileReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File or directory path, absolute or relative to the workspace root.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "1-indexed first line to read. Defaults to 1.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to read. Defaults to 2000.",
			},
		},
		"required": []any{"path"},
	}
}

func (t *FileReadTool) Execute(_ context.Context, args map[string]any) Result {
	raw := strings.TrimSpace(stringArg(args, "path"))
	if raw == "" {
		return fail("path argument is required")
	}
	target := resolvePath(t.workspaceRoot, raw)

	info, err := os.Stat(target)
	if err != nil {
		return fail("path not found: %s", target)
	}
	if info.IsDir() {
		return t.readDirectory(target)
	}
	result := t.readFile(target, args)
	if result.OK {
		t.tracker.record(target, info.ModTime())
	}
	return result
}

func (t *FileReadTool) readDirectory(target string) Result {
	entries, err := os.ReadDir(target)
	if err != nil {
		return fail("cannot read directory %s: %v", target, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		suffix := ""
		if entry.IsDir() {
			suffix = "/"
		}
		lines = append(lines, entry.Name()+suffix)
	}
	return Result{
		OK:       true,
		Output:   strings.Join(lines, "\n"),
		Metadata: map[string]any{"type": "directory", "entry_count": len(lines)},
	}
}

func (t *FileReadTool) readFile(target string, args map[string]any) Result {
	offset := intArg(args, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := intArg(args, "limit", fileReadMaxLines)
	if limit < 1 {
		limit = 1
	}
	if limit > fileReadMaxLines {
		limit = fileReadMaxLines
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		return fail("cannot read file %s: %v", target, err)
	}
	truncated := len(raw) > fileReadMaxBytes
	text := string(raw)
	if truncated {
		text = text[:fileReadMaxBytes]
	}

	allLines := strings.Split(text, "\n")
	total := len(allLines)
	start := offset - 1
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	selected := allLines[start:end]

	stripped := make([]string, 0, len(selected))
	for _, line := range selected {
		stripped = append(stripped, strings.TrimRight(line, "\r"))
	}
	hashed := formatLinesWithHash(stripped, offset)

	return Result{
		OK:     true,
		Output: strings.Join(hashed, "\n"),
		Metadata: map[string]any{
			"type":           "file",
			"total_lines":    total,
			"offset":         offset,
			"lines_returned": len(selected),
			"byte_count":     len(raw),
			"truncated":      truncated,
		},
	}
}

func resolvePath(root, raw string) string {
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw)
	}
	return filepath.Clean(filepath.Join(root, raw))
}

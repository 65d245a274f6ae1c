package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HashlineEditTool replaces, deletes or inserts file lines addressed by
// the hash anchors file_read emits. The anchors survive whitespace and
// indentation drift, unlike literal string replacement.
//
// The file must have been read with file_read first, and read again after
// every modification, so the anchors always refer to the current content.
type HashlineEditTool struct {
	workspaceRoot string
	tracker       *readTracker
}

func NewHashlineEditTool(workspaceRoot string, tracker *readTracker) *HashlineEditTool {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		abs = workspaceRoot
	}
	return &HashlineEditTool{workspaceRoot: abs, tracker: tracker}
}

func (t *HashlineEditTool) Name() string { return "hashline_edit" }

func (t *HashlineEditTool) Description() string {
	return "Edit a file using the hash anchors from file_read's output (lineno:hash| content). " +
		"The file must be read with file_read first, and again after every edit. " +
		"start_hash..end_hash is replaced by new_content (same hash for a single line, " +
		"empty new_content deletes the range); insert_after_hash inserts new lines instead."
}

func (t *HashlineEditTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File to edit, absolute or relative to the workspace root.",
			},
			"start_hash": map[string]any{
				"type":        "string",
				"description": "Hash of the first line to replace, from file_read's lineno:hash| output.",
			},
			"end_hash": map[string]any{
				"type":        "string",
				"description": "Hash of the last line to replace. Equal to start_hash for a single line.",
			},
			"new_content": map[string]any{
				"type":        "string",
				"description": "Replacement code. An empty string deletes the range.",
			},
			"insert_after_hash": map[string]any{
				"type":        "string",
				"description": "Insert new_content after this line instead of replacing a range.",
			},
			"start_lineno": map[string]any{
				"type":        "integer",
				"description": "1-indexed line hint to disambiguate a duplicated start hash.",
			},
			"end_lineno": map[string]any{
				"type":        "integer",
				"description": "1-indexed line hint to disambiguate a duplicated end hash.",
			},
		},
		"required": []any{"path", "new_content"},
	}
}

func (t *HashlineEditTool) Execute(_ context.Context, args map[string]any) Result {
	raw := strings.TrimSpace(stringArg(args, "path"))
	if raw == "" {
		return fail("path argument is required")
	}
	target := resolvePath(t.workspaceRoot, raw)

	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return fail("file not found: %s", target)
	}
	if reason := t.tracker.checkEditAllowed(target); reason != "" {
		return fail("%s", reason)
	}

	newContent, ok := args["new_content"].(string)
	if !ok {
		return fail("new_content argument is required")
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return fail("cannot read file %s: %v", target, err)
	}
	lines := splitKeepEnds(string(data))
	index := buildHashIndex(strippedLines(lines))

	if insertAfter := strings.TrimSpace(stringArg(args, "insert_after_hash")); insertAfter != "" {
		return t.insert(target, lines, index, insertAfter, newContent, args)
	}
	return t.replace(target, lines, index, newContent, args)
}

func (t *HashlineEditTool) insert(target string, lines []string, index map[string][]int, insertAfter, newContent string, args map[string]any) Result {
	idx, ok := resolveHash(insertAfter, index, hintIndex(args, "start_lineno"))
	if !ok {
		return fail("no line matches insert_after_hash %q", insertAfter)
	}

	newLines := contentLines(newContent)
	result := make([]string, 0, len(lines)+len(newLines))
	result = append(result, lines[:idx+1]...)
	result = append(result, newLines...)
	result = append(result, lines[idx+1:]...)
	return t.writeAndPreview(target, result, "inserted", idx+1, len(newLines))
}

func (t *HashlineEditTool) replace(target string, lines []string, index map[string][]int, newContent string, args map[string]any) Result {
	startHash := strings.TrimSpace(stringArg(args, "start_hash"))
	endHash := strings.TrimSpace(stringArg(args, "end_hash"))
	if startHash == "" {
		return fail("start_hash argument is required (use insert_after_hash to insert)")
	}
	if endHash == "" {
		return fail("end_hash argument is required")
	}

	startIdx, ok := resolveHash(startHash, index, hintIndex(args, "start_lineno"))
	if !ok {
		return fail("no line matches start_hash %q", startHash)
	}
	endIdx, ok := resolveHash(endHash, index, hintIndex(args, "end_lineno"))
	if !ok {
		return fail("no line matches end_hash %q", endHash)
	}
	if startIdx > endIdx {
		startIdx, endIdx = endIdx, startIdx
	}

	newLines := contentLines(newContent)
	replaced := endIdx - startIdx + 1
	result := make([]string, 0, len(lines)-replaced+len(newLines))
	result = append(result, lines[:startIdx]...)
	result = append(result, newLines...)
	result = append(result, lines[endIdx+1:]...)

	action := "replaced"
	if len(newLines) == 0 {
		action = "deleted"
	}
	return t.writeAndPreview(target, result, action, startIdx, replaced)
}

// writeAndPreview persists the edit and returns a hashline preview around
// the touched range. The tracker entry is dropped so the next edit must
// re-read the file.
func (t *HashlineEditTool) writeAndPreview(target string, lines []string, action string, affectedStart, affectedCount int) Result {
	if err := os.WriteFile(target, []byte(strings.Join(lines, "")), 0o644); err != nil {
		return fail("cannot write file %s: %v", target, err)
	}
	t.tracker.invalidate(target)

	previewStart := affectedStart - 2
	if previewStart < 0 {
		previewStart = 0
	}
	previewEnd := affectedStart + affectedCount + 2
	if previewEnd > len(lines) {
		previewEnd = len(lines)
	}
	preview := formatLinesWithHash(strippedLines(lines[previewStart:previewEnd]), previewStart+1)

	return Result{
		OK: true,
		Output: fmt.Sprintf("%s %d line(s).\n--- preview after change ---\n%s",
			capitalize(action), affectedCount, strings.Join(preview, "\n")),
		Metadata: map[string]any{
			"action":         action,
			"affected_start": affectedStart + 1,
			"affected_count": affectedCount,
			"total_lines":    len(lines),
		},
	}
}

func hintIndex(args map[string]any, key string) int {
	if hint := intArg(args, key, 0); hint >= 1 {
		return hint - 1
	}
	return -1
}

// splitKeepEnds splits text into lines that keep their trailing newline.
func splitKeepEnds(text string) []string {
	if text == "" {
		return nil
	}
	lines := []string{}
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			if text != "" {
				lines = append(lines, text)
			}
			return lines
		}
		lines = append(lines, text[:i+1])
		text = text[i+1:]
	}
}

func strippedLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, strings.TrimRight(line, "\r\n"))
	}
	return out
}

// contentLines prepares replacement lines, guaranteeing a trailing newline
// on the last one.
func contentLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := splitKeepEnds(content)
	if len(lines) > 0 && !strings.HasSuffix(lines[len(lines)-1], "\n") {
		lines[len(lines)-1] += "\n"
	}
	return lines
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

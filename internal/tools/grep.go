package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	grepMaxResults   = 500
	grepMaxFileBytes = 1_000_000
)

// GrepTool searches workspace files for a regular expression.
type GrepTool struct {
	workspaceRoot string
}

func NewGrepTool(workspaceRoot string) *GrepTool {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		abs = workspaceRoot
	}
	return &GrepTool{workspaceRoot: abs}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents for a regular expression. " +
		"Returns file path, line number and the matching line."
}

func (t *GrepTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search from. Defaults to the workspace root.",
			},
			"include": map[string]any{
				"type":        "string",
				"description": "Glob matched against file base names, e.g. *.go.",
			},
		},
		"required": []any{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) Result {
	rawPattern := strings.TrimSpace(stringArg(args, "pattern"))
	if rawPattern == "" {
		return fail("pattern argument is required")
	}
	regex, err := regexp.Compile(rawPattern)
	if err != nil {
		return fail("invalid regular expression: %v", err)
	}

	root := t.workspaceRoot
	if raw := strings.TrimSpace(stringArg(args, "path")); raw != "" {
		candidate := resolvePath(t.workspaceRoot, raw)
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			root = candidate
		}
	}
	include := strings.TrimSpace(stringArg(args, "include"))

	results := []string{}
	fileMatches := 0
	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || len(results) >= grepMaxResults {
			return nil
		}
		if include != "" {
			matched, matchErr := filepath.Match(include, entry.Name())
			if matchErr != nil || !matched {
				return nil
			}
		}
		info, err := entry.Info()
		if err != nil || info.Size() > grepMaxFileBytes {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		matchedFile := false
		for lineNum, line := range strings.Split(string(raw), "\n") {
			if len(results) >= grepMaxResults {
				break
			}
			if regex.MatchString(line) {
				results = append(results, fmt.Sprintf("%s:%d: %s", path, lineNum+1, strings.TrimRight(line, "\r")))
				matchedFile = true
			}
		}
		if matchedFile {
			fileMatches++
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return fail("search cancelled: %v", walkErr)
	}

	output := strings.Join(results, "\n")
	if output == "" {
		output = "(no matches)"
	}
	return Result{
		OK:     true,
		Output: output,
		Metadata: map[string]any{
			"match_count": len(results),
			"file_count":  fileMatches,
			"truncated":   len(results) >= grepMaxResults,
		},
	}
}

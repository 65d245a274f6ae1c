package tools

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const globMaxResults = 1000

// GlobTool finds files by glob pattern. Patterns are matched against the
// path relative to the search root; a "**" segment spans any number of
// directories.
type GlobTool struct {
	workspaceRoot string
}

func NewGlobTool(workspaceRoot string) *GlobTool {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		abs = workspaceRoot
	}
	return &GlobTool{workspaceRoot: abs}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files by glob pattern, e.g. **/*.go, src/**/*.ts or *.json."
}

func (t *GlobTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern, e.g. **/*.go or src/**/*.ts.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search from. Defaults to the workspace root.",
			},
		},
		"required": []any{"pattern"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) Result {
	pattern := strings.TrimSpace(stringArg(args, "pattern"))
	if pattern == "" {
		return fail("pattern argument is required")
	}
	if err := validateGlobPattern(pattern); err != nil {
		return fail("invalid glob pattern: %v", err)
	}

	root := t.workspaceRoot
	if raw := strings.TrimSpace(stringArg(args, "path")); raw != "" {
		candidate := resolvePath(t.workspaceRoot, raw)
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			root = candidate
		}
	}

	matches := []string{}
	walkErr := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		if globMatch(pattern, filepath.ToSlash(rel)) {
			matches = append(matches, p)
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return fail("search cancelled: %v", walkErr)
	}

	sort.Strings(matches)
	total := len(matches)
	truncated := total > globMaxResults
	if truncated {
		matches = matches[:globMaxResults]
	}

	output := strings.Join(matches, "\n")
	if output == "" {
		output = "(no matching files)"
	}
	return Result{
		OK:     true,
		Output: output,
		Metadata: map[string]any{
			"match_count": total,
			"truncated":   truncated,
		},
	}
}

func validateGlobPattern(pattern string) error {
	for _, segment := range strings.Split(pattern, "/") {
		if segment == "**" {
			continue
		}
		if _, err := path.Match(segment, "probe"); err != nil {
			return err
		}
	}
	return nil
}

// globMatch matches a slash-separated relative path against the pattern,
// segment by segment; "**" consumes zero or more segments.
func globMatch(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, parts []string) bool {
	if len(pattern) == 0 {
		return len(parts) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], parts) {
			return true
		}
		if len(parts) == 0 {
			return false
		}
		return matchSegments(pattern, parts[1:])
	}
	if len(parts) == 0 {
		return false
	}
	matched, err := path.Match(pattern[0], parts[0])
	if err != nil || !matched {
		return false
	}
	return matchSegments(pattern[1:], parts[1:])
}

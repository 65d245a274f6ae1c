package policy

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SubagentSpec is a named agent profile loaded from a markdown file with
// YAML frontmatter; the body is the subagent prompt.
type SubagentSpec struct {
	Name            string
	Description     string
	Prompt          string
	Tools           []string
	DisallowedTools []string
	// Model is "inherit" when the subagent does not pin one.
	Model          string
	PermissionMode string
	MaxTurns       int
	Skills         []string
	MCPServers     []string
	Memory         string
	SourcePath     string
}

// DefaultSubagentSearchPaths returns the global agents directory followed by
// the workspace one; the workspace overrides on name collision.
func DefaultSubagentSearchPaths(workspaceRoot string) []string {
	paths := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".claude", "agents"))
	}
	paths = append(paths, filepath.Join(workspaceRoot, ".claude", "agents"))
	return paths
}

func discoverSubagents(logger *log.Logger, basePaths []string) []SubagentSpec {
	byName := map[string]SubagentSpec{}
	order := []string{}

	for _, base := range basePaths {
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, entry := range sortedEntries(entries) {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(base, entry.Name())
			spec, err := parseSubagentFile(path)
			if err != nil {
				logger.Printf("policy subagent parse warning path=%s err=%v", path, err)
				continue
			}
			if _, seen := byName[spec.Name]; !seen {
				order = append(order, spec.Name)
			}
			byName[spec.Name] = spec
		}
	}

	out := make([]SubagentSpec, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

func parseSubagentFile(path string) (SubagentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SubagentSpec{}, err
	}
	meta, prompt, err := splitFrontmatter(string(data))
	if err != nil {
		return SubagentSpec{}, err
	}

	name := optionalString(meta["name"])
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	description := optionalString(meta["description"])
	if description == "" {
		description = "no description"
	}
	model := optionalString(meta["model"])
	if model == "" {
		model = "inherit"
	}
	permissionMode := optionalString(meta["permissionMode"])
	if permissionMode == "" {
		permissionMode = "default"
	}

	return SubagentSpec{
		Name:            name,
		Description:     description,
		Prompt:          prompt,
		Tools:           normalizeStringList(meta["tools"]),
		DisallowedTools: normalizeStringList(meta["disallowedTools"]),
		Model:           model,
		PermissionMode:  permissionMode,
		MaxTurns:        optionalPositiveInt(meta["maxTurns"]),
		Skills:          normalizeStringList(meta["skills"]),
		MCPServers:      mcpServerNames(meta["mcpServers"]),
		Memory:          optionalString(meta["memory"]),
		SourcePath:      path,
	}, nil
}

func optionalPositiveInt(value any) int {
	if n, ok := value.(int); ok && n > 0 {
		return n
	}
	return 0
}

// mcpServerNames accepts either plain names or single-key maps per entry.
func mcpServerNames(value any) []string {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	names := []string{}
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if name := strings.TrimSpace(v); name != "" {
				names = append(names, name)
			}
		case map[string]any:
			keys := make([]string, 0, len(v))
			for key := range v {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			names = append(names, keys...)
		}
	}
	return names
}

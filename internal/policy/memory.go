package policy

import (
	"os"
	"path/filepath"
	"strings"
)

// MemoryChain is the merged CLAUDE.md memory: the user-global file first,
// then every CLAUDE.md walking upward from the workspace root.
type MemoryChain struct {
	LoadedPaths []string
	MergedText  string
}

func loadMemoryChain(workspaceRoot string) MemoryChain {
	candidates := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".claude", "CLAUDE.md"))
	}

	current, err := filepath.Abs(workspaceRoot)
	if err != nil {
		current = workspaceRoot
	}
	for {
		candidates = append(candidates, filepath.Join(current, "CLAUDE.md"))
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	chain := MemoryChain{}
	parts := []string{}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		chain.LoadedPaths = append(chain.LoadedPaths, path)
		parts = append(parts, string(data))
	}
	chain.MergedText = strings.Join(parts, "\n\n")
	return chain
}

// Package policy loads the workspace policy files (RULES.md, CODIAL.md,
// AGENTS.md, CLAUDE.md memory chain, skills and subagent definitions) into
// immutable snapshots.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// AgentDefaults are the session seed values declared in AGENTS.md.
type AgentDefaults struct {
	Provider       string
	Model          string
	MCPEnabled     *bool
	MCPProfileName string
}

// Snapshot is an immutable view of the workspace policy. Two loads over an
// unchanged filesystem produce snapshots with equal ContentHash.
type Snapshot struct {
	RulesSummary  string
	AgentsSummary string
	SkillsSummary string
	MemorySummary string

	RulesText  string
	AgentsText string
	MemoryText string

	MemoryPaths []string
	Skills      []SkillSpec
	Subagents   []SubagentSpec

	AgentDefaults AgentDefaults
	ContentHash   string
}

// Subagent resolves a subagent definition by name.
func (s *Snapshot) Subagent(name string) (SubagentSpec, bool) {
	for _, spec := range s.Subagents {
		if spec.Name == name {
			return spec, true
		}
	}
	return SubagentSpec{}, false
}

func (s *Snapshot) SubagentNames() []string {
	names := make([]string, 0, len(s.Subagents))
	for _, spec := range s.Subagents {
		names = append(names, spec.Name)
	}
	return names
}

// Loader produces policy snapshots for a workspace root. Snapshots are
// cached until the watcher (or Invalidate) observes a change; without a
// watcher every Load re-reads the filesystem.
type Loader struct {
	logger        *log.Logger
	workspaceRoot string

	mu      sync.Mutex
	cached  *Snapshot
	caching bool
	watcher *fsnotify.Watcher
}

func NewLoader(logger *log.Logger, workspaceRoot string) *Loader {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Loader{logger: logger, workspaceRoot: workspaceRoot}
}

func (l *Loader) Load() (*Snapshot, error) {
	l.mu.Lock()
	if l.caching && l.cached != nil {
		snapshot := l.cached
		l.mu.Unlock()
		return snapshot, nil
	}
	l.mu.Unlock()

	snapshot, err := l.read()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.caching {
		l.cached = snapshot
	}
	l.mu.Unlock()
	return snapshot, nil
}

// Invalidate drops the cached snapshot.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}

// Watch enables snapshot caching and invalidates it whenever a policy path
// under the workspace changes. Returns once the watcher is installed.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}

	watchDirs := []string{
		l.workspaceRoot,
		filepath.Join(l.workspaceRoot, "skills"),
		filepath.Join(l.workspaceRoot, ".claude"),
		filepath.Join(l.workspaceRoot, ".claude", "skills"),
		filepath.Join(l.workspaceRoot, ".claude", "commands"),
		filepath.Join(l.workspaceRoot, ".claude", "agents"),
	}
	added := 0
	for _, dir := range watchDirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			l.logger.Printf("policy watch warning dir=%s err=%v", dir, err)
			continue
		}
		added++
	}
	if added == 0 {
		_ = watcher.Close()
		return fmt.Errorf("no policy directories to watch under %s", l.workspaceRoot)
	}

	l.mu.Lock()
	l.caching = true
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				l.logger.Printf("policy change detected path=%s op=%s", event.Name, event.Op)
				l.Invalidate()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Printf("policy watch error err=%v", err)
			}
		}
	}()
	return nil
}

func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}

func (l *Loader) read() (*Snapshot, error) {
	rulesPath := filepath.Join(l.workspaceRoot, "RULES.md")
	codialPath := filepath.Join(l.workspaceRoot, "CODIAL.md")
	agentsPath := filepath.Join(l.workspaceRoot, "AGENTS.md")

	rulesText := mergeTexts(readFileText(rulesPath), readFileText(codialPath))
	agentsText := readFileText(agentsPath)
	memory := loadMemoryChain(l.workspaceRoot)

	skills := discoverSkills(l.logger,
		[]string{filepath.Join(l.workspaceRoot, ".claude", "skills")},
		[]string{filepath.Join(l.workspaceRoot, ".claude", "commands")},
	)
	subagents := discoverSubagents(l.logger, DefaultSubagentSearchPaths(l.workspaceRoot))

	snapshot := &Snapshot{
		RulesSummary:  headline(rulesText, "no rules file"),
		AgentsSummary: headline(agentsText, "no agents file"),
		SkillsSummary: skillsSummary(l.workspaceRoot, skills),
		MemorySummary: memorySummary(memory),
		RulesText:     rulesText,
		AgentsText:    agentsText,
		MemoryText:    memory.MergedText,
		MemoryPaths:   memory.LoadedPaths,
		Skills:        skills,
		Subagents:     subagents,
		AgentDefaults: extractAgentDefaults(agentsText),
	}
	snapshot.ContentHash = contentHash(snapshot)
	return snapshot, nil
}

func extractAgentDefaults(agentsText string) AgentDefaults {
	defaults := AgentDefaults{}
	for _, raw := range strings.Split(agentsText, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch key {
		case "default_provider":
			defaults.Provider = value
		case "default_model":
			defaults.Model = value
		case "default_mcp_enabled":
			switch strings.ToLower(value) {
			case "true", "yes", "1":
				enabled := true
				defaults.MCPEnabled = &enabled
			case "false", "no", "0":
				enabled := false
				defaults.MCPEnabled = &enabled
			}
		case "default_mcp_profile":
			defaults.MCPProfileName = value
		}
	}
	return defaults
}

func contentHash(s *Snapshot) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, part := range parts {
			h.Write([]byte(part))
			h.Write([]byte{0})
		}
	}
	write(s.RulesText, s.AgentsText, s.MemoryText)
	write(s.MemoryPaths...)
	for _, skill := range s.Skills {
		write(skill.Name, skill.Description, skill.Body, skill.Model, skill.Agent)
		write(skill.AllowedTools...)
	}
	for _, sub := range s.Subagents {
		write(sub.Name, sub.Description, sub.Prompt, sub.Model, sub.Memory)
		write(sub.Tools...)
		write(sub.MCPServers...)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func readFileText(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func mergeTexts(parts ...string) string {
	kept := []string{}
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "\n\n")
}

func headline(text, missing string) string {
	if strings.TrimSpace(text) == "" {
		return missing
	}
	return firstNonEmptyLine(text)
}

func skillsSummary(workspaceRoot string, skills []SkillSpec) string {
	names := []string{}
	names = append(names, yamlSkillFiles(filepath.Join(workspaceRoot, "skills"))...)
	for _, skill := range skills {
		names = append(names, skill.Name)
	}
	if len(names) == 0 {
		return "no skills"
	}
	return strings.Join(names, ", ")
}

func memorySummary(chain MemoryChain) string {
	if len(chain.LoadedPaths) == 0 {
		return "no memory files"
	}
	return fmt.Sprintf("%d memory file(s)", len(chain.LoadedPaths))
}

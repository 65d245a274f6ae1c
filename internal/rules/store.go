// Package rules manages the user-maintained CODIAL.md rule list.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sleepysoong/codial/internal/apperr"
)

const fileName = "CODIAL.md"

// Store reads and rewrites the CODIAL.md bullet list. Mutations rewrite the
// whole file through a temp file + rename and are serialized by one lock.
type Store struct {
	mu            sync.Mutex
	workspaceRoot string
	path          string
}

func NewStore(workspaceRoot string) *Store {
	return &Store{
		workspaceRoot: workspaceRoot,
		path:          filepath.Join(workspaceRoot, fileName),
	}
}

func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) Append(rule string) ([]string, error) {
	rule = strings.TrimSpace(rule)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return nil, err
	}
	if rule == "" {
		return current, nil
	}

	updated := append(current, rule)
	if err := s.write(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove deletes the rule at a 1-based index.
func (s *Store) Remove(index int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(current) {
		return nil, apperr.Newf(apperr.CodeIndexOutOfRange, false,
			"rule index %d is out of range (1..%d)", index, len(current))
	}

	updated := append([]string{}, current[:index-1]...)
	updated = append(updated, current[index:]...)
	if err := s.write(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) read() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	rules := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "- ") {
			rules = append(rules, strings.TrimSpace(stripped[2:]))
		}
	}
	return rules, nil
}

func (s *Store) write(rules []string) error {
	if err := os.MkdirAll(s.workspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	var b strings.Builder
	b.WriteString("# CODIAL.md\n\n## Rules\n\n")
	for _, rule := range rules {
		b.WriteString("- ")
		b.WriteString(rule)
		b.WriteString("\n")
	}

	tmp, err := os.CreateTemp(s.workspaceRoot, fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp rules file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp rules file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp rules file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace rules file: %w", err)
	}
	return nil
}

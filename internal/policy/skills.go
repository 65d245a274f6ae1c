package policy

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SkillSpec is a skill or command definition parsed from a markdown file
// with YAML frontmatter.
type SkillSpec struct {
	Name                   string
	Description            string
	Path                   string
	ArgumentHint           string
	DisableModelInvocation bool
	UserInvocable          bool
	AllowedTools           []string
	Model                  string
	Context                string
	Agent                  string
	Body                   string
}

func parseSkillFile(path, fallbackName string) (SkillSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SkillSpec{}, err
	}
	meta, body, err := splitFrontmatter(string(data))
	if err != nil {
		return SkillSpec{}, err
	}

	name := optionalString(meta["name"])
	if name == "" {
		name = fallbackName
	}
	description := optionalString(meta["description"])
	if description == "" {
		description = firstNonEmptyLine(body)
	}

	return SkillSpec{
		Name:                   name,
		Description:            description,
		Path:                   path,
		ArgumentHint:           optionalString(meta["argument-hint"]),
		DisableModelInvocation: optionalBool(meta["disable-model-invocation"], false),
		UserInvocable:          optionalBool(meta["user-invocable"], true),
		AllowedTools:           normalizeStringList(meta["allowed-tools"]),
		Model:                  optionalString(meta["model"]),
		Context:                optionalString(meta["context"]),
		Agent:                  optionalString(meta["agent"]),
		Body:                   body,
	}, nil
}

// discoverSkills scans skill directories (one SKILL.md per subdirectory) and
// command directories (flat *.md files). Later discoveries override earlier
// ones by name; a malformed file is logged and skipped.
func discoverSkills(logger *log.Logger, skillDirs, commandDirs []string) []SkillSpec {
	byName := map[string]SkillSpec{}
	order := []string{}

	record := func(spec SkillSpec) {
		if _, seen := byName[spec.Name]; !seen {
			order = append(order, spec.Name)
		}
		byName[spec.Name] = spec
	}

	for _, dir := range skillDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range sortedEntries(entries) {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name(), "SKILL.md")
			if _, err := os.Stat(path); err != nil {
				continue
			}
			spec, err := parseSkillFile(path, entry.Name())
			if err != nil {
				logger.Printf("policy skill parse warning path=%s err=%v", path, err)
				continue
			}
			record(spec)
		}
	}

	for _, dir := range commandDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range sortedEntries(entries) {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			spec, err := parseSkillFile(path, strings.TrimSuffix(entry.Name(), ".md"))
			if err != nil {
				logger.Printf("policy command parse warning path=%s err=%v", path, err)
				continue
			}
			record(spec)
		}
	}

	out := make([]SkillSpec, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// yamlSkillFiles lists the legacy skills/*.yaml file names used in the
// skills summary line.
func yamlSkillFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func sortedEntries(entries []os.DirEntry) []os.DirEntry {
	out := make([]os.DirEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if candidate := strings.TrimSpace(line); candidate != "" {
			if len(candidate) > 200 {
				return candidate[:200]
			}
			return candidate
		}
	}
	return "no description"
}

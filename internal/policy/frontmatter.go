package policy

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// splitFrontmatter separates a leading YAML frontmatter block from the
// markdown body. Without a block the whole text is the body.
func splitFrontmatter(text string) (map[string]any, string, error) {
	stripped := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(stripped, "---\n") && stripped != "---" {
		return map[string]any{}, strings.TrimSpace(text), nil
	}

	lines := strings.Split(stripped, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return map[string]any{}, strings.TrimSpace(text), nil
	}

	raw := strings.Join(lines[1:end], "\n")
	body := strings.TrimSpace(strings.Join(lines[end+1:], "\n"))

	meta := map[string]any{}
	if err := yaml.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, body, err
	}
	return meta, body, nil
}

// normalizeStringList accepts a comma separated string or a YAML list and
// returns the trimmed, non-empty entries.
func normalizeStringList(value any) []string {
	switch v := value.(type) {
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if item := strings.TrimSpace(part); item != "" {
				out = append(out, item)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

func optionalString(value any) string {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func optionalBool(value any, fallback bool) bool {
	if b, ok := value.(bool); ok {
		return b
	}
	return fallback
}

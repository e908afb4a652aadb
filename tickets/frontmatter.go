package tickets

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// SplitFrontmatter separates a markdown document into its raw YAML
// frontmatter block (without delimiters) and body. Documents without a
// leading delimiter have an empty frontmatter and the whole content as body.
func SplitFrontmatter(content string) (raw string, body string) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, frontmatterDelimiter+"\n") {
		return "", normalized
	}
	rest := normalized[len(frontmatterDelimiter)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelimiter+"\n")
	if end < 0 {
		if strings.HasSuffix(rest, "\n"+frontmatterDelimiter) {
			return rest[:len(rest)-len(frontmatterDelimiter)-1], ""
		}
		return "", normalized
	}
	return rest[:end+1], rest[end+len(frontmatterDelimiter)+2:]
}

// RenderFrontmatter reassembles a document from a raw frontmatter block and
// body. Rendering the split of an unmodified document reproduces it exactly.
func RenderFrontmatter(raw, body string) string {
	if raw == "" {
		return body
	}
	return frontmatterDelimiter + "\n" + raw + frontmatterDelimiter + "\n" + body
}

// parseFrontmatterMap decodes the raw YAML block into a key map.
func parseFrontmatterMap(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := yaml.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// ParseTicketFrontmatter validates and types a ticket's frontmatter.
// `agent` must be non-empty and `done` a boolean; unknown keys land in
// Extra untouched.
func ParseTicketFrontmatter(raw string) (Frontmatter, error) {
	data, err := parseFrontmatterMap(raw)
	if err != nil {
		return Frontmatter{}, err
	}

	fm := Frontmatter{Extra: map[string]any{}}
	for key, value := range data {
		switch key {
		case "agent":
			agent, ok := value.(string)
			if !ok || strings.TrimSpace(agent) == "" {
				return Frontmatter{}, fmt.Errorf("frontmatter key %q must be a non-empty string", key)
			}
			fm.Agent = strings.TrimSpace(agent)
		case "done":
			done, ok := value.(bool)
			if !ok {
				return Frontmatter{}, fmt.Errorf("frontmatter key %q must be a boolean", key)
			}
			fm.Done = done
		case "title":
			if title, ok := value.(string); ok {
				fm.Title = title
			}
		case "goal":
			if goal, ok := value.(string); ok {
				fm.Goal = goal
			}
		case "requires":
			fm.Requires = normalizeRequires(value)
		default:
			fm.Extra[key] = value
		}
	}
	if fm.Agent == "" {
		return Frontmatter{}, fmt.Errorf("frontmatter requires an agent")
	}
	if _, ok := data["done"]; !ok {
		return Frontmatter{}, fmt.Errorf("frontmatter requires a done flag")
	}
	return fm, nil
}

// normalizeRequires cleans the requires list: strings only, trimmed,
// order-preserving dedup.
func normalizeRequires(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			continue
		}
		cleaned := strings.TrimSpace(str)
		if cleaned == "" || seen[cleaned] {
			continue
		}
		seen[cleaned] = true
		out = append(out, cleaned)
	}
	return out
}

// ParseDispatchFrontmatter validates a dispatch's frontmatter: mode must be
// one of pause|notify|turn_summary (defaulting to notify when absent),
// title is optional, extra keys are preserved.
func ParseDispatchFrontmatter(raw string) (DispatchMode, string, map[string]any, error) {
	data, err := parseFrontmatterMap(raw)
	if err != nil {
		return "", "", nil, err
	}

	mode := ModeNotify
	if rawMode, ok := data["mode"]; ok {
		str, ok := rawMode.(string)
		if !ok {
			return "", "", nil, fmt.Errorf("dispatch mode must be a string")
		}
		mode = DispatchMode(strings.TrimSpace(str))
		if !mode.Valid() {
			return "", "", nil, fmt.Errorf("dispatch mode %q is not one of pause, notify, turn_summary", str)
		}
	}

	title := ""
	if rawTitle, ok := data["title"].(string); ok {
		title = strings.TrimSpace(rawTitle)
	}

	extra := map[string]any{}
	for key, value := range data {
		if key == "mode" || key == "title" {
			continue
		}
		extra[key] = value
	}
	return mode, title, extra, nil
}

// RenderDispatch produces a DISPATCH.md document.
func RenderDispatch(mode DispatchMode, title, body string, extra map[string]any) string {
	var sb strings.Builder
	sb.WriteString(frontmatterDelimiter + "\n")
	sb.WriteString("mode: " + string(mode) + "\n")
	if title != "" {
		sb.WriteString("title: " + yamlScalar(title) + "\n")
	}
	if len(extra) > 0 {
		if encoded, err := yaml.Marshal(extra); err == nil {
			sb.Write(encoded)
		}
	}
	sb.WriteString(frontmatterDelimiter + "\n\n")
	sb.WriteString(strings.TrimLeft(body, "\n"))
	return sb.String()
}

func yamlScalar(value string) string {
	encoded, err := yaml.Marshal(value)
	if err != nil {
		return value
	}
	return strings.TrimRight(string(encoded), "\n")
}

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON parses a JSON object out of a raw model response. Markdown
// code fences are stripped first; if the remainder still fails to parse,
// the slice from the first '{' to the last '}' gets one more attempt.
func ExtractJSON(raw string) (map[string]any, error) {
	content := strings.TrimSpace(raw)
	if strings.HasPrefix(content, "```") {
		var kept []string
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		content = strings.TrimSpace(strings.Join(kept, "\n"))
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err == nil {
		return out, nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &out); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: no JSON object in %q", ErrMalformedOutput, truncate(content, 80))
}

package summary

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentreplay/agentreplay/pkg/model"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON pulls a JSON object out of free-form judge text. It tries, in
// order: a direct parse of the trimmed input, the contents of the first
// fenced code block, and the slice between the first '{' and the last '}'.
// Every judge preset parser goes through this, so it must survive extra
// whitespace, code fences, and prose around the JSON.
func ExtractJSON(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
		return obj, nil
	}

	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &obj); err == nil && obj != nil {
			return obj, nil
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &obj); err == nil && obj != nil {
			return obj, nil
		}
	}

	return nil, fmt.Errorf("no JSON object in response: %w", model.ErrParse)
}

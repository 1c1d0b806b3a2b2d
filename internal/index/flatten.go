package index

import (
	"encoding/json"
	"sort"
	"strings"
)

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// flattenJSON extracts the text content of converter JSON output. Objects
// with a text/content/markdown field use it directly; everything else is
// walked recursively and string leaves are joined by blank lines. Object
// keys are visited in sorted order so output is deterministic.
func flattenJSON(data any) string {
	switch v := data.(type) {
	case map[string]any:
		for _, key := range []string{"text", "content", "markdown"} {
			if s, ok := v[key].(string); ok {
				return s
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var parts []string
		for _, k := range keys {
			switch val := v[k].(type) {
			case string:
				parts = appendNonEmpty(parts, val)
			case map[string]any, []any:
				parts = appendNonEmpty(parts, flattenJSON(val))
			}
		}
		return strings.Join(parts, "\n\n")

	case []any:
		var parts []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = appendNonEmpty(parts, s)
			} else {
				parts = appendNonEmpty(parts, flattenJSON(item))
			}
		}
		return strings.Join(parts, "\n\n")

	case string:
		return v
	}
	return ""
}

func appendNonEmpty(parts []string, s string) []string {
	if s != "" {
		return append(parts, s)
	}
	return parts
}

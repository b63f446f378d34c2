package gemini

import (
	"strings"

	"google.golang.org/genai"
)

// toSchema converts a sanitized JSON-schema map into a genai.Schema.
func toSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}

	switch t := m["type"].(type) {
	case string:
		s.Type = genai.Type(strings.ToUpper(t))
	case []any:
		// ["string", "null"] style unions.
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				s.Nullable = genai.Ptr(true)
				continue
			}
			if s.Type == "" && name != "" {
				s.Type = genai.Type(strings.ToUpper(name))
			}
		}
	}

	if v, ok := m["description"].(string); ok {
		s.Description = v
	}
	if v, ok := m["title"].(string); ok {
		s.Title = v
	}
	if v, ok := m["format"].(string); ok {
		s.Format = v
	}
	if v, ok := m["pattern"].(string); ok {
		s.Pattern = v
	}
	if v, ok := m["nullable"].(bool); ok {
		s.Nullable = genai.Ptr(v)
	}
	if v, ok := toFloat(m["minimum"]); ok {
		s.Minimum = genai.Ptr(v)
	}
	if v, ok := toFloat(m["maximum"]); ok {
		s.Maximum = genai.Ptr(v)
	}
	if v, ok := toFloat(m["minItems"]); ok {
		s.MinItems = genai.Ptr(int64(v))
	}
	if v, ok := toFloat(m["maxItems"]); ok {
		s.MaxItems = genai.Ptr(int64(v))
	}
	if v, ok := toFloat(m["minLength"]); ok {
		s.MinLength = genai.Ptr(int64(v))
	}
	if v, ok := toFloat(m["maxLength"]); ok {
		s.MaxLength = genai.Ptr(int64(v))
	}
	s.Enum = toStrings(m["enum"])
	s.Required = toStrings(m["required"])

	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if pm, ok := raw.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if anyOf, ok := m["anyOf"].([]any); ok {
		for _, raw := range anyOf {
			if am, ok := raw.(map[string]any); ok {
				s.AnyOf = append(s.AnyOf, toSchema(am))
			}
		}
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func toStrings(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

package tools

// allowedKeywords lists the JSON-schema keywords accepted by the LLM
// function-declaration API. Everything else is stripped.
var allowedKeywords = map[string]bool{
	"type":        true,
	"format":      true,
	"description": true,
	"nullable":    true,
	"enum":        true,
	"items":       true,
	"properties":  true,
	"required":    true,
	"minimum":     true,
	"maximum":     true,
	"minItems":    true,
	"maxItems":    true,
	"minLength":   true,
	"maxLength":   true,
	"pattern":     true,
	"anyOf":       true,
	"title":       true,
}

// SanitizeSchema returns a copy of schema restricted to the supported
// keywords. Property names are kept as-is; their schemas are sanitized
// recursively. The input is not modified.
func SanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if !allowedKeywords[k] {
			continue
		}
		switch k {
		case "format":
			// Only these string formats are accepted.
			if f, ok := v.(string); ok && (f == "enum" || f == "date-time") {
				out[k] = f
			}
		case "properties":
			props, ok := v.(map[string]any)
			if !ok {
				continue
			}
			clean := make(map[string]any, len(props))
			for name, p := range props {
				if pm, ok := p.(map[string]any); ok {
					clean[name] = SanitizeSchema(pm)
				} else {
					clean[name] = p
				}
			}
			out[k] = clean
		case "items":
			if im, ok := v.(map[string]any); ok {
				out[k] = SanitizeSchema(im)
			} else {
				out[k] = v
			}
		case "anyOf":
			list, ok := v.([]any)
			if !ok {
				continue
			}
			clean := make([]any, 0, len(list))
			for _, e := range list {
				if em, ok := e.(map[string]any); ok {
					clean = append(clean, SanitizeSchema(em))
				} else {
					clean = append(clean, e)
				}
			}
			out[k] = clean
		case "required":
			out[k] = requiredNames(v)
		default:
			out[k] = v
		}
	}
	return out
}

func requiredNames(v any) []string {
	switch r := v.(type) {
	case []string:
		return append([]string(nil), r...)
	case []any:
		out := make([]string, 0, len(r))
		for _, e := range r {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

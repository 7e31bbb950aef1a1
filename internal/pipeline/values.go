package pipeline

import "time"

// Tool outputs travel through the gateway as plain values. These coercions
// tolerate both the in-process shapes ([]map[string]any) and the shapes a
// JSON round trip produces ([]any, float64).
func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asMaps(v any) []map[string]any {
	switch vv := v.(type) {
	case []map[string]any:
		return vv
	case []any:
		out := make([]map[string]any, 0, len(vv))
		for _, item := range vv {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func asString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func asStrings(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func asTime(m map[string]any, key string, fallback time.Time) time.Time {
	if s := asString(m, key); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return fallback
}

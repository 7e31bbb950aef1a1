// Package tools holds the toolset implementations registered with the
// gateway: simulated cloud connectors, STIG/SCAP ingestion, ticketing, CI/CD,
// and the compliance-core toolset backed by the evidence vault. Connectors
// are deterministic for a given system and provider so runs are repeatable.
package tools

import (
	"fmt"
)

// ErrUnknownMethod is returned when a toolset does not implement the
// requested method.
type ErrUnknownMethod struct {
	Toolset string
	Method  string
}

func (e *ErrUnknownMethod) Error() string {
	return fmt.Sprintf("toolset %s has no method %q", e.Toolset, e.Method)
}

// stringParam reads an optional string parameter, returning fallback when
// absent or not a string. Tool methods must tolerate missing optional fields.
func stringParam(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// stringsParam reads an optional string-slice parameter. Accepts []string or
// []any of strings.
func stringsParam(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	switch v := params[key].(type) {
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

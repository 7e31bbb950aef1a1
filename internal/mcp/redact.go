package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// credentialKeys are parameter names whose values never reach the audit log.
var credentialKeys = map[string]bool{
	"token":          true,
	"secret":         true,
	"password":       true,
	"api_key":        true,
	"credential_ref": true,
}

const redactedPlaceholder = "[REDACTED]"

// RedactParams returns a deep copy of params with credential-bearing values
// replaced, recursing into nested maps and slices. The input is not modified.
func RedactParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if credentialKeys[k] {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return RedactParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

// HashOutput returns the SHA-256 of the canonical JSON encoding of a tool
// output. encoding/json sorts map keys, so equal outputs hash equally
// regardless of construction order.
func HashOutput(output any) string {
	raw, err := json.Marshal(output)
	if err != nil {
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

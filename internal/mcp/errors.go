package mcp

import (
	"fmt"
	"strings"
)

// PolicyViolationError is returned when a call is denied by policy. The call
// is still written to the audit log before this error is returned.
type PolicyViolationError struct {
	Tool    string
	Reasons []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("tool call %s denied by policy: %s", e.Tool, strings.Join(e.Reasons, "; "))
}

// ToolError wraps a failure inside the tool itself, as opposed to a policy
// or gateway failure.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

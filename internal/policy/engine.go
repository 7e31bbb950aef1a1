package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// Decision is the result of a policy evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Action        string   `json:"action"` // "allow" or "deny"
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// regoPolicy maps a Rego file to the OPA query used to extract deny messages.
type regoPolicy struct {
	file  string
	query string
}

var allPolicies = []regoPolicy{
	{file: "rego/tool_access.rego", query: "data.conmon.policy.tool_access.deny"},
	{file: "rego/provider_access.rego", query: "data.conmon.policy.provider_access.deny"},
}

// Engine evaluates access policy using embedded OPA. The Policy is serialized
// to JSON and loaded as OPA data at construction, so evaluation is pure input
// matching with no file I/O.
type Engine struct {
	policy   *Policy
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with precompiled Rego queries.
func NewEngine(ctx context.Context, pol *Policy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	policyData, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(allPolicies))
	for _, rp := range allPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}
		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(inmem.NewFromObject(map[string]interface{}{"policy": policyData})),
		)
		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = pq
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))
	return &Engine{policy: pol, prepared: prepared}, nil
}

// Policy returns the loaded policy backing this engine.
func (e *Engine) Policy() *Policy { return e.policy }

// EvaluateToolAccess checks whether the named tool may be invoked with the
// given provider. Both the tool allowlist and the provider allowlist are
// consulted; all deny reasons are collected.
func (e *Engine) EvaluateToolAccess(ctx context.Context, toolName, provider string, params map[string]interface{}) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_tool_access",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.provider", provider),
		))
	defer span.End()

	if params == nil {
		params = map[string]interface{}{}
	}
	input := map[string]interface{}{
		"tool_name": toolName,
		"provider":  provider,
		"params":    params,
	}

	decision := &Decision{
		Allowed:       true,
		Action:        "allow",
		PolicyVersion: e.policy.VersionTag,
	}
	for _, pkg := range []string{"rego/tool_access.rego", "rego/provider_access.rego"} {
		reasons, err := e.evaluateDenyPolicy(ctx, pkg, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		decision.Reasons = append(decision.Reasons, reasons...)
	}
	if len(decision.Reasons) > 0 {
		decision.Allowed = false
		decision.Action = "deny"
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)
	if decision.Allowed {
		span.SetStatus(codes.Ok, "policy evaluation passed")
	}
	return decision, nil
}

func (e *Engine) evaluateDenyPolicy(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// Querying "data.xxx.deny" yields a set of strings; OPA returns it as
	// []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}

// policyToData converts a Policy to map form for OPA. Marshalling through
// JSON keeps the key names aligned with the Rego rules. Nil allowlists are
// normalized to empty arrays: the permit-all rules count the list, and a
// missing or null document would make count() undefined and deny everything.
func policyToData(pol *Policy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}
	for _, key := range []string{"allowed_tools", "allowed_providers"} {
		if data[key] == nil {
			data[key] = []interface{}{}
		}
	}
	return data, nil
}

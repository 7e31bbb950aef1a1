package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CICDToolset simulates the pipeline integration used for remediation:
// terraform plans, policy checks, and remediation pull requests. The modify
// action (trigger_remediation_pipeline) sits behind the approval gate, so it
// only ever executes with an approval attached.
type CICDToolset struct {
	Now func() time.Time
}

func NewCICDToolset() *CICDToolset {
	return &CICDToolset{Now: time.Now}
}

func (c *CICDToolset) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "run_terraform_plan":
		return c.terraformPlan(params), nil
	case "run_policy_check":
		return c.policyCheck(params), nil
	case "create_remediation_pr":
		return c.createPR(params), nil
	case "trigger_remediation_pipeline":
		return c.triggerPipeline(params), nil
	default:
		return nil, &ErrUnknownMethod{Toolset: "cicd", Method: method}
	}
}

func (c *CICDToolset) terraformPlan(params map[string]any) map[string]any {
	return map[string]any{
		"plan_id":   "plan_" + uuid.New().String()[:12],
		"repo":      stringParam(params, "repo", "infra"),
		"workspace": stringParam(params, "workspace", "production"),
		"summary":   map[string]int{"add": 0, "change": 1, "destroy": 0},
		"changes": []map[string]any{
			{
				"address": "aws_security_group_rule.app_ingress",
				"action":  "update",
				"detail":  "revert inbound rule count to baseline",
			},
		},
		"planned_at": c.Now().UTC().Format(time.RFC3339),
	}
}

func (c *CICDToolset) policyCheck(params map[string]any) map[string]any {
	return map[string]any{
		"check_id":   "chk_" + uuid.New().String()[:12],
		"repo":       stringParam(params, "repo", "infra"),
		"policy_set": stringParam(params, "policy_set", "baseline"),
		"passed":     true,
		"violations": []map[string]any{},
		"checked_at": c.Now().UTC().Format(time.RFC3339),
	}
}

func (c *CICDToolset) createPR(params map[string]any) map[string]any {
	prNumber := 100 + int(uuid.New().ID()%900)
	repo := stringParam(params, "repo", "infra")
	return map[string]any{
		"pr_number":  prNumber,
		"pr_url":     fmt.Sprintf("https://github.example.com/%s/pull/%d", repo, prNumber),
		"repo":       repo,
		"title":      stringParam(params, "title", "compliance remediation"),
		"branch":     stringParam(params, "branch", "conmon/remediation"),
		"status":     "open",
		"created_at": c.Now().UTC().Format(time.RFC3339),
	}
}

func (c *CICDToolset) triggerPipeline(params map[string]any) map[string]any {
	return map[string]any{
		"pipeline_run_id": "pipe_" + uuid.New().String()[:12],
		"repo":            stringParam(params, "repo", "infra"),
		"pipeline":        stringParam(params, "pipeline", "remediation"),
		"status":          "queued",
		"triggered_at":    c.Now().UTC().Format(time.RFC3339),
	}
}

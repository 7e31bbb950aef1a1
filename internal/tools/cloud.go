package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/dativo-io/conmon/internal/catalog"
)

// CloudToolset simulates a cloud provider connector. One instance per
// provider; the returned inventory, snapshots, and audit logs are stable for
// a given system so repeated collections hash identically.
type CloudToolset struct {
	Provider string
	Catalog  *catalog.Catalog
	Now      func() time.Time
}

// NewCloudToolset returns a connector for one provider (aws, azure, gcp).
func NewCloudToolset(provider string, cat *catalog.Catalog) *CloudToolset {
	return &CloudToolset{Provider: provider, Catalog: cat, Now: time.Now}
}

// MultiCloud routes cloud methods to the connector named by the "provider"
// parameter, so a single "cloud" gateway registration covers every provider
// in scope.
type MultiCloud struct {
	byProvider map[string]*CloudToolset
}

func NewMultiCloud(cat *catalog.Catalog, providers ...string) *MultiCloud {
	m := &MultiCloud{byProvider: make(map[string]*CloudToolset, len(providers))}
	for _, p := range providers {
		m.byProvider[p] = NewCloudToolset(p, cat)
	}
	return m
}

func (m *MultiCloud) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	provider := stringParam(params, "provider", "")
	ts, ok := m.byProvider[provider]
	if !ok {
		return nil, fmt.Errorf("no connector configured for provider %q", provider)
	}
	return ts.Invoke(ctx, method, params)
}

func (c *CloudToolset) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "get_asset_inventory":
		return c.assetInventory(params), nil
	case "get_config_snapshot":
		return c.configSnapshot(params), nil
	case "query_audit_logs":
		return c.auditLogs(params), nil
	case "detect_drift":
		return c.detectDrift(params), nil
	default:
		return nil, &ErrUnknownMethod{Toolset: "cloud/" + c.Provider, Method: method}
	}
}

var inventoryResourceTypes = []string{
	"AWS::EC2::Instance",
	"AWS::S3::Bucket",
	"AWS::IAM::Role",
	"AWS::RDS::DBInstance",
	"AWS::EKS::Cluster",
	"AWS::KMS::Key",
	"AWS::Lambda::Function",
	"AWS::ElasticLoadBalancingV2::LoadBalancer",
}

func (c *CloudToolset) assetInventory(params map[string]any) map[string]any {
	systemID := stringParam(params, "system_id", "unknown")
	resources := make([]map[string]any, 0, len(inventoryResourceTypes))
	for i, rt := range inventoryResourceTypes {
		resources = append(resources, map[string]any{
			"resource_id":   fmt.Sprintf("%s-res-%04d", c.Provider, i+1),
			"resource_type": rt,
			"region":        c.defaultRegion(),
			"tags": map[string]any{
				"system":      systemID,
				"environment": stringParam(params, "environment", "production"),
			},
		})
	}
	return map[string]any{
		"provider":       c.Provider,
		"system_id":      systemID,
		"resource_count": len(resources),
		"resources":      resources,
		"collected_at":   c.Now().UTC().Format(time.RFC3339),
	}
}

func (c *CloudToolset) configSnapshot(params map[string]any) map[string]any {
	systemID := stringParam(params, "system_id", "unknown")
	return map[string]any{
		"provider":  c.Provider,
		"system_id": systemID,
		"snapshot": map[string]any{
			"encryption_at_rest":    true,
			"encryption_in_transit": true,
			"public_access_blocked": true,
			"mfa_enforced":          true,
			"logging_enabled":       true,
			"security_groups": []map[string]any{
				{
					"group_id":      fmt.Sprintf("%s-sg-12345", c.Provider),
					"inbound_rules": 5,
					"description":   "application tier",
				},
			},
		},
		"collected_at": c.Now().UTC().Format(time.RFC3339),
	}
}

func (c *CloudToolset) auditLogs(params map[string]any) map[string]any {
	systemID := stringParam(params, "system_id", "unknown")
	now := c.Now().UTC()
	events := []map[string]any{
		{
			"event_id":   fmt.Sprintf("%s-evt-0001", c.Provider),
			"event_name": "ConsoleLogin",
			"principal":  "alice@example.com",
			"source_ip":  "10.0.1.20",
			"timestamp":  now.Add(-2 * time.Hour).Format(time.RFC3339),
		},
		{
			"event_id":   fmt.Sprintf("%s-evt-0002", c.Provider),
			"event_name": "AuthorizeSecurityGroupIngress",
			"principal":  "admin@example.com",
			"source_ip":  "10.0.1.5",
			"timestamp":  now.Add(-26 * time.Hour).Format(time.RFC3339),
		},
		{
			"event_id":   fmt.Sprintf("%s-evt-0003", c.Provider),
			"event_name": "PutBucketPolicy",
			"principal":  "deploy-pipeline",
			"source_ip":  "10.0.2.11",
			"timestamp":  now.Add(-30 * time.Hour).Format(time.RFC3339),
		},
	}
	return map[string]any{
		"provider":    c.Provider,
		"system_id":   systemID,
		"event_count": len(events),
		"events":      events,
		"query":       stringParam(params, "query", "*"),
	}
}

// detectDrift compares the current snapshot against the recorded baseline.
// The simulated backend always reports one security-group change so the
// drift, gap-analysis, and approval paths are exercised end to end.
func (c *CloudToolset) detectDrift(params map[string]any) map[string]any {
	resourceType := "network"
	field := "sg_rule_added"
	event := map[string]any{
		"resource_id":       fmt.Sprintf("%s-sg-12345", c.Provider),
		"resource_type":     resourceType,
		"field":             field,
		"baseline_value":    map[string]any{"inbound_rules": 3},
		"current_value":     map[string]any{"inbound_rules": 5},
		"changed_by":        "admin@example.com",
		"detected_at":       c.Now().UTC().Format(time.RFC3339),
		"severity":          c.Catalog.DriftSeverity(resourceType, field),
		"affected_controls": c.Catalog.DriftControls(resourceType),
	}
	return map[string]any{
		"provider":    c.Provider,
		"system_id":   stringParam(params, "system_id", "unknown"),
		"drift_count": 1,
		"events":      []map[string]any{event},
	}
}

func (c *CloudToolset) defaultRegion() string {
	switch c.Provider {
	case "azure":
		return "usgovvirginia"
	case "gcp":
		return "us-east4"
	default:
		return "us-gov-west-1"
	}
}

package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	conmonotel "github.com/dativo-io/conmon/internal/otel"
)

var tracer = conmonotel.Tracer("github.com/dativo-io/conmon/internal/policy")

// ResolvePathUnderBase resolves path relative to baseDir and returns an
// absolute path guaranteed to be under baseDir. Prevents path traversal when
// the policy path is operator-controlled input.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	pathAbs, err := filepath.Abs(filepath.Clean(full))
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// Load reads and validates a policy YAML file. baseDir is the directory path
// is resolved against; if empty, the current working directory is used.
func Load(ctx context.Context, path string, baseDir string) (*Policy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("policy base directory: %w", err)
		}
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}

	var pol Policy
	if err := yaml.Unmarshal(content, &pol); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}
	if err := validate(&pol); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}

	pol.ComputeHash(content)
	applyDefaults(&pol)

	log.Info().
		Str("agent_id", pol.AgentID).
		Str("policy_version", pol.VersionTag).
		Int("allowed_tools", len(pol.AllowedTools)).
		Msg("policy_loaded")
	return &pol, nil
}

func validate(p *Policy) error {
	for _, a := range p.RequireApprovalFor {
		switch a {
		case "read", "evaluate", "store", "create", "scan", "modify":
		default:
			return fmt.Errorf("unknown action category %q in require_approval_for", a)
		}
	}
	if p.MaxCallsPerMinute < 0 {
		return fmt.Errorf("max_calls_per_minute must not be negative")
	}
	return nil
}

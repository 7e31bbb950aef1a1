package cmd

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/conmon/internal/audit"
	"github.com/dativo-io/conmon/internal/catalog"
	"github.com/dativo-io/conmon/internal/config"
	"github.com/dativo-io/conmon/internal/evidence"
	"github.com/dativo-io/conmon/internal/mcp"
	"github.com/dativo-io/conmon/internal/pipeline"
	"github.com/dativo-io/conmon/internal/policy"
	"github.com/dativo-io/conmon/internal/retrieval"
	"github.com/dativo-io/conmon/internal/runstore"
	"github.com/dativo-io/conmon/internal/secrets"
	"github.com/dativo-io/conmon/internal/tools"
)

// gatewayProviders is the provider set registered on the cloud toolset. Scope
// resolution narrows each run to its own providers; registering the full set
// lets one gateway serve any scope.
var gatewayProviders = []string{"aws", "azure", "gcp"}

// stack bundles the long-lived collaborators a command needs: catalog, policy
// engine, stores, tool gateway, and the run orchestrator.
type stack struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	policy  *policy.Policy
	audit   *audit.Store
	vault   *evidence.Vault
	runs    *runstore.Store
	secrets *secrets.Vault
	gateway *mcp.Gateway
	orch    *pipeline.Orchestrator

	closers []func() error
}

// Close releases all stores in reverse open order.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Msg("store_close_failed")
		}
	}
}

// buildStack wires the full assessment stack from operator configuration.
func buildStack(ctx context.Context, policyPath string, autoApprove bool) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	cat, err := catalog.Load()
	if err != nil {
		return nil, fmt.Errorf("loading control catalog: %w", err)
	}

	pol := policy.Default()
	if policyPath != "" {
		pol, err = policy.Load(ctx, policyPath, ".")
		if err != nil {
			return nil, fmt.Errorf("loading policy: %w", err)
		}
	}
	engine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	s := &stack{cfg: cfg, catalog: cat, policy: pol}

	s.audit, err = audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	s.closers = append(s.closers, s.audit.Close)

	s.vault, err = evidence.NewVault(cfg.EvidenceDBPath())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing evidence vault: %w", err)
	}
	s.closers = append(s.closers, s.vault.Close)

	s.runs, err = runstore.NewStore(cfg.RunsDBPath())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing run store: %w", err)
	}
	s.closers = append(s.closers, s.runs.Close)

	s.secrets, err = secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing secrets vault: %w", err)
	}
	s.closers = append(s.closers, s.secrets.Close)

	s.gateway = mcp.NewGateway(engine, s.audit)
	s.gateway.Register("cloud", tools.NewMultiCloud(cat, gatewayProviders...))
	s.gateway.Register("stig_scap", tools.NewStigToolset(cat))
	s.gateway.Register("ticketing", tools.NewTicketingToolset())
	s.gateway.Register("compliance_core", tools.NewCoreToolset(cat, s.vault))
	s.gateway.Register("cicd", tools.NewCICDToolset())

	kb, err := retrieval.Open(cfg.KnowledgeDir())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading knowledge base: %w", err)
	}
	if kb.Len() > 0 {
		log.Info().Int("documents", kb.Len()).Msg("narrative_knowledge_loaded")
	}

	s.orch = pipeline.New(pipeline.Options{
		Gateway:     s.gateway,
		Catalog:     cat,
		Vault:       s.vault,
		Runs:        s.runs,
		Retriever:   kb,
		AutoApprove: autoApprove,
	})
	return s, nil
}

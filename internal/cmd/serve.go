package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/conmon/internal/server"
	"github.com/dativo-io/conmon/internal/trigger"
)

var (
	serveListenAddr string
	servePolicyPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assessment API server",
	Long: `Starts the HTTP API, cron-scheduled assessments, and webhook triggers.

Runs started over the API execute asynchronously; poll GET /api/runs/{id}
for status. Configure api_keys in conmon.config.yaml to require
authentication; with no keys configured the server accepts unauthenticated
requests as caller "local".`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&servePolicyPath, "policy", "", "governance policy YAML (default: built-in)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(ctx, servePolicyPath, false)
	if err != nil {
		return err
	}
	defer s.Close()

	addr := s.cfg.ListenAddr
	if serveListenAddr != "" {
		addr = serveListenAddr
	}
	if len(s.cfg.APIKeys) == 0 {
		log.Warn().Msg("no api_keys configured, API is unauthenticated (local mode)")
	}

	scheduler := trigger.NewScheduler(s.orch)
	if err := scheduler.Register(s.cfg.Schedules); err != nil {
		return fmt.Errorf("registering schedules: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.NewServer(s.orch, s.runs, s.audit, s.cfg.APIKeys,
		server.WithRateLimiter(server.NewRateLimiter(s.cfg.GlobalRPM, s.cfg.PerCallerRPM)),
		server.WithWebhookHandler(trigger.NewWebhookHandler(s.orch, s.cfg.Webhooks)),
	)

	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute, // runs started synchronously via webhooks can be slow
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Int("schedules", scheduler.Entries()).Msg("server_listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

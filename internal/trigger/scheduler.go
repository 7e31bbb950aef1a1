// Package trigger implements cron scheduling and webhook handling for
// out-of-cycle compliance runs.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/conmon/internal/state"
)

// RunStarter is the interface for starting compliance runs from triggers.
type RunStarter interface {
	StartRun(ctx context.Context, scope state.RunScope, question string) error
}

// Schedule is one recurring monitoring entry for a system.
type Schedule struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	Cron        string   `yaml:"cron" mapstructure:"cron"`
	SystemID    string   `yaml:"system_id" mapstructure:"system_id"`
	SystemName  string   `yaml:"system_name" mapstructure:"system_name"`
	Providers   []string `yaml:"providers" mapstructure:"providers"`
	Baseline    string   `yaml:"baseline" mapstructure:"baseline"`
	Frameworks  []string `yaml:"frameworks" mapstructure:"frameworks"`
	Description string   `yaml:"description" mapstructure:"description"`
}

// Scope converts the schedule into a run scope.
func (s Schedule) Scope() state.RunScope {
	return state.RunScope{
		SystemID:   s.SystemID,
		SystemName: s.SystemName,
		Providers:  s.Providers,
		Baseline:   s.Baseline,
		Frameworks: s.Frameworks,
	}
}

// Scheduler manages cron-based continuous monitoring runs.
type Scheduler struct {
	cron    *cron.Cron
	starter RunStarter
}

// NewScheduler creates a scheduler backed by the given run starter.
// Cron expressions use the standard 5-field format: minute hour day-of-month month day-of-week
// (e.g. "0 6 * * *" for a daily 06:00 sweep). Do not use WithSeconds() so docs and configs match.
func NewScheduler(starter RunStarter) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		starter: starter,
	}
}

// Register adds cron entries for the given monitoring schedules.
func (s *Scheduler) Register(schedules []Schedule) error {
	for _, sched := range schedules {
		if sched.SystemID == "" && sched.SystemName == "" {
			return fmt.Errorf("schedule %q has no system_id or system_name", sched.Name)
		}
		scope := sched.Scope()
		name := sched.Name
		desc := sched.Description

		_, err := s.cron.AddFunc(sched.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			log.Info().
				Str("schedule", name).
				Str("system_id", scope.SystemID).
				Str("description", desc).
				Msg("scheduled_trigger_fired")

			if err := s.starter.StartRun(ctx, scope, ""); err != nil {
				log.Error().Err(err).
					Str("schedule", name).
					Str("system_id", scope.SystemID).
					Msg("scheduled_trigger_failed")
			}
		})
		if err != nil {
			return fmt.Errorf("registering cron %q for schedule %s: %w", sched.Cron, name, err)
		}
	}
	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

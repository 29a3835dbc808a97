/**
 * @description
 * Cron scheduler setup for the settlement-service's periodic sweeps.
 */
package scheduler

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/splitwell/settlement-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	config *config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, cfg *config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.DueSweepSchedule, s.jobs.RunDueSettlements); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule due settlement sweep\" schedule=%q err=%v", s.config.DueSweepSchedule, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled due settlement sweep\" schedule=%q", s.config.DueSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.WithheldSweepSchedule, s.jobs.RetryWithheldTransactions); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule withheld retry sweep\" schedule=%q err=%v", s.config.WithheldSweepSchedule, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled withheld retry sweep\" schedule=%q", s.config.WithheldSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.ReminderSweepSchedule, s.jobs.PublishReminders); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reminder sweep\" schedule=%q err=%v", s.config.ReminderSweepSchedule, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled reminder sweep\" schedule=%q", s.config.ReminderSweepSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

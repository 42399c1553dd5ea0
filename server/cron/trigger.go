// Package cron starts workflows on a schedule.
//
// Each configured cron job gets a CronTrigger. The Manager owns the triggers
// and, on every tick, submits an execution of the job's workflow for the
// job's tenant:
//
//	trigger, err := cron.NewCronTrigger("0 2 * * *", job, logger)
//	if err != nil {
//	    return err
//	}
//	trigger.Start(ctx) // ticks until ctx is cancelled
package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronSpec is returned when the cron specification cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// Job is the work a trigger runs on each tick.
type Job func(ctx context.Context) error

// Standard five field cron: minute, hour, day of month, month, day of week.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronTrigger runs a Job at the times produced by a cron schedule. Ticks
// that fall while the job is still running are skipped.
type CronTrigger struct {
	spec     string
	schedule cron.Schedule
	job      Job
	logger   *slog.Logger
}

// NewCronTrigger parses spec and returns a trigger for job. Parse failures
// wrap ErrInvalidCronSpec.
func NewCronTrigger(spec string, job Job, logger *slog.Logger) (*CronTrigger, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	return &CronTrigger{spec: spec, schedule: schedule, job: job, logger: logger}, nil
}

// Start ticks in a new goroutine until ctx is cancelled.
func (ct *CronTrigger) Start(ctx context.Context) {
	go ct.tick(ctx)
}

// NextRun returns the next scheduled run time from now.
func (ct *CronTrigger) NextRun() time.Time {
	return ct.schedule.Next(time.Now())
}

// untilNext returns how long to sleep before the tick following now.
func (ct *CronTrigger) untilNext() time.Duration {
	now := time.Now()
	next := ct.schedule.Next(now)
	ct.logger.Debug("scheduled", "schedule", ct.spec, "at", next.Format(time.RFC3339))
	return next.Sub(now)
}

func (ct *CronTrigger) tick(ctx context.Context) {
	timer := time.NewTimer(ct.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			ct.logger.Debug("schedule stopped", "schedule", ct.spec)
			return
		case <-timer.C:
			ct.executeRun(ctx)
			timer.Reset(ct.untilNext())
		}
	}
}

func (ct *CronTrigger) executeRun(ctx context.Context) {
	started := time.Now()
	err := ct.job(ctx)
	took := time.Since(started).Round(time.Millisecond)
	if err != nil {
		ct.logger.Warn("cron job failed", "schedule", ct.spec, "took", took, "error", err)
		return
	}
	ct.logger.Debug("cron job done", "schedule", ct.spec, "took", took)
}

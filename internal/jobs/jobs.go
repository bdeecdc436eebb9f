// Package jobs holds the periodic background tasks of the master.
package jobs

import (
	"context"
	"fmt"
	"time"

	"x-fleet/internal/config"
	"x-fleet/internal/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
)

// HealthRunner runs one health cycle.
type HealthRunner interface {
	Run(ctx context.Context)
}

// CoreHealthJob checks the main engine and every node.
type CoreHealthJob struct {
	checker HealthRunner
	timeout time.Duration
}

func NewCoreHealthJob(checker HealthRunner, timeout time.Duration) *CoreHealthJob {
	return &CoreHealthJob{checker: checker, timeout: timeout}
}

func (j *CoreHealthJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	j.checker.Run(ctx)
}

// DeviceCleaner deletes devices of all users last seen before cutoff.
type DeviceCleaner interface {
	DeleteDevicesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// HwidCleanupJob removes devices unseen for longer than the retention period.
type HwidCleanupJob struct {
	devices  DeviceCleaner
	settings *config.Settings
	now      func() time.Time
}

func NewHwidCleanupJob(devices DeviceCleaner, settings *config.Settings) *HwidCleanupJob {
	return &HwidCleanupJob{devices: devices, settings: settings, now: time.Now}
}

func (j *HwidCleanupJob) Run() {
	days := j.settings.Int(config.HwidDeviceRetentionDays)
	if days < 0 {
		return
	}
	cutoff := j.now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := j.devices.DeleteDevicesBefore(context.Background(), cutoff)
	if err != nil {
		logger.Warningf("HwidCleanupJob: %v", err)
		return
	}
	if deleted > 0 {
		logger.Infof("HwidCleanupJob: removed %d devices unseen since %s", deleted, cutoff.Format(time.DateOnly))
	}
}

// LimitInstances lets at most max runs of a job overlap. Ticks that arrive
// while max runs are in progress are skipped.
func LimitInstances(max int, l cron.Logger) cron.JobWrapper {
	if max < 1 {
		max = 1
	}
	return func(j cron.Job) cron.Job {
		var running atomic.Int32
		return cron.FuncJob(func() {
			if running.Inc() > int32(max) {
				running.Dec()
				l.Info("skip", "reason", "max instances reached", "max", max)
				return
			}
			defer running.Dec()
			j.Run()
		})
	}
}

// Scheduler owns the cron instance of the master.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds(), cron.WithLogger(logger.CronLogger()))}
}

// Register adds the health check and the device cleanup using the
// intervals from settings.
func (s *Scheduler) Register(settings *config.Settings, checker HealthRunner, devices DeviceCleaner) error {
	l := logger.CronLogger()

	interval := settings.Int(config.JobCoreHealthCheckInterval)
	if interval <= 0 {
		return fmt.Errorf("%s must be positive", config.JobCoreHealthCheckInterval)
	}
	health := cron.NewChain(
		cron.Recover(l),
		LimitInstances(settings.Int(config.JobCoreHealthCheckMaxInstances), l),
	).Then(NewCoreHealthJob(checker, time.Duration(interval)*time.Second*3))
	if _, err := s.cron.AddJob(every(interval), health); err != nil {
		return fmt.Errorf("schedule core health check: %w", err)
	}

	cleanupInterval := settings.Int(config.JobHwidDeviceCleanupInterval)
	if cleanupInterval <= 0 {
		return fmt.Errorf("%s must be positive", config.JobHwidDeviceCleanupInterval)
	}
	cleanup := cron.NewChain(cron.Recover(l), cron.SkipIfStillRunning(l)).Then(NewHwidCleanupJob(devices, settings))
	if _, err := s.cron.AddJob(every(cleanupInterval), cleanup); err != nil {
		return fmt.Errorf("schedule hwid cleanup: %w", err)
	}
	return nil
}

func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warning("scheduler: jobs still running at shutdown")
	}
}

func every(seconds int) string {
	return fmt.Sprintf("@every %ds", seconds)
}

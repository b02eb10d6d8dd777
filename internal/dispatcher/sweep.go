package dispatcher

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// SweepScheduler drives the dispatcher's two periodic sweeps on gocron's
// duration-based jobs, in singleton mode so a slow tick is skipped rather
// than overlapped: New/Start/Stop wrap a single gocron.Scheduler instance,
// one job per concern, each with WithSingletonMode.
type SweepScheduler struct {
	cron   gocron.Scheduler
	d      *Dispatcher
	logger *zap.Logger
}

// NewSweepScheduler builds the gocron scheduler and registers both sweep
// jobs. Call Start to begin ticking.
func NewSweepScheduler(d *Dispatcher, logger *zap.Logger) (*SweepScheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: failed to create gocron scheduler: %w", err)
	}

	s := &SweepScheduler{cron: cron, d: d, logger: logger.Named("sweep")}

	if err := s.addJob("retry_sweep", d.opts.RepeaterUnsuccessfulTasksInterval, d.RunRetrySweep); err != nil {
		return nil, err
	}
	if err := s.addJob("liveness_sweep", d.opts.ActivityPollInterval, d.RunLivenessSweep); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SweepScheduler) addJob(name string, interval time.Duration, fn func()) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("sweep panicked", zap.String("sweep", name), zap.Any("panic", r))
				}
			}()
			fn()
		}),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: gocron.NewJob failed for %s: %w", name, err)
	}
	return nil
}

// Start begins ticking both sweeps. Call once at dispatcher startup.
func (s *SweepScheduler) Start() {
	s.cron.Start()
	s.logger.Info("sweeps started")
}

// Stop gracefully shuts the scheduler down, waiting for any in-flight tick
// to complete.
func (s *SweepScheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("dispatcher: sweep scheduler shutdown error: %w", err)
	}
	s.logger.Info("sweeps stopped")
	return nil
}

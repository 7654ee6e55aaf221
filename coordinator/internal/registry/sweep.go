package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Sweeper drives the registry's liveness sweep on a fixed cadence. It is a
// single recurring gocron job — the teacher's scheduler package drives
// backup-policy cron schedules the same way; here there is exactly one job,
// with no policy table behind it.
type Sweeper struct {
	cron gocron.Scheduler
}

// StartSweeper creates and starts a background task that calls
// Registry.Sweep every interval, logging how many workers were demoted.
func StartSweeper(reg *Registry, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("registry: create sweep scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n := reg.Sweep(context.Background())
			if n > 0 {
				logger.Info("registry: liveness sweep demoted workers", zap.Int("count", n))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: schedule sweep job: %w", err)
	}

	s.Start()
	return &Sweeper{cron: s}, nil
}

// Stop shuts down the sweep scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	return s.cron.Shutdown()
}

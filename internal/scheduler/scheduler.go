// Package scheduler runs the daily pipeline in-process at 09:00 UTC. An
// external cron hitting the trigger endpoint remains the primary schedule;
// the pipeline's idempotency guard makes a double fire harmless.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/pipeline"
)

const dailySpec = "0 9 * * *"

// runTimeout bounds one tick; the run budget is five minutes.
const runTimeout = 5 * time.Minute

// Runner is satisfied by the daily pipeline.
type Runner interface {
	Run(ctx context.Context) (*pipeline.RunResult, error)
}

// Scheduler wraps a UTC cron with the single daily entry.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
}

// New creates the scheduler.
func New(runner Runner) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		runner: runner,
	}
}

// Start registers the daily entry and starts the cron loop.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(dailySpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()

		result, err := s.runner.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled pipeline run failed")
			return
		}
		log.Info().Str("status", result.Status).Bool("skipped", result.Skipped).
			Int("countries_updated", result.CountriesUpdated).
			Msg("Scheduled pipeline run finished")
	})
	if err != nil {
		return fmt.Errorf("failed to register cron entry: %w", err)
	}

	s.cron.Start()
	log.Info().Str("spec", dailySpec).Msg("In-process scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

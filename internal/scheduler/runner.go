package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultInterval is the polling period between ticks.
const DefaultInterval = 60 * time.Second

// Ticker runs one scan.
type Ticker interface {
	Tick(ctx context.Context) (TickSummary, error)
}

// Runner drives ticks on a fixed interval until its context is cancelled.
type Runner struct {
	ticker   Ticker
	interval time.Duration
	logger   zerolog.Logger

	// RunImmediately starts the first tick without waiting one interval.
	RunImmediately bool

	wg sync.WaitGroup
}

// NewRunner creates a runner for t.
func NewRunner(t Ticker, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval < time.Second {
		interval = DefaultInterval
	}
	return &Runner{
		ticker:         t,
		interval:       interval,
		logger:         logger.With().Str("component", "runner").Logger(),
		RunImmediately: true,
	}
}

// Run blocks until ctx is cancelled. Shutdown waits for an in-flight tick,
// which keeps running on a context that shutdown does not cancel.
func (r *Runner) Run(ctx context.Context) error {
	cl := cronLogger{r.logger}
	c := cron.New(cron.WithLogger(cl))

	tickCtx := context.WithoutCancel(ctx)
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).
		Then(cron.FuncJob(func() { r.runTick(tickCtx) }))

	if _, err := c.AddJob(fmt.Sprintf("@every %s", r.interval), job); err != nil {
		return fmt.Errorf("scheduling ticks: %w", err)
	}

	r.logger.Info().Dur("interval", r.interval).Msg("Scheduler started")
	c.Start()
	if r.RunImmediately {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			job.Run()
		}()
	}

	<-ctx.Done()
	r.logger.Info().Msg("Shutting down, waiting for in-flight tick")
	<-c.Stop().Done()
	r.wg.Wait()
	r.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (r *Runner) runTick(ctx context.Context) {
	summary, err := r.ticker.Tick(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Tick failed")
		return
	}
	r.logger.Debug().
		Int("rules", summary.Rules).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("Tick finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

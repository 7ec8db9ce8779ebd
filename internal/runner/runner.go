// Package runner drives periodic work: a function run once at startup and
// then on every tick until the context ends.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving a periodic loop. Tests
// substitute a manual ticker through WithTickerFactory.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// NewTicker returns a Ticker backed by time.Ticker.
func NewTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Runner orchestrates a periodic execution loop.
type Runner struct {
	logger        zerolog.Logger
	interval      time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
	skipInitial   bool
	failures      int
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		if factory != nil {
			r.tickerFactory = factory
		}
	}
}

// WithRunOnce sets the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithoutInitialRun waits for the first tick instead of running at startup.
func WithoutInitialRun() Option {
	return func(r *Runner) {
		r.skipInitial = true
	}
}

// New constructs a Runner with the given logger and interval.
func New(logger zerolog.Logger, interval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:        logger,
		interval:      interval,
		tickerFactory: NewTicker,
		runOnce:       func(context.Context) error { return nil },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the loop and blocks until the context is canceled. Recoverable
// cycle errors are logged and the loop continues; any other error stops it.
// Only the first of a run of recoverable failures is logged at warn level.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return errors.New("interval must be greater than zero")
	}

	if !r.skipInitial {
		if err := r.cycle(ctx); err != nil {
			return err
		}
	}

	ticker := r.tickerFactory(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.cycle(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) cycle(ctx context.Context) error {
	err := r.RunOnce(ctx)
	if err == nil {
		if r.failures > 0 {
			r.logger.Info().Int("failures", r.failures).Msg("run cycle recovered")
			r.failures = 0
		}
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	var recoverable *RecoverableError
	if errors.As(err, &recoverable) {
		r.failures++
		event := r.logger.Debug()
		if r.failures == 1 {
			event = r.logger.Warn()
		}
		event.Err(err).Str("op", recoverable.Op).Int("failures", r.failures).Msg("run cycle failed")
		return nil
	}
	r.logger.Error().Err(err).Msg("run cycle failed, stopping")
	return err
}

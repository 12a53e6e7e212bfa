// Package backoff retries a unit of remote work while the remote side
// reports throttling, with a linear delay and a hard attempt bound.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultStep        = 10 * time.Second
)

// ErrSkipped wraps the final error of a unit that was given up on. Skipping a
// unit is not fatal to the caller's overall run.
var ErrSkipped = errors.New("unit skipped")

// Config tunes the Controller.
//   - MaxAttempts: total attempts per unit (default 3).
//   - Step: the wait after attempt n is Step*n (default 10s).
//   - Stagger: wait before the first attempt of every unit except the very first.
//   - IsRetryable: throttling predicate (default errors.Is(err, importer.ErrRateLimited)).
//   - Name: low-cardinality metric label for the kind of unit (default "default").
type Config struct {
	Name        string
	MaxAttempts int
	Step        time.Duration
	Stagger     time.Duration
	IsRetryable func(error) bool
}

// Controller runs units of work with bounded retries. It is safe for
// concurrent use; the stagger applies across all units it has run.
type Controller struct {
	cfg     Config
	logger  *zap.Logger
	started atomic.Bool
	sleep   func(context.Context, time.Duration) error
}

// New builds a Controller, filling unset config with defaults.
func New(cfg Config, logger *zap.Logger) *Controller {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Step <= 0 {
		cfg.Step = defaultStep
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = func(err error) bool { return errors.Is(err, importer.ErrRateLimited) }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, logger: logger, sleep: sleepContext}
}

// Do runs op until it succeeds, fails with a non-throttling error, or uses up
// MaxAttempts. Given-up units return an error wrapping both ErrSkipped and
// the last failure; context cancellation returns the context error.
func (c *Controller) Do(ctx context.Context, unit string, op func(context.Context) error) error {
	if c.started.Swap(true) && c.cfg.Stagger > 0 {
		if err := c.sleep(ctx, c.cfg.Stagger); err != nil {
			return err
		}
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", unit, ctxErr)
		}
		if !c.cfg.IsRetryable(lastErr) {
			c.logger.Warn("unit failed without throttling, skipping",
				zap.String("unit", unit),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			return fmt.Errorf("%w: %s: %w", ErrSkipped, unit, lastErr)
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		wait := c.cfg.Step * time.Duration(attempt)
		metrics.ObserveBackoffRetry(c.cfg.Name)
		c.logger.Info("throttled, backing off",
			zap.String("unit", unit),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	c.logger.Warn("retries exhausted, skipping unit",
		zap.String("unit", unit),
		zap.Int("attempts", c.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrSkipped, unit, c.cfg.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

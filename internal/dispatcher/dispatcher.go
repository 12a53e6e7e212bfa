// Package dispatcher drives the single background import worker.
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultIdleInterval = 5 * time.Second

// Processor handles at most one unit of work per call and reports whether it
// found any.
type Processor interface {
	ProcessNext(ctx context.Context) (bool, error)
}

// Dispatcher calls the Processor back to back while work is available and
// otherwise sleeps until Notify or the idle interval.
type Dispatcher struct {
	proc   Processor
	idle   time.Duration
	wake   chan struct{}
	logger *zap.Logger
}

// New creates a Dispatcher. idle defaults to 5s.
func New(proc Processor, idle time.Duration, logger *zap.Logger) *Dispatcher {
	if idle <= 0 {
		idle = defaultIdleInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		proc:   proc,
		idle:   idle,
		wake:   make(chan struct{}, 1),
		logger: logger.Named("dispatcher"),
	}
}

// Notify wakes an idle dispatcher. It never blocks; wake-ups coalesce.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx finishes. A unit already in progress is left to
// observe ctx itself.
func (d *Dispatcher) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timer.C:
		}

		for ctx.Err() == nil {
			found, err := d.proc.ProcessNext(ctx)
			if err != nil {
				d.logger.Error("process next failed", zap.Error(err))
				break
			}
			if !found {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.idle)
	}
}

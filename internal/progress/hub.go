package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes a Hub. Zero values take the defaults below.
//
// A batch is handed to the sinks when it holds MaxBatchEvents events, when
// MaxBatchWait has passed since its first event, or as soon as a terminal run
// event joins it. The last rule keeps a run's final counters from trailing
// its end.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	// BaseContext parents every sink call; it should outlive the runs.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 64
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub decouples runs from the places their progress goes. Emit never blocks:
// events beyond BufferSize are counted and dropped. A single goroutine
// batches the rest and calls each sink in registration order.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	in      chan Event
	flushes chan chan struct{}
	quit    chan struct{}
	stopped chan struct{}

	shutting atomic.Bool
	stopOnce sync.Once
	closeCtx context.Context

	dropped      atomic.Int64
	sinceLastLog atomic.Int64
	dropLog      rate.Sometimes
}

// NewHub starts a Hub that feeds sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		logger:  cfg.Logger.Named("progress"),
		in:      make(chan Event, cfg.BufferSize),
		flushes: make(chan chan struct{}),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.shutting.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("progress event rejected", zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
		return
	default:
	}
	h.dropped.Add(1)
	h.sinceLastLog.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress buffer full, events dropped",
			zap.Int64("dropped", h.sinceLastLog.Swap(0)),
			zap.Int64("dropped_total", h.dropped.Load()),
		)
	})
}

// Flush returns once every event emitted before the call has reached the
// sinks.
func (h *Hub) Flush(ctx context.Context) error {
	if h == nil || h.shutting.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case h.flushes <- ack:
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress flush: %w", ctx.Err())
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress flush: %w", ctx.Err())
	}
}

// Dropped is the number of events lost to a full buffer since start.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close delivers what is buffered, closes the sinks and waits for the hub
// goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.shutting.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress close: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.stopped)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timeout = nil
	}
	send := func() {
		disarm()
		if len(pending) == 0 {
			return
		}
		h.deliver(append([]Event(nil), pending...))
		pending = pending[:0]
	}
	push := func(evt Event) {
		pending = append(pending, evt)
		if len(pending) >= h.cfg.MaxBatchEvents || evt.Stage.Terminal() {
			send()
			return
		}
		if timeout == nil {
			if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
			} else {
				timer.Reset(h.cfg.MaxBatchWait)
			}
			timeout = timer.C
		}
	}
	drain := func() {
		for {
			select {
			case evt := <-h.in:
				push(evt)
			default:
				send()
				return
			}
		}
	}

	for {
		select {
		case evt := <-h.in:
			push(evt)
		case <-timeout:
			timeout = nil
			send()
		case ack := <-h.flushes:
			drain()
			close(ack)
		case <-h.quit:
			drain()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := s.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink failed",
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if err := s.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", s)), zap.Error(err))
		}
	}
}

// Package reputation forwards point awards to the reputation service.
// Awards are fire-and-forget: a failed award is logged and never reaches
// the import that earned it.
package reputation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/clock/system"
	"github.com/JakeFAU/exam-importer/internal/importer"
)

const defaultPublishTimeout = 10 * time.Second

// Award is the message published for every award.
type Award struct {
	UserID    string    `json:"user_id"`
	Points    int       `json:"points"`
	Reason    string    `json:"reason"`
	AwardedAt time.Time `json:"awarded_at"`
}

// PublisherSink publishes awards to a topic in the background.
type PublisherSink struct {
	pub     importer.Publisher
	topic   string
	timeout time.Duration
	clock   importer.Clock
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(pub importer.Publisher, topic string, clock importer.Clock, logger *zap.Logger) *PublisherSink {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{
		pub:     pub,
		topic:   topic,
		timeout: defaultPublishTimeout,
		clock:   clock,
		logger:  logger.Named("reputation"),
	}
}

// Award publishes asynchronously and returns at once. Cancelling ctx does not
// abort an award already handed off.
func (s *PublisherSink) Award(ctx context.Context, userID string, points int, reason string) {
	msg := Award{UserID: userID, Points: points, Reason: reason, AwardedAt: s.clock.Now()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if _, err := s.pub.Publish(pubCtx, s.topic, msg); err != nil {
			s.logger.Warn("award not delivered",
				zap.String("user_id", userID),
				zap.Int("points", points),
				zap.Error(err),
			)
		}
	}()
}

// Close waits for in-flight awards.
func (s *PublisherSink) Close() {
	s.wg.Wait()
}

// LogSink only logs awards. It stands in when no topic is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("reputation")}
}

// Award logs the award at info level.
func (s *LogSink) Award(_ context.Context, userID string, points int, reason string) {
	s.logger.Info("reputation awarded",
		zap.String("user_id", userID),
		zap.Int("points", points),
		zap.String("reason", reason),
	)
}

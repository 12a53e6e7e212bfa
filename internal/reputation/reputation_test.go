package reputation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/exam-importer/internal/publisher/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestPublisherSinkPublishesAward(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := NewPublisherSink(pub, "reputation", fixedClock{t: at}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sink.Award(ctx, "owner-1", 10, "question_imported")
	cancel()
	sink.Close()

	got := pub.OnTopic("reputation")
	require.Len(t, got, 1)
	assert.Equal(t, Award{UserID: "owner-1", Points: 10, Reason: "question_imported", AwardedAt: at}, got[0])
}

func TestPublisherSinkLogsFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	sink := NewPublisherSink(pub, "reputation", nil, zap.New(core))

	sink.Award(context.Background(), "owner-1", 10, "question_imported")
	sink.Close()

	entries := logs.FilterMessage("award not delivered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "owner-1", entries[0].ContextMap()["user_id"])
}

func TestLogSinkLogsAward(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	NewLogSink(zap.New(core)).Award(context.Background(), "owner-2", 5, "bonus")

	entries := logs.FilterMessage("reputation awarded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].ContextMap()["points"])
}

package rediscache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/ingest"
	"github.com/JakeFAU/exam-importer/internal/storage/memory"
)

// setupTestRedis connects to REDIS_ADDR or skips the test.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := NewClient(ClientConfig{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSubjectCacheFallsBackWhenRedisIsDown(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	inner := memory.NewQuestionStore()
	cache, err := NewSubjectCache(inner, client, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	created, err := cache.CreateSubject(ctx, "Cardiology", "#6366F1", "book")
	require.NoError(t, err)

	found, err := cache.FindSubjectByName(ctx, " cardiology ")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	require.Error(t, cache.Health(ctx))
}

func TestSubjectCacheServesFromRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupTestRedis(t)
	prefix := "test-" + uuid.NewString()
	inner := memory.NewQuestionStore()
	cache, err := NewSubjectCache(inner, client, Config{Prefix: prefix}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	created, err := cache.CreateSubject(ctx, "Neurology", "#6366F1", "book")
	require.NoError(t, err)

	raw, err := client.Get(ctx, prefix+":subject:neurology").Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(raw), created.ID)

	// A fresh store proves the second lookup never reaches it.
	cold, err := NewSubjectCache(memory.NewQuestionStore(), client, Config{Prefix: prefix}, zaptest.NewLogger(t))
	require.NoError(t, err)
	found, err := cold.FindSubjectByName(ctx, "NEUROLOGY")
	require.NoError(t, err)
	assert.Equal(t, created, found)
}

func TestSubjectCacheStaleLockFallsThroughToStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupTestRedis(t)
	prefix := "test-" + uuid.NewString()
	inner := memory.NewQuestionStore()
	cache, err := NewSubjectCache(inner, client, Config{Prefix: prefix, LockTTL: 100 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	// Left behind by an importer that died before creating the subject.
	require.NoError(t, client.Set(ctx, prefix+":subject-lock:surgery", "1", time.Minute).Err())

	created, err := cache.CreateSubject(ctx, "Surgery", "#6366F1", "book")
	require.NoError(t, err)
	assert.Equal(t, "Surgery", created.Name)
	assert.Len(t, inner.Subjects(), 1)
}

func TestSubjectCacheConcurrentImportersShareSubject(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupTestRedis(t)
	prefix := "test-" + uuid.NewString()
	inner := &gatedStore{
		QuestionStore: memory.NewQuestionStore(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	newPersister := func() *ingest.Persister {
		cache, err := NewSubjectCache(inner, client, Config{Prefix: prefix}, zaptest.NewLogger(t))
		require.NoError(t, err)
		return ingest.NewPersister(cache, nil, ingest.PersisterConfig{}, zaptest.NewLogger(t))
	}
	first, second := newPersister(), newPersister()
	item := func(id, statement string) ingest.QueueItem {
		return ingest.QueueItem{Question: importer.ScrapedQuestion{
			ID:          id,
			SubjectName: "Física",
			Statement:   statement,
			Alternatives: []importer.Alternative{
				{Letter: "A", Text: "yes", IsCorrect: true},
				{Letter: "B", Text: "no"},
			},
		}}
	}
	ctx := context.Background()

	firstDone := make(chan ingest.Outcome, 1)
	go func() { firstDone <- first.Persist(ctx, "owner", item("q1", "A statement")) }()
	<-inner.entered

	secondDone := make(chan ingest.Outcome, 1)
	go func() { secondDone <- second.Persist(ctx, "owner", item("q2", "B statement")) }()
	select {
	case <-secondDone:
		t.Fatal("second importer finished while the subject was still being created")
	case <-time.After(100 * time.Millisecond):
	}
	close(inner.release)

	for _, done := range []chan ingest.Outcome{firstDone, secondDone} {
		select {
		case out := <-done:
			require.True(t, out.Imported, "outcome: %+v", out)
		case <-time.After(5 * time.Second):
			t.Fatal("importer did not finish")
		}
	}

	subjects := inner.Subjects()
	require.Len(t, subjects, 1)
	questions := inner.Questions()
	require.Len(t, questions, 2)
	for _, q := range questions {
		assert.Equal(t, subjects[0].ID, q.SubjectID, "question %q", q.Title)
	}
}

// gatedStore holds the first CreateSubject call until release is closed.
type gatedStore struct {
	*memory.QuestionStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) CreateSubject(ctx context.Context, name, color, icon string) (importer.Subject, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.QuestionStore.CreateSubject(ctx, name, color, icon)
}

func TestNewSubjectCacheValidates(t *testing.T) {
	t.Parallel()

	_, err := NewSubjectCache(nil, redis.NewClient(&redis.Options{}), Config{}, nil)
	require.Error(t, err)
	_, err = NewSubjectCache(memory.NewQuestionStore(), nil, Config{}, nil)
	require.Error(t, err)
}

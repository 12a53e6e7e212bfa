package importjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/store"
)

// scriptedReader returns a fixed sequence of reads per job; the last one repeats.
type scriptedReader struct {
	mu    sync.Mutex
	reads map[string][]importer.ImportJob
	errs  map[string][]error
	calls map[string]int
}

func newScriptedReader() *scriptedReader {
	return &scriptedReader{
		reads: map[string][]importer.ImportJob{},
		errs:  map[string][]error{},
		calls: map[string]int{},
	}
}

func (r *scriptedReader) script(id string, statuses ...importer.JobStatus) {
	for i, s := range statuses {
		r.reads[id] = append(r.reads[id], importer.ImportJob{ID: id, Status: s, Metrics: importer.Metrics{Found: int64(i)}})
		r.errs[id] = append(r.errs[id], nil)
	}
}

func (r *scriptedReader) GetJob(_ context.Context, id string) (importer.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reads, ok := r.reads[id]
	if !ok {
		return importer.ImportJob{}, store.ErrNotFound
	}
	i := min(r.calls[id], len(reads)-1)
	r.calls[id]++
	return reads[i], r.errs[id][i]
}

func (r *scriptedReader) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func TestWatchStopsAtTerminalStatus(t *testing.T) {
	t.Parallel()

	reader := newScriptedReader()
	reader.script("job-1", importer.JobPending, importer.JobProcessing, importer.JobCompleted)
	rec := &sleepRecorder{}
	p := NewPoller(reader, 0, zaptest.NewLogger(t))
	p.sleep = rec.sleep

	var seen []importer.JobStatus
	err := p.Watch(context.Background(), []string{"job-1"}, func(job importer.ImportJob) {
		seen = append(seen, job.Status)
	})
	require.NoError(t, err)

	assert.Equal(t, []importer.JobStatus{importer.JobPending, importer.JobProcessing, importer.JobCompleted}, seen)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.waits)
	assert.Equal(t, 3, reader.callCount("job-1"))
}

func TestWatchTerminalJobReadsOnce(t *testing.T) {
	t.Parallel()

	reader := newScriptedReader()
	reader.script("done", importer.JobFailed)
	rec := &sleepRecorder{}
	p := NewPoller(reader, time.Second, nil)
	p.sleep = rec.sleep

	require.NoError(t, p.Watch(context.Background(), []string{"done"}, func(importer.ImportJob) {}))
	assert.Equal(t, 1, reader.callCount("done"))
	assert.Empty(t, rec.waits)
}

func TestWatchFollowsJobsIndependently(t *testing.T) {
	t.Parallel()

	reader := newScriptedReader()
	reader.script("a", importer.JobProcessing, importer.JobCompleted)
	reader.script("b", importer.JobPending, importer.JobProcessing, importer.JobProcessing, importer.JobFailed)
	p := NewPoller(reader, time.Second, nil)
	p.sleep = (&sleepRecorder{}).sleep

	final := map[string]importer.JobStatus{}
	err := p.Watch(context.Background(), []string{"a", "b"}, func(job importer.ImportJob) {
		final[job.ID] = job.Status
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]importer.JobStatus{"a": importer.JobCompleted, "b": importer.JobFailed}, final)
	assert.Equal(t, 2, reader.callCount("a"))
	assert.Equal(t, 4, reader.callCount("b"))
}

func TestWatchRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	reader := newScriptedReader()
	reader.script("job", importer.JobProcessing, importer.JobProcessing, importer.JobCompleted)
	reader.errs["job"][1] = errors.New("connection reset")
	p := NewPoller(reader, time.Second, zaptest.NewLogger(t))
	p.sleep = (&sleepRecorder{}).sleep

	updates := 0
	require.NoError(t, p.Watch(context.Background(), []string{"job"}, func(importer.ImportJob) { updates++ }))
	assert.Equal(t, 2, updates)
}

func TestWatchMissingJob(t *testing.T) {
	t.Parallel()

	p := NewPoller(newScriptedReader(), time.Second, nil)
	err := p.Watch(context.Background(), []string{"nope"}, func(importer.ImportJob) {})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWatchStopsOnCancel(t *testing.T) {
	t.Parallel()

	reader := newScriptedReader()
	reader.script("job", importer.JobProcessing)
	p := NewPoller(reader, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Watch(ctx, []string{"job"}, func(importer.ImportJob) {}) }()

	require.Eventually(t, func() bool { return reader.callCount("job") == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

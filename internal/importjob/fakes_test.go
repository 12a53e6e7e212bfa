package importjob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/stream"
)

// scriptSource hands out queued events and blocks when empty until more
// arrive or it is closed.
type scriptSource struct {
	events    chan stream.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptSource() *scriptSource {
	return &scriptSource{events: make(chan stream.Event, 32), closed: make(chan struct{})}
}

func (s *scriptSource) push(evts ...stream.Event) {
	for _, e := range evts {
		s.events <- e
	}
}

func (s *scriptSource) Next(ctx context.Context) (stream.Event, error) {
	select {
	case evt := <-s.events:
		return evt, nil
	case <-s.closed:
		return nil, stream.ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("next: %w", ctx.Err())
	}
}

func (s *scriptSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type scriptConnector struct {
	mu   sync.Mutex
	src  stream.Source
	err  error
	reqs []stream.Request
}

func (c *scriptConnector) Connect(_ context.Context, req stream.Request) (stream.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.src, nil
}

func (c *scriptConnector) requests() []stream.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stream.Request(nil), c.reqs...)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (n *countingNotifier) Notify() {
	n.mu.Lock()
	n.n++
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.n
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func scraped(id, subject string) importer.ScrapedQuestion {
	return importer.ScrapedQuestion{
		ID:          id,
		SubjectName: subject,
		Statement:   "Statement for " + id,
		Alternatives: []importer.Alternative{
			{Letter: "A", Text: "yes", IsCorrect: true},
			{Letter: "B", Text: "no"},
		},
	}
}

package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

// Reporter is a Sink that renders events as tagged, human-readable lines and
// remembers the latest metrics seen for each run.
type Reporter struct {
	mu     sync.Mutex
	out    io.Writer
	latest map[[16]byte]importer.Metrics
	quiet  bool
}

// NewReporter writes lines to out. When quiet is true, per-question lines are
// suppressed and only run-level milestones are printed.
func NewReporter(out io.Writer, quiet bool) *Reporter {
	if out == nil {
		out = io.Discard
	}
	return &Reporter{
		out:    out,
		latest: make(map[[16]byte]importer.Metrics),
		quiet:  quiet,
	}
}

// Consume renders each event of the batch.
func (r *Reporter) Consume(_ context.Context, batch []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range batch {
		r.latest[evt.RunID] = evt.Metrics
		if r.quiet && isItemStage(evt.Stage) {
			continue
		}
		if _, err := io.WriteString(r.out, FormatLine(evt)+"\n"); err != nil {
			return fmt.Errorf("write progress line: %w", err)
		}
	}
	return nil
}

// Latest returns the most recent metrics reported for runID.
func (r *Reporter) Latest(runID [16]byte) (importer.Metrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.latest[runID]
	return m, ok
}

// Close implements the Sink interface; it performs no action.
func (r *Reporter) Close(context.Context) error {
	return nil
}

// FormatLine renders evt as "[LEVEL] message | found=.. imported=.. skipped=.. points=..".
func FormatLine(evt Event) string {
	level := evt.Level
	if level == "" {
		level = LevelInfo
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(string(level)))
	b.WriteString("] ")
	msg := evt.Message
	if msg == "" {
		msg = strings.ToLower(string(evt.Stage))
	}
	b.WriteString(msg)
	if evt.Reason != "" {
		b.WriteString(" (")
		b.WriteString(evt.Reason)
		b.WriteString(")")
	}
	b.WriteString(" | ")
	b.WriteString(Summary(evt.Metrics))
	return b.String()
}

// Summary renders the metrics counters on one line.
func Summary(m importer.Metrics) string {
	return fmt.Sprintf("found=%d imported=%d skipped=%d points=%d",
		m.Found, m.Imported, m.Skipped, m.RewardPoints)
}

func isItemStage(s Stage) bool {
	switch s {
	case StageQuestionFound, StageQuestionImported, StageQuestionSkipped:
		return true
	default:
		return false
	}
}

package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/exam-importer/internal/progress"
)

// Run results used as label values.
const (
	resultStarted   = "started"
	resultDone      = "done"
	resultCancelled = "cancelled"
	resultFailed    = "failed"
)

// PrometheusSink turns progress events into run and question collectors.
type PrometheusSink struct {
	runs        *prometheus.CounterVec
	active      prometheus.Gauge
	runSeconds  *prometheus.HistogramVec
	questions   *prometheus.CounterVec
	persistTime *prometheus.HistogramVec
	producer    *prometheus.CounterVec

	mu      sync.Mutex
	running map[[16]byte]struct{}
}

// NewPrometheusSink registers the sink's collectors with reg, or with the
// default registerer when reg is nil. Registering twice on one registry
// fails.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Subsystem: "progress",
			Name:      "runs_total",
			Help:      "Import runs by lifecycle result: started, done, cancelled or failed.",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "importer",
			Subsystem: "progress",
			Name:      "runs_active",
			Help:      "Runs that started and have not finished.",
		}),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "importer",
			Subsystem: "progress",
			Name:      "run_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 3, 9),
		}, []string{"result"}),
		questions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Subsystem: "progress",
			Name:      "questions_total",
			Help:      "Questions by outcome: found, imported or a skip reason.",
		}, []string{"outcome"}),
		persistTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "importer",
			Subsystem: "progress",
			Name:      "persist_seconds",
			Help:      "Time to settle one question, by outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 30},
		}, []string{"outcome"}),
		producer: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Subsystem: "progress",
			Name:      "producer_events_total",
			Help:      "Producer notices by kind: error, exam_done or stream_done.",
		}, []string{"kind"}),
		running: make(map[[16]byte]struct{}),
	}
	var errs []error
	for _, c := range []prometheus.Collector{s.runs, s.active, s.runSeconds, s.questions, s.persistTime, s.producer} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("register progress collectors: %w", err)
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runStarted(evt.RunID)
		case progress.StageRunDone:
			s.runFinished(evt, resultDone)
		case progress.StageRunCancelled:
			s.runFinished(evt, resultCancelled)
		case progress.StageRunFailed:
			s.runFinished(evt, resultFailed)
		case progress.StageQuestionFound:
			s.questions.WithLabelValues("found").Inc()
		case progress.StageQuestionImported:
			s.settled(evt, "imported")
		case progress.StageQuestionSkipped:
			s.settled(evt, evt.Reason)
		case progress.StageRemoteError:
			s.producer.WithLabelValues("error").Inc()
		case progress.StageExamDone:
			s.producer.WithLabelValues("exam_done").Inc()
		case progress.StageStreamDone:
			s.producer.WithLabelValues("stream_done").Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) runStarted(id [16]byte) {
	s.runs.WithLabelValues(resultStarted).Inc()
	s.mu.Lock()
	_, seen := s.running[id]
	s.running[id] = struct{}{}
	s.mu.Unlock()
	if !seen {
		s.active.Inc()
	}
}

func (s *PrometheusSink) runFinished(evt progress.Event, result string) {
	s.runs.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runSeconds.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	s.mu.Lock()
	_, was := s.running[evt.RunID]
	delete(s.running, evt.RunID)
	s.mu.Unlock()
	if was {
		s.active.Dec()
	}
}

func (s *PrometheusSink) settled(evt progress.Event, outcome string) {
	s.questions.WithLabelValues(outcome).Inc()
	if evt.Dur > 0 {
		s.persistTime.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/galleryspider/internal/progress"
)

// PrometheusSink exports session and page counters.
type PrometheusSink struct {
	sessionsStarted prometheus.Counter
	sessionsRunning prometheus.Gauge
	sessionRuntime  prometheus.Histogram

	pages         *prometheus.CounterVec
	pageBytes     prometheus.Counter
	pageDuration  prometheus.Histogram
	bandwidthHits prometheus.Counter

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against reg (default registerer
// when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galleryspider_sessions_started_total",
			Help: "Engine sessions whose page count became known.",
		}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "galleryspider_sessions_running",
			Help: "Sessions started and not yet drained.",
		}),
		sessionRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "galleryspider_session_runtime_seconds",
			Help:    "Session age when its worker pool first drained.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galleryspider_pages_total",
			Help: "Pages that reached a terminal state, by result.",
		}, []string{"result"}),
		pageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galleryspider_page_bytes_total",
			Help: "Bytes transferred for finished pages.",
		}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "galleryspider_page_transfer_seconds",
			Help:    "Transfer time of finished pages.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		bandwidthHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galleryspider_bandwidth_limited_total",
			Help: "Pages answered with the bandwidth-exceeded image.",
		}),
		tracker: newSessionTracker(),
	}
	for _, c := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.pages,
		s.pageBytes,
		s.pageDuration,
		s.bandwidthHits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			s.sessionsStarted.Inc()
			if s.tracker.start(evt.Session) {
				s.sessionsRunning.Inc()
			}
		case progress.StagePageDone:
			s.pages.WithLabelValues("finished").Inc()
			if evt.Bytes > 0 {
				s.pageBytes.Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.pageDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StagePageFailed:
			s.pages.WithLabelValues("failed").Inc()
		case progress.StageBandwidth:
			s.bandwidthHits.Inc()
		case progress.StageDrained:
			if s.tracker.complete(evt.Session) {
				s.sessionsRunning.Dec()
				s.sessionRuntime.Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *sessionTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

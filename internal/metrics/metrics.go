// Package metrics exposes Prometheus metrics for event submission and
// lesson reloads.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lessoncal"

// Submission outcomes, used as the "outcome" label.
const (
	OutcomeCreated      = "created"
	OutcomeFailed       = "failed"
	OutcomeInvalid      = "invalid"
	OutcomeNotConnected = "not_connected"
	OutcomeRejected     = "rejected"
)

// Recorder owns a registry and the metrics registered on it. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	createLatency prometheus.Histogram
	draftRepairs  prometheus.Counter
	reloads       *prometheus.CounterVec
	lessons       prometheus.Gauge
}

// New creates a Recorder with its own registry, including Go runtime
// collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Event submissions by outcome.",
		}, []string{"outcome"}),
		createLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_create_duration_seconds",
			Help:      "Time spent in the calendar collaborator per submission.",
			Buckets:   prometheus.DefBuckets,
		}),
		draftRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draft_repairs_total",
			Help:      "Drafts whose lesson, slot or date was repaired after a lesson reload.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lesson_reloads_total",
			Help:      "Lesson file reloads by result.",
		}, []string{"result"}),
		lessons: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lessons",
			Help:      "Number of lessons currently loaded.",
		}),
	}
	reg.MustRegister(
		r.submissions,
		r.createLatency,
		r.draftRepairs,
		r.reloads,
		r.lessons,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Submission(outcome string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) CreateLatency(d time.Duration) {
	if r == nil {
		return
	}
	r.createLatency.Observe(d.Seconds())
}

func (r *Recorder) DraftRepaired() {
	if r == nil {
		return
	}
	r.draftRepairs.Inc()
}

// LessonsReloaded records a reload attempt; count is ignored when err != nil.
func (r *Recorder) LessonsReloaded(count int, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.reloads.WithLabelValues("error").Inc()
		return
	}
	r.reloads.WithLabelValues("ok").Inc()
	r.lessons.Set(float64(count))
}

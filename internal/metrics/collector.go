// Package metrics exposes Prometheus instruments for runs, sessions and viewers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/uiregress/pkg/models"
)

const namespace = "uiregress"

// Collector owns a private registry so tests can build as many as they like.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	engineOutcomes  *prometheus.CounterVec
	engineDuration  *prometheus.HistogramVec
	activeSessions  prometheus.Gauge
	sessionFailures *prometheus.CounterVec
	framesProduced  prometheus.Counter
	framesDropped   prometheus.Counter
	viewers         prometheus.Gauge
	viewersDropped  prometheus.Counter
	framesRelayed   prometheus.Counter
}

// New registers every instrument on a fresh registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Orchestration runs by result (success, failure, error).",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a whole orchestration run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		engineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_outcomes_total",
			Help:      "Per-engine outcomes by status and failure kind.",
		}, []string{"engine", "status", "failure"}),
		engineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_duration_seconds",
			Help:      "Time spent by one runner, launch to teardown.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"engine"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "display_sessions_active",
			Help:      "Virtual display sessions currently running.",
		}),
		sessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "display_session_failures_total",
			Help:      "Display sessions that failed to start, by reason.",
		}, []string{"reason"}),
		framesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_produced_total",
			Help:      "Frames read from capture processes.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames not delivered to a subscriber whose buffer was full.",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers_attached",
			Help:      "Live viewers currently attached to a session.",
		}),
		viewersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewers_dropped_total",
			Help:      "Viewers detached for being too slow.",
		}),
		framesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Frames written to viewer connections.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.runsTotal,
		c.runDuration,
		c.engineOutcomes,
		c.engineDuration,
		c.activeSessions,
		c.sessionFailures,
		c.framesProduced,
		c.framesDropped,
		c.viewers,
		c.viewersDropped,
		c.framesRelayed,
	)

	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RunFinished records a completed orchestration
func (c *Collector) RunFinished(result *models.AggregateResult, err error, elapsed time.Duration) {
	if c == nil {
		return
	}
	label := "error"
	switch {
	case err != nil:
	case result.Success:
		label = "success"
	default:
		label = "failure"
	}
	c.runsTotal.WithLabelValues(label).Inc()
	c.runDuration.Observe(elapsed.Seconds())
}

// EngineFinished records one runner outcome
func (c *Collector) EngineFinished(o models.RunOutcome) {
	if c == nil {
		return
	}
	c.engineOutcomes.WithLabelValues(string(o.Engine), string(o.Status), string(o.Failure)).Inc()
	c.engineDuration.WithLabelValues(string(o.Engine)).Observe(o.Duration.Seconds())
}

// SessionStarted increments the active session gauge
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionStopped decrements the active session gauge
func (c *Collector) SessionStopped() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}

// SessionFailed records a start failure
func (c *Collector) SessionFailed(reason string) {
	if c == nil {
		return
	}
	c.sessionFailures.WithLabelValues(reason).Inc()
}

// FrameProduced counts one captured frame
func (c *Collector) FrameProduced() {
	if c == nil {
		return
	}
	c.framesProduced.Inc()
}

// FrameDropped counts one frame skipped for a full subscriber
func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesDropped.Inc()
}

// ViewerAttached increments the viewer gauge
func (c *Collector) ViewerAttached() {
	if c == nil {
		return
	}
	c.viewers.Inc()
}

// ViewerDetached decrements the viewer gauge, counting slow drops separately
func (c *Collector) ViewerDetached(slow bool) {
	if c == nil {
		return
	}
	c.viewers.Dec()
	if slow {
		c.viewersDropped.Inc()
	}
}

// FrameRelayed counts one frame written to a viewer
func (c *Collector) FrameRelayed() {
	if c == nil {
		return
	}
	c.framesRelayed.Inc()
}

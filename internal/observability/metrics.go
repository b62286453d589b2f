package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	commits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labelcenter",
			Subsystem: "commit",
			Name:      "total",
			Help:      "Tick commits by outcome (committed, aborted).",
		},
		[]string{"outcome"},
	)
	commitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "labelcenter",
			Subsystem: "commit",
			Name:      "duration_seconds",
			Help:      "Time spent in Commit.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)
	intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labelcenter",
			Subsystem: "intent",
			Name:      "total",
			Help:      "Intents by kind and result code (empty code = applied).",
		},
		[]string{"kind", "code"},
	)
	committedTick = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "labelcenter",
			Name:      "committed_tick",
			Help:      "Last committed tick.",
		},
	)
	labels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "labelcenter",
			Subsystem: "labels",
			Name:      "live",
			Help:      "Live labels at the last commit, by ownership.",
		},
		[]string{"owned"},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "labelcenter",
			Subsystem: "ws",
			Name:      "sessions",
			Help:      "Open collaborator sessions.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(commits, commitDuration, intents, committedTick, labels, sessions)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordCommit(tick uint64, duration time.Duration, liveLabels, ownedLabels int) {
	RegisterMetrics()
	commits.WithLabelValues("committed").Inc()
	commitDuration.Observe(duration.Seconds())
	committedTick.Set(float64(tick))
	labels.WithLabelValues("true").Set(float64(ownedLabels))
	labels.WithLabelValues("false").Set(float64(liveLabels - ownedLabels))
}

func RecordAbort(duration time.Duration) {
	RegisterMetrics()
	commits.WithLabelValues("aborted").Inc()
	commitDuration.Observe(duration.Seconds())
}

func RecordIntent(kind, code string) {
	RegisterMetrics()
	intents.WithLabelValues(kind, code).Inc()
}

func RecordSession(delta int) {
	RegisterMetrics()
	sessions.Add(float64(delta))
}

// Package metrics exports detector activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowguard"

// Recorder collects detector events into its own registry.
type Recorder struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	anomaliesTotal   prometheus.Counter
	scores           prometheus.Histogram
	trained          prometheus.Gauge
	trainingDuration *prometheus.HistogramVec
	trainingWindow   prometheus.Gauge
}

// NewRecorder creates a recorder with all metrics registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
	}

	r.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Total number of flow records processed",
	}, []string{"phase"})

	r.anomaliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_total",
		Help:      "Total number of flow records flagged as anomalous",
	})

	r.scores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "anomaly_score",
		Help:      "Distribution of anomaly scores",
		Buckets:   prometheus.LinearBuckets(0.05, 0.05, 19),
	})

	r.trained = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_trained",
		Help:      "1 once the initial model is trained",
	})

	r.trainingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "training_duration_seconds",
		Help:      "Time taken to build a model",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"kind"})

	r.trainingWindow = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "training_window_size",
		Help:      "Number of samples used by the last training run",
	})

	r.registry.MustRegister(
		r.eventsTotal,
		r.anomaliesTotal,
		r.scores,
		r.trained,
		r.trainingDuration,
		r.trainingWindow,
	)

	return r
}

// ObserveEvent counts a processed record.
func (r *Recorder) ObserveEvent(trained bool) {
	phase := "buffering"
	if trained {
		phase = "scoring"
		r.trained.Set(1)
	}
	r.eventsTotal.WithLabelValues(phase).Inc()
}

// ObserveScore records a computed score.
func (r *Recorder) ObserveScore(score float64, anomalous bool) {
	r.scores.Observe(score)
	if anomalous {
		r.anomaliesTotal.Inc()
	}
}

// ObserveTraining records a completed training run.
func (r *Recorder) ObserveTraining(kind string, window int, took time.Duration) {
	r.trainingDuration.WithLabelValues(kind).Observe(took.Seconds())
	r.trainingWindow.Set(float64(window))
	r.trained.Set(1)
}

// Registry returns the registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Package metrics exports Prometheus instrumentation for the inference pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry. A nil *Recorder is valid and records nothing,
// so components can be built without metrics in tests.
type Recorder struct {
	registry *prometheus.Registry

	inferenceLatency  prometheus.Histogram
	inferenceSkipped  prometheus.Counter
	inferenceFailures *prometheus.CounterVec

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter

	segmentationSamples *prometheus.CounterVec
	activeQueries       prometheus.Gauge
}

// New registers all collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		registry: reg,
		inferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "livematch",
			Name:      "inference_latency_seconds",
			Help:      "Round trip of an infer request to the encoder runtime.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		inferenceSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livematch",
			Name:      "inference_skipped_total",
			Help:      "Scheduled inferences skipped because one was already in flight.",
		}),
		inferenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livematch",
			Name:      "encoder_failures_total",
			Help:      "Failed encoder runtime requests by message type.",
		}, []string{"op"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livematch",
			Name:      "text_cache_hits_total",
			Help:      "Text encodings served from the cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livematch",
			Name:      "text_cache_misses_total",
			Help:      "Text encodings that required a model call.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livematch",
			Name:      "text_cache_evictions_total",
			Help:      "Entries evicted from the text cache.",
		}),
		segmentationSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livematch",
			Name:      "segmentation_samples_total",
			Help:      "Segmentation samples by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		activeQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livematch",
			Name:      "active_queries",
			Help:      "Number of live text queries.",
		}),
	}

	reg.MustRegister(
		r.inferenceLatency,
		r.inferenceSkipped,
		r.inferenceFailures,
		r.cacheHits,
		r.cacheMisses,
		r.cacheEvictions,
		r.segmentationSamples,
		r.activeQueries,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveInference(d time.Duration) {
	if r == nil {
		return
	}
	r.inferenceLatency.Observe(d.Seconds())
}

func (r *Recorder) InferenceSkipped() {
	if r == nil {
		return
	}
	r.inferenceSkipped.Inc()
}

func (r *Recorder) EncoderFailure(op string) {
	if r == nil {
		return
	}
	r.inferenceFailures.WithLabelValues(op).Inc()
}

func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Inc()
}

func (r *Recorder) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheMisses.Inc()
}

func (r *Recorder) CacheEviction() {
	if r == nil {
		return
	}
	r.cacheEvictions.Inc()
}

func (r *Recorder) SegmentationSample(strategy string, ok bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "skipped"
	}
	r.segmentationSamples.WithLabelValues(strategy, outcome).Inc()
}

func (r *Recorder) SetActiveQueries(n int) {
	if r == nil {
		return
	}
	r.activeQueries.Set(float64(n))
}

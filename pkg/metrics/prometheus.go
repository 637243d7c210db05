package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	errorsTotal   *prometheus.CounterVec
	lastPrice     *prometheus.GaugeVec
	latency       *prometheus.HistogramVec
	reconnects    *prometheus.CounterVec
	feedConnected *prometheus.GaugeVec
	decisions     *prometheus.CounterVec
	modelProb     *prometheus.GaugeVec
	accuracy      prometheus.Gauge
	streak        prometheus.Gauge
	cyclesSkipped prometheus.Counter
}

// New creates a recorder on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registering its collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polypulse_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polypulse_last_price",
				Help: "Last accepted price per feed",
			},
			[]string{"feed"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polypulse_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polypulse_stream_reconnects_total",
				Help: "Reconnect attempts per feed",
			},
			[]string{"feed"},
		),
		feedConnected: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polypulse_stream_connected",
				Help: "1 when the feed connection is open",
			},
			[]string{"feed"},
		),
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polypulse_decisions_total",
				Help: "Gate decisions by action, side and phase",
			},
			[]string{"action", "side", "phase"},
		),
		modelProb: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polypulse_model_probability_up",
				Help: "Latest Up probability per source (rule, tree, blended)",
			},
			[]string{"source"},
		),
		accuracy: f.NewGauge(prometheus.GaugeOpts{
			Name: "polypulse_prediction_accuracy",
			Help: "Rolling accuracy of settled predictions",
		}),
		streak: f.NewGauge(prometheus.GaugeOpts{
			Name: "polypulse_prediction_streak",
			Help: "Current signed win/loss streak",
		}),
		cyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "polypulse_cycles_skipped_total",
			Help: "Decision cycles skipped because the previous one was still running",
		}),
	}
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a feed.
func (r *Recorder) RecordLastPrice(feed string, price float64) {
	r.lastPrice.WithLabelValues(feed).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordReconnect(feed string) {
	r.reconnects.WithLabelValues(feed).Inc()
}

func (r *Recorder) SetFeedConnected(feed string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	r.feedConnected.WithLabelValues(feed).Set(v)
}

func (r *Recorder) RecordDecision(action, side, phase string) {
	r.decisions.WithLabelValues(action, side, phase).Inc()
}

func (r *Recorder) SetModelProbability(source string, p float64) {
	r.modelProb.WithLabelValues(source).Set(p)
}

func (r *Recorder) SetAccuracy(accuracy float64, streak int) {
	r.accuracy.Set(accuracy)
	r.streak.Set(float64(streak))
}

func (r *Recorder) RecordCycleSkipped() {
	r.cyclesSkipped.Inc()
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordError(string)                    {}
func (Nop) RecordLastPrice(string, float64)       {}
func (Nop) RecordLatency(string, float64)         {}
func (Nop) RecordReconnect(string)                {}
func (Nop) SetFeedConnected(string, bool)         {}
func (Nop) RecordDecision(string, string, string) {}
func (Nop) SetModelProbability(string, float64)   {}
func (Nop) SetAccuracy(float64, int)              {}
func (Nop) RecordCycleSkipped()                   {}

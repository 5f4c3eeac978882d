package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for ingest_events_total.
const (
	StatusQueued  = "queued"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Kind labels for ingest_errors_total.
const (
	ErrInvalidFormat = "invalid_format"
	ErrProcessing    = "processing"
	ErrIntegrity     = "integrity"
	ErrDatabase      = "database"
	ErrIngest        = "ingest_error"
)

// Metrics holds the collector's instruments. They are write-only from the
// pipeline's point of view; a nil *Metrics records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	events     *prometheus.CounterVec
	errors     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	dbWrite    prometheus.Histogram
	rate       *Window
}

func New(rateWindow time.Duration) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Total number of events ingested",
		}, []string{"status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_errors_total",
			Help: "Total number of ingestion errors",
		}, []string{"error_type"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current depth of the ingestion queue",
		}),
		dbWrite: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_db_write_seconds",
			Help:    "Duration of one event's upsert transaction",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		rate: NewWindow(rateWindow),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ingest_rate_per_second",
		Help: "Current ingestion rate (events per second)",
	}, func() float64 {
		return m.rate.Rate(time.Now())
	})
	for _, s := range []string{StatusQueued, StatusSuccess, StatusFailure} {
		m.events.WithLabelValues(s)
	}
	for _, k := range []string{ErrInvalidFormat, ErrProcessing, ErrIntegrity, ErrDatabase, ErrIngest} {
		m.errors.WithLabelValues(k)
	}
	return m
}

func (m *Metrics) Event(status string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		m.rate.Add(time.Now(), 1)
	}
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.dbWrite.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventCount and ErrorCount read the current value of one counter.
func (m *Metrics) EventCount(status string) float64 {
	return counterValue(m.events.WithLabelValues(status))
}

func (m *Metrics) ErrorCount(kind string) float64 {
	return counterValue(m.errors.WithLabelValues(kind))
}

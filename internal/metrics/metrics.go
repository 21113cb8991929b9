package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Redirect path
	Redirects       *prometheus.CounterVec
	ResolveDuration prometheus.Histogram
	CacheLookups    *prometheus.CounterVec

	// Pipeline
	Clicks          *prometheus.CounterVec
	ClickQueueDepth prometheus.Gauge
	Conversions     *prometheus.CounterVec
	Commissions     *prometheus.CounterVec
	QueueMessages   *prometheus.CounterVec
	Payouts         *prometheus.CounterVec
	AttentionItems  *prometheus.CounterVec
}

// New registers every metric on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		Redirects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redirects_total",
				Help: "Resolved redirect requests by outcome and matched rule",
			},
			[]string{"outcome", "rule"},
		),
		ResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolve_duration_seconds",
			Help:    "Time spent resolving a short link",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "link_cache_lookups_total",
				Help: "Edge cache lookups by result",
			},
			[]string{"result"}, // hit, miss, error
		),
		Clicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clicks_total",
				Help: "Click recording results",
			},
			[]string{"result"}, // recorded, deduped, dropped, retried, failed
		),
		ClickQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "click_queue_depth",
			Help: "Click tasks waiting for a worker",
		}),
		Conversions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversions_ingested_total",
				Help: "Lead and sale events by result",
			},
			[]string{"type", "result"}, // accepted, duplicate, rejected
		),
		Commissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commissions_created_total",
				Help: "Commissions written by type and status",
			},
			[]string{"type", "status"},
		),
		QueueMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_total",
				Help: "Queue messages handled by topic and result",
			},
			[]string{"topic", "result"}, // ok, retried, dead_lettered
		),
		Payouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payouts_total",
				Help: "Payout lifecycle events by rail and result",
			},
			[]string{"rail", "result"},
		),
		AttentionItems: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attention_items_total",
				Help: "Items escalated for manual intervention",
			},
			[]string{"source"},
		),
	}
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Correlator outcomes
const (
	OutcomeRewritten    = "rewritten"
	OutcomeDuplicate    = "duplicate"
	OutcomePassthrough  = "passthrough"
	OutcomeLogged       = "logged"
	OutcomeUncorrelated = "uncorrelated"
	OutcomeFailed       = "failed"
)

// Metrics holds the collectors of one keyrelay process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	httpReqCnt  *prometheus.CounterVec
	httpDur     *prometheus.HistogramVec
	relayCnt    *prometheus.CounterVec
	relayDur    *prometheus.HistogramVec
	relayInfl   *prometheus.GaugeVec
	exchangeCnt *prometheus.CounterVec
	manifestCnt *prometheus.CounterVec
	headerCnt   prometheus.Counter
	pending     prometheus.Gauge
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:    r,
		httpReqCnt:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:     prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"}),
		relayCnt:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "relay_messages_total"}, []string{"kind", "status"}),
		relayDur:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "relay_message_duration_seconds", Buckets: cfg.Buckets}, []string{"kind"}),
		relayInfl:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "relay_messages_inflight"}, []string{"kind"}),
		exchangeCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "exchanges_total"}, []string{"stage", "outcome"}),
		manifestCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "manifests_classified_total"}, []string{"type"}),
		headerCnt:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "header_records_captured_total"}),
		pending:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "pending_sessions"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.relayCnt, m.relayDur, m.relayInfl,
		m.exchangeCnt, m.manifestCnt, m.headerCnt, m.pending)
	return m
}

func (m *Metrics) RelayStart(kind string) {
	if m == nil {
		return
	}
	m.relayInfl.WithLabelValues(kind).Inc()
}

func (m *Metrics) RelayDone(kind string, since time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.relayCnt.WithLabelValues(kind, status).Inc()
	m.relayDur.WithLabelValues(kind).Observe(time.Since(since).Seconds())
	m.relayInfl.WithLabelValues(kind).Dec()
}

// Exchange counts a correlator step; stage is "challenge" or "license"
func (m *Metrics) Exchange(stage, outcome string) {
	if m == nil {
		return
	}
	m.exchangeCnt.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) Manifest(manifestType string) {
	if m == nil {
		return
	}
	m.manifestCnt.WithLabelValues(manifestType).Inc()
}

func (m *Metrics) HeaderCaptured() {
	if m == nil {
		return
	}
	m.headerCnt.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

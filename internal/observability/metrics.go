package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace      = "despacho"
	unmatchedRoute = "unmatched"
)

// Metrics holds the Prometheus collectors of the api and the manifest worker.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	scansTotal           *prometheus.CounterVec
	scanRejectionsTotal  *prometheus.CounterVec
	batchesOpenedTotal   *prometheus.CounterVec
	batchesClosedTotal   *prometheus.CounterVec
	manifestsSentTotal   *prometheus.CounterVec
	manifestsFailedTotal *prometheus.CounterVec
	manifestSendDuration *prometheus.HistogramVec
	workerInflight       *prometheus.GaugeVec
	retryScheduledTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: counter("http_requests_total",
			"HTTP requests by method, route and status.", "method", "path", "status"),
		httpRequestDuration: histogram("http_request_duration_seconds",
			"HTTP request latency by method and route.", prometheus.DefBuckets, "method", "path"),
		scansTotal: counter("scans_total",
			"Recorded scans by batch carrier, detected category and outcome.", "carrier", "category", "outcome"),
		scanRejectionsTotal: counter("scan_rejections_total",
			"Scans refused before being recorded, by reason.", "carrier", "reason"),
		batchesOpenedTotal: counter("batches_opened_total",
			"Batches opened.", "carrier"),
		batchesClosedTotal: counter("batches_closed_total",
			"Batches closed.", "carrier"),
		manifestsSentTotal: counter("manifests_sent_total",
			"Closing manifests accepted by the mail relay.", "carrier"),
		manifestsFailedTotal: counter("manifests_failed_total",
			"Closing manifests given up on.", "carrier", "reason"),
		manifestSendDuration: histogram("manifest_send_duration_seconds",
			"Mail relay call latency.", prometheus.ExponentialBuckets(0.01, 2, 12), "carrier"),
		workerInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_inflight",
			Help:      "Manifest deliveries currently being processed.",
		}, []string{"queue"}),
		retryScheduledTotal: counter("manifest_retry_scheduled_total",
			"Manifest deliveries parked for a later retry.", "carrier"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.scansTotal,
		m.scanRejectionsTotal,
		m.batchesOpenedTotal,
		m.batchesClosedTotal,
		m.manifestsSentTotal,
		m.manifestsFailedTotal,
		m.manifestSendDuration,
		m.workerInflight,
		m.retryScheduledTotal,
	)

	return m
}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records every request except scrapes of /metrics. It runs before the
// error handler, so the status is taken from the returned error when there is one.
func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := routePath(c)
		if route == "/metrics" || m == nil {
			return err
		}

		method := strings.ToUpper(c.Method())
		m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(responseStatus(c, err))).Inc()
		m.httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		return err
	}
}

func (m *Metrics) IncScan(carrier, category, outcome string) {
	if m != nil {
		incCounter(m.scansTotal, carrier, category, outcome)
	}
}

func (m *Metrics) IncScanRejected(carrier, reason string) {
	if m != nil {
		incCounter(m.scanRejectionsTotal, carrier, reason)
	}
}

func (m *Metrics) IncBatchOpened(carrier string) {
	if m != nil {
		incCounter(m.batchesOpenedTotal, carrier)
	}
}

func (m *Metrics) IncBatchClosed(carrier string) {
	if m != nil {
		incCounter(m.batchesClosedTotal, carrier)
	}
}

func (m *Metrics) IncManifestSent(carrier string) {
	if m != nil {
		incCounter(m.manifestsSentTotal, carrier)
	}
}

func (m *Metrics) IncManifestFailed(carrier, reason string) {
	if m != nil {
		incCounter(m.manifestsFailedTotal, carrier, reason)
	}
}

func (m *Metrics) IncRetryScheduled(carrier string) {
	if m != nil {
		incCounter(m.retryScheduledTotal, carrier)
	}
}

func (m *Metrics) ObserveManifestSendDuration(carrier string, duration time.Duration) {
	if m == nil {
		return
	}
	m.manifestSendDuration.WithLabelValues(normalizeLabel(carrier)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncWorkerInFlight(queue string) {
	if m != nil {
		m.workerInflight.WithLabelValues(normalizeLabel(queue)).Inc()
	}
}

func (m *Metrics) DecWorkerInFlight(queue string) {
	if m != nil {
		m.workerInflight.WithLabelValues(normalizeLabel(queue)).Dec()
	}
}

func incCounter(vec *prometheus.CounterVec, labels ...string) {
	for i := range labels {
		labels[i] = normalizeLabel(labels[i])
	}
	vec.WithLabelValues(labels...).Inc()
}

func routePath(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && strings.TrimSpace(route.Path) != "" {
		return route.Path
	}
	return unmatchedRoute
}

// responseStatus resolves the status the client will see. Errors carrying their own
// status (fiber's and the api's error envelope) keep it; anything else becomes a 500.
func responseStatus(c *fiber.Ctx, err error) int {
	if err == nil {
		if status := c.Response().StatusCode(); status != 0 {
			return status
		}
		return fiber.StatusOK
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code
	}
	var withStatus interface{ HTTPStatus() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatus()
	}
	return fiber.StatusInternalServerError
}

func normalizeLabel(value string) string {
	if normalized := strings.ToLower(strings.TrimSpace(value)); normalized != "" {
		return normalized
	}
	return "unknown"
}

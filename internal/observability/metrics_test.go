package observability

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDispatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncScan("FLEX", "ETIQUETA", "OK")
	metrics.IncScan("flex", "etiqueta", "ok")
	metrics.IncScanRejected("COLECTA", "foreign_carrier")
	metrics.IncBatchOpened("COLECTA")
	metrics.IncBatchClosed("COLECTA")

	if got := testutil.ToFloat64(metrics.scansTotal.WithLabelValues("flex", "etiqueta", "ok")); got != 2 {
		t.Fatalf("scans_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.scanRejectionsTotal.WithLabelValues("colecta", "foreign_carrier")); got != 1 {
		t.Fatalf("scan_rejections_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchesOpenedTotal.WithLabelValues("colecta")); got != 1 {
		t.Fatalf("batches_opened_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchesClosedTotal.WithLabelValues("colecta")); got != 1 {
		t.Fatalf("batches_closed_total = %v, want 1", got)
	}
}

func TestMetricsWorkerCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncManifestSent("FLEX")
	metrics.IncManifestFailed("flex", "permanent_error")
	metrics.ObserveManifestSendDuration("flex", 120*time.Millisecond)
	metrics.IncWorkerInFlight("manifest")
	metrics.DecWorkerInFlight("manifest")
	metrics.IncRetryScheduled("flex")
	metrics.IncManifestFailed("", "")

	if got := testutil.ToFloat64(metrics.manifestsSentTotal.WithLabelValues("flex")); got != 1 {
		t.Fatalf("manifests_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.manifestsFailedTotal.WithLabelValues("flex", "permanent_error")); got != 1 {
		t.Fatalf("manifests_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.manifestsFailedTotal.WithLabelValues("unknown", "unknown")); got != 1 {
		t.Fatalf("manifests_failed_total{unknown} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("flex")); got != 1 {
		t.Fatalf("manifest_retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.workerInflight.WithLabelValues("manifest")); got != 0 {
		t.Fatalf("worker_inflight = %v, want 0", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncScan("flex", "flex", "ok")
	metrics.IncScanRejected("flex", "rate_limited")
	metrics.IncManifestSent("flex")
	metrics.ObserveManifestSendDuration("flex", time.Second)
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

type statusError struct{ status int }

func (e statusError) Error() string   { return "rejected" }
func (e statusError) HTTPStatus() int { return e.status }

func TestMetricsHTTPMiddlewareStatusFromError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status string
	}{
		{name: "fiber error", err: fiber.ErrNotFound, status: "404"},
		{name: "error with status", err: statusError{status: fiber.StatusConflict}, status: "409"},
		{name: "wrapped error with status", err: fmt.Errorf("close: %w", statusError{status: fiber.StatusUnprocessableEntity}), status: "422"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			metrics := NewMetrics()
			app := fiber.New()
			app.Use(metrics.HTTPMiddleware())
			app.Post("/api/v1/batches/current/close", func(c *fiber.Ctx) error {
				return tt.err
			})

			if _, err := app.Test(httptest.NewRequest("POST", "/api/v1/batches/current/close", nil)); err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}

			got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("POST", "/api/v1/batches/current/close", tt.status))
			if got != 1 {
				t.Fatalf("http_requests_total{status=%s} = %v, want 1", tt.status, got)
			}
		})
	}
}

func TestMetricsHTTPMiddlewareSkipsScrapes(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", func(c *fiber.Ctx) error { return c.SendString("ok") })

	if _, err := app.Test(httptest.NewRequest("GET", "/metrics", nil)); err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if got := testutil.CollectAndCount(metrics.httpRequestsTotal); got != 0 {
		t.Fatalf("http_requests_total series = %d, want 0", got)
	}
}

package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWorkflowCounters(t *testing.T) {
	p := NewProvider()

	p.TransitionAccepted("AssignLabStaff", "Pending", "LabAssigned")
	p.TransitionAccepted("AssignLabStaff", "Pending", "LabAssigned")
	p.TransitionRejected("StartTesting", "illegal_transition")
	p.CommitRetried("CompleteTesting")

	if got := testutil.ToFloat64(p.transitions.WithLabelValues("AssignLabStaff", "Pending", "LabAssigned")); got != 2 {
		t.Errorf("transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.rejections.WithLabelValues("StartTesting", "illegal_transition")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.retries.WithLabelValues("CompleteTesting")); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
}

func TestMetricsMiddleware_RecordsRoute(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/test-requests/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/api/v1/missing/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})

	for _, path := range []string{"/api/v1/test-requests/a", "/api/v1/test-requests/b", "/api/v1/missing/x"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(p.httpRequests.WithLabelValues("GET", "/api/v1/test-requests/:id", "200")); got != 2 {
		t.Errorf("200 count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.httpRequests.WithLabelValues("GET", "/api/v1/missing/:id", "404")); got != 1 {
		t.Errorf("404 count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.activeRequests); got != 0 {
		t.Errorf("active requests = %v, want 0", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	p := NewProvider()
	p.TransitionAccepted("Cancel", "Pending", "Cancelled")
	p.GaugeFunc("notifications_dropped", "Dropped notifications.", func() float64 { return 3 })

	e := echo.New()
	e.GET("/metrics", p.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`labflow_transitions_total{event="Cancel",from="Pending",to="Cancelled"} 1`,
		"labflow_notifications_dropped 3",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"slug-proxy-go/internal/metrics"
)

// requestLabels returns the label sets of every slug_proxy_http_requests_total series.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "slug_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			out = append(out, labelMap(metric))
		}
	}
	return out
}

func labelMap(metric *dto.Metric) map[string]string {
	labels := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.POST("/api/v3/loadPageChunk", func(c echo.Context) error {
		c.Set(metrics.KindKey, "api")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v3/loadPageChunk", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	series := requestLabels(t, m)
	if len(series) != 1 {
		t.Fatalf("series = %v, want exactly one", series)
	}
	if series[0]["kind"] != "api" || series[0]["method"] != "POST" || series[0]["status_code"] != "200" {
		t.Errorf("labels = %v, want kind=api method=POST status_code=200", series[0])
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		c.Set(metrics.KindKey, "health")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "slug_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 && labelMap(metric)["kind"] == "health" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected slug_proxy_http_request_duration_seconds{kind=health} with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/app/main.js", func(c echo.Context) error {
		c.Set(metrics.KindKey, "asset")
		return echo.NewHTTPError(http.StatusBadGateway, "upstream connection failed")
	})

	req := httptest.NewRequest(http.MethodGet, "/app/main.js", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	for _, labels := range requestLabels(t, m) {
		if labels["kind"] == "asset" {
			if labels["status_code"] != "502" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "502")
			}
			return
		}
	}
	t.Error("expected slug_proxy_http_requests_total with kind=asset")
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		c.Set(metrics.KindKey, "page")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/some/page", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	for _, labels := range requestLabels(t, m) {
		if labels["kind"] == "page" {
			if labels["method"] != "other" {
				t.Errorf("method = %q, want %q", labels["method"], "other")
			}
			return
		}
	}
	t.Error("expected slug_proxy_http_requests_total with kind=page and method=other")
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	// No routes registered; request should yield 404.

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	for _, labels := range requestLabels(t, m) {
		if labels["kind"] == "other" && labels["method"] == "GET" {
			if labels["status_code"] != "404" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
			}
			return
		}
	}
	t.Error("expected slug_proxy_http_requests_total with kind=other, method=GET, status_code=404")
}

package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head></head><body></body></html>`))
	})
	health := NewHealthHandler(f.cfg, f.table, "test")

	e := echo.New()
	RegisterRoutes(e, f.cfg, f.metrics, f.proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET / redirects root slug", http.MethodGet, "/", http.StatusMovedPermanently},
		{"GET /resume redirects", http.MethodGet, "/resume", http.StatusMovedPermanently},
		{"POST /api/v3/getSpaces", http.MethodPost, "/api/v3/getSpaces", http.StatusOK},
		{"GET page id", http.MethodGet, "/" + resumePage, http.StatusOK},
		{"GET nested unknown path", http.MethodGet, "/a/b/c", http.StatusOK},
		{"OPTIONS anything", http.MethodOptions, "/api/v3/x", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("from upstream"))
	})
	f.cfg.Metrics.Enabled = false
	health := NewHealthHandler(f.cfg, f.table, "test")

	e := echo.New()
	RegisterRoutes(e, f.cfg, f.metrics, f.proxy, health)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Body.String() != "from upstream" {
		t.Errorf("body = %q, want request proxied upstream", rec.Body.String())
	}
}

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(context.Background(), Config{ServiceName: "medibook-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SampleRate: 3}
	cfg.applyDefaults()
	assert.Equal(t, "medibook-server", cfg.ServiceName)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	p := newTestProvider(t)
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/bookings/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", p.PrometheusHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bookings/abc", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "http_server_requests")
	assert.Contains(t, body, `http_route="/api/v1/bookings/:id"`)
	assert.Contains(t, body, "http_server_request_duration")
}

func TestMiddleware_ErrorStatusRecorded(t *testing.T) {
	p := newTestProvider(t)
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "already booked")
	})
	e.GET("/metrics", p.PrometheusHandler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `http_response_status_code="409"`)
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	p := newTestProvider(t)
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get("X-Trace-Id"))
}

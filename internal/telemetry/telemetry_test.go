package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false, ServiceName: "test"})
	require.NoError(t, err)

	boom := errors.New("boom")

	err = tel.InstrumentClientOperation(context.Background(), "qqmusic", "search", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, tel.InstrumentDownload(context.Background(), func(ctx context.Context) error { return nil }))
	assert.NoError(t, tel.InstrumentDBOperation(context.Background(), "get", func(ctx context.Context) error { return nil }))

	tel.RecordBatch("success", 3)
	tel.AddDownloadedBytes(10)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry

	called := false
	err := tel.InstrumentDownload(context.Background(), func(ctx context.Context) error {
		called = true

		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestEnabledTelemetry_ServesMetrics(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: true, ServiceName: "qqmusic_downloader_test"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	_ = tel.InstrumentDownload(context.Background(), func(ctx context.Context) error { return nil })
	_ = tel.InstrumentClientOperation(context.Background(), "qqmusic", "search", func(ctx context.Context) error {
		return errors.New("boom")
	})

	r := chi.NewRouter()
	r.Use(tel.Middleware)
	r.Handle("/metrics", tel.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "downloads_total")
	assert.Contains(t, rec.Body.String(), "client_errors_total")
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", seen)
}

func TestHTTPLogging_CapturesStatus(t *testing.T) {
	h := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/downloads", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(302))
	assert.Equal(t, "4xx", statusClass(409))
	assert.Equal(t, "5xx", statusClass(502))
	assert.Equal(t, "unknown", statusClass(0))
}

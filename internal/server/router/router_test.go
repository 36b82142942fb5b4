package router

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/stocksync/internal/repository/sqlite"
	"github.com/mamadbah2/stocksync/internal/server/handlers"
)

func newTestRouter(t *testing.T, shuttingDown *atomic.Bool) http.Handler {
	t.Helper()
	local, err := sqlite.Open(filepath.Join(t.TempDir(), "stock.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	return New(Routes{
		Stocks:  handlers.NewStockHandler(nil, nil, nil, nil),
		Reports: handlers.NewReportHandler(nil, nil, nil),
		Health:  NewHealth(local.DB(), shuttingDown),
	}, nil)
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	var shuttingDown atomic.Bool
	r := newTestRouter(t, &shuttingDown)

	assert.Equal(t, http.StatusOK, get(r, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(r, "/live").Code)
	assert.Equal(t, http.StatusOK, get(r, "/ready").Code)

	shuttingDown.Store(true)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(r, "/live").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, nil)

	rec := get(r, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInvalidStockIDIsRejected(t *testing.T) {
	r := newTestRouter(t, nil)
	assert.Equal(t, http.StatusBadRequest, get(r, "/stocks/abc/history").Code)
}

func TestWithCORS(t *testing.T) {
	r := newTestRouter(t, nil)
	assert.Equal(t, r, WithCORS(r, nil))

	h := WithCORS(r, []string{"http://counter.local"})
	req := httptest.NewRequest(http.MethodOptions, "/stocks", nil)
	req.Header.Set("Origin", "http://counter.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://counter.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://elsewhere.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

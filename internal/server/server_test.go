package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cardkeep/cardkeep/internal/errors"
	"github.com/cardkeep/cardkeep/internal/ratelimit"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/policies", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerServesThrottleAPI(t *testing.T) {
	limiter := ratelimit.New()
	srv := New("127.0.0.1", 0, WithLimiter(limiter, nil))
	require.Same(t, limiter, srv.Limiter())

	check := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/throttle/import:42/check",
			strings.NewReader(`{"max_requests":1,"window":"1h"}`))
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, check())
	assert.Equal(t, http.StatusTooManyRequests, check())
	assert.Equal(t, []string{"import:42"}, limiter.Keys())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/throttle/import:42", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusOK, check())
}

func TestServerThrottleMiddlewareKeysByClient(t *testing.T) {
	limiter := ratelimit.New()
	srv := New("127.0.0.1", 0,
		WithLimiter(limiter, nil),
		WithThrottle("api", ratelimit.Policy{MaxRequests: 2, Window: time.Minute}))

	get := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, get("203.0.113.7").Code)
	assert.Equal(t, http.StatusOK, get("203.0.113.7").Code)

	rec := get("203.0.113.7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get("198.51.100.1").Code)

	// Health and version stay outside the throttle.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestServerTimeoutOptions(t *testing.T) {
	srv := New("127.0.0.1", 0, WithTimeouts(time.Second, 0, 3*time.Second))
	assert.Equal(t, time.Second, srv.readTimeout)
	assert.Equal(t, 30*time.Second, srv.writeTimeout)
	assert.Equal(t, 3*time.Second, srv.idleTimeout)
	assert.NoError(t, srv.Shutdown(context.Background()))
}

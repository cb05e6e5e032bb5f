package integration

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cardkeep/cardkeep/internal/observability"
	"github.com/cardkeep/cardkeep/internal/ratelimit"
	"github.com/cardkeep/cardkeep/internal/server"
	"github.com/cardkeep/cardkeep/internal/server/handlers"
)

// cleanupMetrics tears down global telemetry state so each test starts clean.
// This matters in sandboxes where lingering exporters can block future binds.
func cleanupMetrics(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		if observability.PrometheusExporter != nil {
			_ = observability.PrometheusExporter.Stop()
			observability.PrometheusExporter = nil
		}
		observability.TelemetrySystem = nil
	})
}

// isPermissionError normalizes OS-specific permission errors (macOS/Linux/BSD)
// so we can gracefully skip when loopback sockets are blocked.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func initMetricsOrSkip(t *testing.T) {
	t.Helper()

	if err := observability.InitMetrics("test", 0, "test"); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}
	cleanupMetrics(t)
}

// newTestServer binds to IPv4 loopback explicitly and skips when the sandbox
// refuses to open sockets.
func newTestServer(t *testing.T, opts ...server.Option) (*httptest.Server, *http.Client) {
	t.Helper()
	srv := server.New("127.0.0.1", 0, opts...)

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping server setup: %v", err)
		}
		require.NoError(t, err)
	}

	ts := &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: srv.Handler()},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, ts.Client()
}

func TestThrottleAdmitsExactlyLimitUnderLoad(t *testing.T) {
	observability.InitServerLogger("test", "error")
	initMetricsOrSkip(t)
	handlers.InitHealthManager("test")

	limiter := ratelimit.New()
	ts, client := newTestServer(t, server.WithLimiter(limiter, nil))

	const (
		numRequests = 60
		numWorkers  = 10
		limit       = 7
	)

	requests := make(chan int, numRequests)
	for i := 0; i < numRequests; i++ {
		requests <- i
	}
	close(requests)

	var allowed, denied atomic.Int64
	var g errgroup.Group
	for i := 0; i < numWorkers; i++ {
		g.Go(func() error {
			for range requests {
				resp, err := client.Post(ts.URL+"/v1/throttle/import:job-9/check", "application/json",
					strings.NewReader(`{"max_requests":7,"window":"1h"}`))
				if err != nil {
					return err
				}
				switch resp.StatusCode {
				case http.StatusOK:
					allowed.Add(1)
				case http.StatusTooManyRequests:
					denied.Add(1)
				}
				if err := resp.Body.Close(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(limit), allowed.Load())
	assert.Equal(t, int64(numRequests-limit), denied.Load())
	assert.Equal(t, limit, limiter.Count("import:job-9", ratelimit.Policy{MaxRequests: limit, Window: time.Hour}))

	resp, err := client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsContent := string(body)
	assert.Contains(t, metricsContent, "ratelimit_decisions_total")
	assert.Contains(t, metricsContent, "http_requests_total")
}

func TestResetAndCleanupOverHTTP(t *testing.T) {
	observability.InitServerLogger("test", "error")
	handlers.InitHealthManager("test")

	limiter := ratelimit.New()
	ts, client := newTestServer(t, server.WithLimiter(limiter, nil))

	check := func() int {
		resp, err := client.Post(ts.URL+"/v1/throttle/login:carol/check", "application/json",
			strings.NewReader(`{"policy":"auth"}`))
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		return resp.StatusCode
	}

	for i := 0; i < ratelimit.Presets[ratelimit.PresetAuth].MaxRequests; i++ {
		require.Equal(t, http.StatusOK, check())
	}
	require.Equal(t, http.StatusTooManyRequests, check())

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/throttle/login:carol", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, http.StatusOK, check())

	resp, err = client.Post(ts.URL+"/v1/throttle/cleanup?retention=1ns", "application/json", nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"evicted":1,"tracked":0,"retention_ms":0}`, string(body))
}

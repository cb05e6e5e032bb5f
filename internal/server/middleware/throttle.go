package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/cardkeep/cardkeep/internal/metrics"
	"github.com/cardkeep/cardkeep/internal/observability"
	"github.com/cardkeep/cardkeep/internal/ratelimit"
)

// ClientKeyPrefix namespaces middleware keys so they never collide with keys
// checked through the API.
const ClientKeyPrefix = "http:"

// Throttle admits each request through limiter under policy, keyed by client
// address. Run it after chi's RealIP so RemoteAddr reflects the caller.
func Throttle(limiter *ratelimit.Limiter, policyName string, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKeyPrefix + clientAddr(r)

			decision, err := limiter.Check(key, policy)
			if err != nil {
				// Policy was validated at startup; fail open rather than block traffic.
				if observability.ServerLogger != nil {
					observability.ServerLogger.Warn("Throttle check failed", zap.Error(err))
				}
				next.ServeHTTP(w, r)
				return
			}
			metrics.RecordDecision(policyName, decision.Allowed)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				envelope := errors.NewErrorEnvelope("RATE_LIMITED", "too many requests").
					WithCorrelationID(GetRequestID(r.Context())).
					WithDetails(map[string]interface{}{
						"policy":         policyName,
						"retry_after_ms": decision.RetryAfter.Milliseconds(),
					})
				w.Header().Set("Retry-After", RetryAfterSeconds(decision))
				writeErrorResponse(w, envelope, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds formats the decision's wait for the Retry-After header,
// rounding up to whole seconds.
func RetryAfterSeconds(decision ratelimit.Decision) string {
	secs := int64(decision.RetryAfter / time.Second)
	if decision.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/cardkeep/cardkeep/internal/errors"
	"github.com/cardkeep/cardkeep/internal/metrics"
	"github.com/cardkeep/cardkeep/internal/output"
	"github.com/cardkeep/cardkeep/internal/ratelimit"
	servermw "github.com/cardkeep/cardkeep/internal/server/middleware"
)

const maxCheckBodyBytes = 4 << 10

// CheckRequest selects the policy for an admission check. Either Policy names
// a configured policy, or MaxRequests and Window describe one inline.
type CheckRequest struct {
	Policy      string `json:"policy,omitempty"`
	MaxRequests int    `json:"max_requests,omitempty"`
	Window      string `json:"window,omitempty"`
}

// CheckResponse is returned for admitted requests.
type CheckResponse struct {
	Key          string `json:"key"`
	Policy       string `json:"policy,omitempty"`
	Allowed      bool   `json:"allowed"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// CleanupResponse reports the result of a sweep.
type CleanupResponse struct {
	Evicted     int   `json:"evicted"`
	Tracked     int   `json:"tracked"`
	RetentionMS int64 `json:"retention_ms"`
}

// KeysResponse lists tracked keys. With ?policy=NAME, Active holds each key's
// request count inside that policy's window.
type KeysResponse struct {
	Keys    []string       `json:"keys"`
	Tracked int            `json:"tracked"`
	Policy  string         `json:"policy,omitempty"`
	Active  map[string]int `json:"active,omitempty"`
}

// PoliciesResponse lists the effective policies.
type PoliciesResponse struct {
	Policies []output.PolicyEntry `json:"policies"`
}

// ThrottleHandler exposes one limiter over HTTP.
type ThrottleHandler struct {
	limiter  *ratelimit.Limiter
	policies ratelimit.PolicySet
	janitor  *ratelimit.Janitor
}

// NewThrottleHandler creates the handler. janitor may be nil; when set, a
// cleanup without an explicit retention uses the janitor's horizon.
func NewThrottleHandler(limiter *ratelimit.Limiter, policies ratelimit.PolicySet, janitor *ratelimit.Janitor) *ThrottleHandler {
	if policies == nil {
		policies, _ = ratelimit.NewPolicySet(nil)
	}
	return &ThrottleHandler{limiter: limiter, policies: policies, janitor: janitor}
}

// Check handles POST /v1/throttle/{key}/check.
func (h *ThrottleHandler) Check(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	req, err := decodeCheckRequest(r)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid check request"))
		return
	}

	name, policy, err := h.resolvePolicy(req)
	if err != nil {
		respondWithError(w, r, apperrors.WrapLimiterError(r.Context(), err))
		return
	}

	decision, err := h.limiter.Check(key, policy)
	if err != nil {
		respondWithError(w, r, apperrors.WrapLimiterError(r.Context(), err))
		return
	}
	metrics.RecordDecision(name, decision.Allowed)

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

	if !decision.Allowed {
		w.Header().Set("Retry-After", servermw.RetryAfterSeconds(decision))
		respondWithError(w, r, apperrors.NewRateLimitedError(key, decision))
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{
		Key:          key,
		Policy:       name,
		Allowed:      true,
		Limit:        decision.Limit,
		Remaining:    decision.Remaining,
		RetryAfterMS: decision.RetryAfter.Milliseconds(),
	})
}

// Reset handles DELETE /v1/throttle/{key}.
func (h *ThrottleHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.limiter.Reset(chi.URLParam(r, "key"))
	metrics.RecordReset()
	w.WriteHeader(http.StatusNoContent)
}

// Cleanup handles POST /v1/throttle/cleanup[?retention=30s].
func (h *ThrottleHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("retention"))

	var retention time.Duration
	var evicted int
	switch {
	case raw != "":
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError(
				fmt.Sprintf("retention must be a positive duration, got %q", raw)))
			return
		}
		retention = parsed
		evicted = h.limiter.Cleanup(retention)
		metrics.RecordCleanup(evicted, h.limiter.Len())
	case h.janitor != nil:
		retention = h.janitor.Horizon()
		evicted = h.janitor.RunOnce()
	default:
		retention = h.limiter.Retention()
		evicted = h.limiter.CleanupDefault()
		metrics.RecordCleanup(evicted, h.limiter.Len())
	}

	writeJSON(w, http.StatusOK, CleanupResponse{
		Evicted:     evicted,
		Tracked:     h.limiter.Len(),
		RetentionMS: retention.Milliseconds(),
	})
}

// List handles GET /v1/throttle[?policy=search].
func (h *ThrottleHandler) List(w http.ResponseWriter, r *http.Request) {
	keys := h.limiter.Keys()
	resp := KeysResponse{Keys: keys, Tracked: len(keys)}

	if raw := r.URL.Query().Get("policy"); raw != "" {
		name, policy, err := h.policies.Resolve(raw, 0, 0)
		if err != nil {
			respondWithError(w, r, apperrors.WrapLimiterError(r.Context(), err))
			return
		}
		resp.Policy = name
		resp.Active = make(map[string]int, len(keys))
		for _, key := range keys {
			resp.Active[key] = h.limiter.Count(key, policy)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Policies handles GET /v1/policies.
func (h *ThrottleHandler) Policies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PoliciesResponse{Policies: output.PolicyEntries(h.policies)})
}

func (h *ThrottleHandler) resolvePolicy(req CheckRequest) (string, ratelimit.Policy, error) {
	var window time.Duration
	if req.Window != "" {
		parsed, err := time.ParseDuration(req.Window)
		if err != nil {
			return "", ratelimit.Policy{}, fmt.Errorf("%w: window %q: %v", ratelimit.ErrInvalidPolicy, req.Window, err)
		}
		window = parsed
	}
	return h.policies.Resolve(req.Policy, req.MaxRequests, window)
}

func decodeCheckRequest(r *http.Request) (CheckRequest, error) {
	var req CheckRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxCheckBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errors.New("request body is required")
		}
		return req, err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return req, errors.New("request body must contain a single JSON object")
	}
	return req, nil
}

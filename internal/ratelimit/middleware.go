package ratelimit

import (
	"net/http"
	"strconv"

	"proximity/internal/models"
)

// Response headers describing backend throttling.
const (
	HeaderRateLimited = "X-Proximity-Rate-Limited"
	HeaderSeverity    = "X-Proximity-Severity"
	HeaderRetryAfter  = "Retry-After"
)

// Middleware returns HTTP middleware that tells facade clients whether the
// engine is currently throttled by the backend, so they can render "showing
// cached data" without parsing the body. Requests are never rejected here:
// throttling degrades freshness, not availability.
func Middleware(g *Governor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetHeaders(w.Header(), g.State())
			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the throttling headers for state. Handlers call it again
// after a backend call so the headers reflect what that call learned.
func SetHeaders(h http.Header, state models.RateLimitState) {
	if !state.Active {
		h.Set(HeaderRateLimited, "false")
		h.Del(HeaderSeverity)
		h.Del(HeaderRetryAfter)
		return
	}
	retry := state.RetryAfterSeconds
	if retry < 1 {
		retry = 1
	}
	h.Set(HeaderRateLimited, "true")
	h.Set(HeaderSeverity, string(state.Severity))
	h.Set(HeaderRetryAfter, strconv.Itoa(retry))
}

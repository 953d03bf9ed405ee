package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"proximity/internal/models"
	"proximity/internal/ratelimit"
	"proximity/internal/version"
)

// Service is the engine surface the handlers need.
type Service interface {
	RequestNearby(ctx context.Context, anchor models.Anchor, limit int) (models.Outcome, <-chan models.Outcome)
	FetchNearby(ctx context.Context, anchor models.Anchor, limit int) models.Outcome
	RequestAggregate(ctx context.Context, filter models.FilterFlags, concurrency int) models.AggregateOutcome
	RequestIsochrone(ctx context.Context, anchor models.Anchor, speedKmh float64) models.Outcome
	InvalidateCache(ctx context.Context, prefix string) (int, error)
	RateLimitStatus() models.RateLimitState
	Ping(ctx context.Context) error
}

// Handlers contains HTTP handlers for the proximity API
type Handlers struct {
	engine  Service
	version version.Info
}

// NewHandlers creates a new handlers instance
func NewHandlers(engine Service, ver version.Info) *Handlers {
	return &Handlers{
		engine:  engine,
		version: ver,
	}
}

// outcomeResponse is an Outcome plus the UI state it renders as.
type outcomeResponse struct {
	models.Outcome
	State string `json:"state"`
}

func newOutcomeResponse(o models.Outcome) outcomeResponse {
	return outcomeResponse{Outcome: o, State: o.State()}
}

// GetNearby returns an anchor's nearby items.
// GET /api/v1/nearby/{kind}/{id}
//
// Without wait the cached payload (possibly stale, possibly empty) is
// returned at once and a refresh continues in the background. With
// wait=true the request blocks until the job settles or polling gives up.
func (h *Handlers) GetNearby(w http.ResponseWriter, r *http.Request) {
	anchor, ok := h.parseAnchor(w, r)
	if !ok {
		return
	}
	limit, ok := h.intParam(w, r, "limit")
	if !ok {
		return
	}

	var out models.Outcome
	if parseBool(r.URL.Query().Get("wait")) {
		out = h.engine.FetchNearby(r.Context(), anchor, limit)
	} else {
		// The refresh outlives the request so the next read finds fresher data.
		out, _ = h.engine.RequestNearby(context.WithoutCancel(r.Context()), anchor, limit)
	}

	ratelimit.SetHeaders(w.Header(), out.RateLimit)
	h.writeJSONResponse(w, http.StatusOK, newOutcomeResponse(out))
}

// StreamNearby streams an anchor's outcomes as server-sent events until the
// job settles, the client goes away, or a newer nearby request supersedes it.
// GET /api/v1/nearby/{kind}/{id}/stream
func (h *Handlers) StreamNearby(w http.ResponseWriter, r *http.Request) {
	anchor, ok := h.parseAnchor(w, r)
	if !ok {
		return
	}
	limit, ok := h.intParam(w, r, "limit")
	if !ok {
		return
	}
	rc := http.NewResponseController(w)

	initial, updates := h.engine.RequestNearby(r.Context(), anchor, limit)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ratelimit.SetHeaders(w.Header(), initial.RateLimit)
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, "outcome", newOutcomeResponse(initial)); err != nil {
		slog.Debug("Stream client went away", "anchor", anchor.String(), "error", err)
		return
	}
	for out := range updates {
		if err := writeEvent(w, rc, "outcome", newOutcomeResponse(out)); err != nil {
			slog.Debug("Stream client went away", "anchor", anchor.String(), "error", err)
			return
		}
	}
	_ = writeEvent(w, rc, "done", map[string]string{"anchor": anchor.String()})
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return rc.Flush()
}

// GetAggregate returns the merged items of the aggregate seed dataset.
// GET /api/v1/aggregate
func (h *Handlers) GetAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := h.intParam(w, r, "limit")
	if !ok {
		return
	}
	concurrency, ok := h.intParam(w, r, "concurrency")
	if !ok {
		return
	}
	filter := models.FilterFlags{
		RecommendedOnly: parseBool(q.Get("recommended")),
		FreeOnly:        parseBool(q.Get("free")),
		Limit:           limit,
	}

	out := h.engine.RequestAggregate(r.Context(), filter, concurrency)

	ratelimit.SetHeaders(w.Header(), out.RateLimit)
	h.writeJSONResponse(w, http.StatusOK, out)
}

// GetIsochrone returns an anchor's outcome with its isochrone relabelled for
// the requested walking speed.
// GET /api/v1/isochrone/{kind}/{id}
func (h *Handlers) GetIsochrone(w http.ResponseWriter, r *http.Request) {
	anchor, ok := h.parseAnchor(w, r)
	if !ok {
		return
	}
	var speed float64
	if raw := r.URL.Query().Get("speed_kmh"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(v > 0) || math.IsInf(v, 0) {
			h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, "speed_kmh must be a positive number")
			return
		}
		speed = v
	}

	out := h.engine.RequestIsochrone(r.Context(), anchor, speed)

	ratelimit.SetHeaders(w.Header(), out.RateLimit)
	h.writeJSONResponse(w, http.StatusOK, newOutcomeResponse(out))
}

// GetRateLimit reports the current backend throttling state.
// GET /api/v1/ratelimit
func (h *Handlers) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	state := h.engine.RateLimitStatus()
	ratelimit.SetHeaders(w.Header(), state)
	h.writeJSONResponse(w, http.StatusOK, state)
}

// InvalidateCache drops cached payloads under a key prefix.
// DELETE /api/v1/cache?prefix=nearby/
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	removed, err := h.engine.InvalidateCache(r.Context(), prefix)
	if err != nil {
		slog.Error("Cache invalidation failed", "prefix", prefix, "error", err)
		h.writeErrorResponse(w, r, http.StatusInternalServerError, models.ErrorCodeInternalError, "cache invalidation failed")
		return
	}
	slog.Info("Cache invalidated", "prefix", prefix, "removed", removed)
	h.writeJSONResponse(w, http.StatusOK, models.InvalidateResponse{Prefix: prefix, Removed: removed})
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version.Version

	response.AddComponent("api", models.StatusHealthy, "API is operational")
	if err := h.engine.Ping(r.Context()); err != nil {
		response.AddComponent("cache", models.StatusDegraded, "Persistent cache unavailable: "+err.Error())
	} else {
		response.AddComponent("cache", models.StatusHealthy, "Cache is operational")
	}
	if state := h.engine.RateLimitStatus(); state.Active {
		response.AddComponent("backend", models.StatusDegraded,
			fmt.Sprintf("Backend throttled (%s), retry in %ds", state.Severity, state.RetryAfterSeconds))
	} else {
		response.AddComponent("backend", models.StatusHealthy, "Backend accepting submissions")
	}

	status := http.StatusOK
	if response.Status == models.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, response)
}

func (h *Handlers) parseAnchor(w http.ResponseWriter, r *http.Request) (models.Anchor, bool) {
	vars := mux.Vars(r)
	kind, err := models.ParseAnchorKind(vars["kind"])
	if err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, err.Error())
		return models.Anchor{}, false
	}
	anchor := models.NewAnchor(vars["id"], kind)
	if err := anchor.Validate(); err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, err.Error())
		return models.Anchor{}, false
	}
	return anchor, true
}

// intParam reads an optional non-negative integer query parameter.
func (h *Handlers) intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest,
			fmt.Sprintf("%s must be a non-negative integer", name))
		return 0, false
	}
	return v, true
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing left to tell the client.
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response tagged with the request id.
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode)
	errorResp.RequestID = RequestIDFromContext(r.Context())
	h.writeJSONResponse(w, statusCode, errorResp)
}

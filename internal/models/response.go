// Package models - facade response types.
package models

import "time"

// ErrorResponse is the JSON body of every non-2xx facade response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// AggregateReport summarizes one batch run.
type AggregateReport struct {
	Anchors     int `json:"anchors"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Stale       int `json:"stale"`
	RateLimited int `json:"rate_limited"`
	Cancelled   int `json:"cancelled"`
}

// AggregateOutcome is the merged result of RequestAggregate.
type AggregateOutcome struct {
	Filter    FilterFlags     `json:"filter"`
	Items     []ProximityItem `json:"items"`
	Report    AggregateReport `json:"report"`
	Stale     bool            `json:"stale"`
	Source    Source          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	RateLimit RateLimitState  `json:"rate_limit"`
}

type InvalidateResponse struct {
	Prefix  string `json:"prefix"`
	Removed int    `json:"removed"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

const (
	ErrorCodeNotFound           = "NOT_FOUND"
	ErrorCodeBadRequest         = "BAD_REQUEST"
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"
	ErrorCodeInternalError      = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
}

// AddComponent records a component's health and degrades the overall status
// when the component is not healthy.
func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
	if status != StatusHealthy && h.Status == StatusHealthy {
		h.Status = StatusDegraded
	}
}

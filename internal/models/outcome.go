package models

import (
	"strings"
	"time"
)

// ErrorKind classifies why an outcome is degraded. The empty kind means the
// outcome is healthy, even when it carries no items.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	ErrorKindRateLimited  ErrorKind = "rate_limited"
	ErrorKindNetwork      ErrorKind = "network"
	ErrorKindMalformed    ErrorKind = "malformed"
	ErrorKindCancelled    ErrorKind = "cancelled"
)

// Severity is a presentation hint attached to throttling.
type Severity string

const (
	SeverityNone      Severity = ""
	SeveritySlowDown  Severity = "slow_down"
	SeverityWarmingUp Severity = "warming_up"
)

// ParseSeverity reads the backend's free-form hint. Anything mentioning
// loading or warm-up maps to SeverityWarmingUp; everything else slows down.
func ParseSeverity(hint string) Severity {
	h := strings.ToLower(hint)
	for _, marker := range []string{"warm", "load", "processing", "pending", "computing"} {
		if strings.Contains(h, marker) {
			return SeverityWarmingUp
		}
	}
	return SeveritySlowDown
}

// Source tells where an outcome's payload came from.
type Source string

const (
	SourceNone       Source = "none"
	SourceMemory     Source = "memory"
	SourcePersistent Source = "persistent"
	SourceBackend    Source = "backend"
)

// RateLimitState is a snapshot of the backend throttling state.
type RateLimitState struct {
	Active            bool      `json:"active"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	Until             time.Time `json:"until,omitempty"`
	Severity          Severity  `json:"severity,omitempty"`
}

// UI states an outcome renders as.
const (
	StateLoading     = "loading"
	StateReady       = "ready"
	StateEmpty       = "empty"
	StateRateLimited = "rate_limited"
	StateError       = "error"
)

// Outcome is the normalized result handed to the rendering layer. It never
// carries a raw error; ErrorKind says what went wrong, if anything.
type Outcome struct {
	Anchor    Anchor          `json:"anchor"`
	Status    JobStatus       `json:"status"`
	Items     []ProximityItem `json:"items"`
	Isochrone *Isochrone      `json:"isochrone,omitempty"`
	Partial   bool            `json:"partial"`
	Progress  *Progress       `json:"progress,omitempty"`
	Stale     bool            `json:"stale"`
	Source    Source          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	RateLimit RateLimitState  `json:"rate_limit"`
}

// OutcomeFromJob wraps a job payload.
func OutcomeFromJob(job *Job, source Source, fetchedAt time.Time, stale bool) Outcome {
	o := Outcome{Source: source, FetchedAt: fetchedAt, Stale: stale}
	if job == nil {
		o.Items = []ProximityItem{}
		return o
	}
	o.Anchor = job.Anchor
	o.Status = job.Status
	o.Items = job.Items
	if o.Items == nil {
		o.Items = []ProximityItem{}
	}
	o.Isochrone = job.Isochrone
	o.Partial = job.Partial
	o.Progress = job.Progress
	return o
}

// EmptyOutcome is the "nothing cached, nothing fetched" outcome for anchor.
func EmptyOutcome(anchor Anchor) Outcome {
	return Outcome{Anchor: anchor, Items: []ProximityItem{}, Source: SourceNone}
}

// Running reports whether more data is still being computed.
func (o Outcome) Running() bool {
	return o.Status == JobPending || o.Status == JobProcessing || o.Partial
}

// State maps the outcome onto the UI state it should render as. A cold
// rate-limited miss is distinct from an empty result.
func (o Outcome) State() string {
	switch {
	case len(o.Items) > 0:
		return StateReady
	case o.ErrorKind == ErrorKindRateLimited:
		return StateRateLimited
	case o.Running():
		return StateLoading
	case o.ErrorKind == ErrorKindMalformed, o.ErrorKind == ErrorKindNetwork:
		return StateError
	default:
		return StateEmpty
	}
}

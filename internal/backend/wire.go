package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"proximity/internal/models"
)

// jobResponse is the shape shared by the status and submission endpoints.
type jobResponse struct {
	Status    string            `json:"status"`
	Items     []json.RawMessage `json:"items"`
	Isochrone *isochroneWire    `json:"isochrone"`
	Partial   bool              `json:"partial"`
	Progress  *models.Progress  `json:"progress"`
	Token     string            `json:"token"`
}

type wireItem struct {
	ID              json.RawMessage  `json:"id"`
	Kind            string           `json:"kind"`
	Type            string           `json:"type"`
	Title           string           `json:"title"`
	Name            string           `json:"name"`
	DistanceMeters  *float64         `json:"distanceMeters"`
	Distance        *float64         `json:"distance"`
	DurationSeconds *float64         `json:"durationSeconds"`
	Duration        *float64         `json:"duration"`
	Icon            string           `json:"icon"`
	Provider        string           `json:"provider"`
	Category        string           `json:"category"`
	NearAnchors     models.AnchorSet `json:"nearAnchors"`
}

type isochroneWire struct {
	RangesSeconds     []int         `json:"rangesSeconds"`
	ReferenceSpeedKmh float64       `json:"referenceSpeedKmh"`
	Features          []featureWire `json:"features"`
	Polygons          []featureWire `json:"polygons"`
}

type featureWire struct {
	RangeSeconds int             `json:"rangeSeconds"`
	Range        int             `json:"range"`
	Geometry     json.RawMessage `json:"geometry"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type throttleResponse struct {
	RetryAfterSeconds json.Number `json:"retryAfterSeconds"`
	Severity          string      `json:"severity"`
	Message           string      `json:"message"`
}

// decodeItems converts wire items, skipping entries that cannot be decoded
// or carry no id. defaultKind is used when an item names no kind.
func decodeItems(raw []json.RawMessage, defaultKind models.Kind, logger *slog.Logger) []models.ProximityItem {
	items := make([]models.ProximityItem, 0, len(raw))
	for i, r := range raw {
		var w wireItem
		if err := json.Unmarshal(r, &w); err != nil {
			logger.Warn("Skipping malformed item", "index", i, "error", err)
			continue
		}
		id, err := models.ScalarString(w.ID)
		if err != nil || id == "" {
			logger.Warn("Skipping item without usable id", "index", i)
			continue
		}
		kind := firstNonEmpty(w.Kind, w.Type)
		item := models.ProximityItem{
			ID:              id,
			Kind:            models.NormalizeKind(kind),
			Title:           firstNonEmpty(w.Title, w.Name),
			DistanceMeters:  firstNonNil(w.DistanceMeters, w.Distance),
			DurationSeconds: firstNonNil(w.DurationSeconds, w.Duration),
			Icon:            w.Icon,
			Provider:        w.Provider,
			Category:        w.Category,
			NearAnchors:     w.NearAnchors,
		}
		if kind == "" {
			item.Kind = defaultKind
		}
		if item.NearAnchors == nil {
			item.NearAnchors = make(models.AnchorSet)
		}
		items = append(items, item)
	}
	return items
}

func (w *isochroneWire) toModel(defaultSpeed float64) *models.Isochrone {
	if w == nil {
		return nil
	}
	features := w.Features
	if len(features) == 0 {
		features = w.Polygons
	}
	iso := &models.Isochrone{
		ReferenceSpeedKmh: w.ReferenceSpeedKmh,
	}
	if iso.ReferenceSpeedKmh <= 0 {
		iso.ReferenceSpeedKmh = defaultSpeed
	}
	iso.SpeedKmh = iso.ReferenceSpeedKmh

	for _, f := range features {
		r := f.RangeSeconds
		if r == 0 {
			r = f.Range
		}
		iso.Rings = append(iso.Rings, models.IsochroneRing{
			RangeSeconds:          r,
			ReferenceRangeSeconds: r,
			Geometry:              f.Geometry,
		})
	}
	iso.RangesSeconds = append([]int(nil), w.RangesSeconds...)
	if len(iso.RangesSeconds) == 0 {
		for _, ring := range iso.Rings {
			iso.RangesSeconds = append(iso.RangesSeconds, ring.RangeSeconds)
		}
	}
	iso.ReferenceRangesSeconds = append([]int(nil), iso.RangesSeconds...)
	return iso
}

// decodeJob turns a status or submission body into a Job for anchor.
func decodeJob(body []byte, anchor models.Anchor, defaultSpeed float64, logger *slog.Logger) (*models.Job, error) {
	var resp jobResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	status := models.ParseJobStatus(resp.Status)
	if status == models.JobUnknown && strings.TrimSpace(resp.Status) != "" {
		return nil, fmt.Errorf("unknown job status %q", resp.Status)
	}
	if status == models.JobUnknown && len(resp.Items) > 0 {
		status = models.JobCompleted
	}
	defaultKind := models.KindPOI
	if anchor.Kind == models.KindPOI {
		defaultKind = models.KindCharger
	}
	job := &models.Job{
		Anchor:    anchor,
		Token:     resp.Token,
		Status:    status,
		Items:     decodeItems(resp.Items, defaultKind, logger),
		Isochrone: resp.Isochrone.toModel(defaultSpeed),
		Partial:   resp.Partial,
		Progress:  resp.Progress,
	}
	job.TagAnchor()
	return job, nil
}

// decodeAggregate accepts a bare array or an object wrapping the items.
func decodeAggregate(body []byte, logger *slog.Logger) ([]models.ProximityItem, error) {
	trimmed := bytes.TrimSpace(body)
	var raw []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			Items    []json.RawMessage `json:"items"`
			Stations []json.RawMessage `json:"stations"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		raw = wrapped.Items
		if len(raw) == 0 {
			raw = wrapped.Stations
		}
	}
	return decodeItems(raw, models.KindCharger, logger), nil
}

// parseThrottle reads backoff guidance from a 429 body, falling back to the
// Retry-After header. Zero means no guidance.
func parseThrottle(body []byte, retryAfterHeader string) (seconds float64, severity models.Severity) {
	var t throttleResponse
	hint := ""
	if err := json.Unmarshal(body, &t); err == nil {
		if v, err := t.RetryAfterSeconds.Float64(); err == nil && v > 0 {
			seconds = v
		}
		hint = firstNonEmpty(t.Severity, t.Message)
	}
	if seconds == 0 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(retryAfterHeader), 64); err == nil && v > 0 {
			seconds = v
		}
	}
	return seconds, models.ParseSeverity(hint)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonNil(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

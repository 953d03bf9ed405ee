// Package backend talks to the proximity backend: per-anchor status queries,
// token issuance, job submission and the aggregate seed dataset. Every
// failure is returned as an *Error whose kind (ErrUnauthorized,
// ErrRateLimited, ErrMalformed, ErrNetwork) drives the job client's
// fallbacks.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"proximity/internal/models"
	"proximity/internal/version"
)

const maxBodyBytes = 16 << 20

// Client is the backend contract consumed by the job client and the engine.
type Client interface {
	// Status returns the current job state for anchor.
	Status(ctx context.Context, anchor models.Anchor, limit int) (*models.Job, error)
	// Token issues a one-time token scoping a submission for anchor.
	Token(ctx context.Context, anchor models.Anchor) (string, error)
	// Submit asks the backend to compute proximity data for anchor.
	Submit(ctx context.Context, anchor models.Anchor, token string, limit int) (*models.Job, error)
	// Aggregate returns the anchor-kind seed items matching filter.
	Aggregate(ctx context.Context, filter models.FilterFlags) ([]models.ProximityItem, error)
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL         string
	Routes          models.RoutesConfig
	Timeout         time.Duration
	AuthToken       string
	AggregateLimit  int
	WalkingSpeedKmh float64
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// OptionsFrom maps the engine configuration onto client Options.
func OptionsFrom(cfg models.BackendConfig, walkingSpeedKmh float64, logger *slog.Logger) Options {
	return Options{
		BaseURL:         cfg.BaseURL,
		Routes:          cfg.Routes,
		Timeout:         cfg.Timeout,
		AuthToken:       cfg.AuthToken,
		AggregateLimit:  cfg.AggregateLimit,
		WalkingSpeedKmh: walkingSpeedKmh,
		Logger:          logger,
	}
}

// HTTPClient implements Client over JSON/HTTP.
type HTTPClient struct {
	baseURL   string
	routes    models.RoutesConfig
	authToken string
	aggLimit  int
	speed     float64
	userAgent string
	client    *http.Client
	logger    *slog.Logger
	tracer    trace.Tracer
	duration  metric.Float64Histogram
}

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", opts.BaseURL)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	speed := opts.WalkingSpeedKmh
	if speed <= 0 {
		speed = 5.0
	}

	duration, err := otel.Meter("proximity/backend").Float64Histogram(
		"proximity.backend.request.duration",
		metric.WithDescription("Duration of proximity backend calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend duration histogram: %w", err)
	}

	return &HTTPClient{
		baseURL:   base,
		routes:    opts.Routes,
		authToken: opts.AuthToken,
		aggLimit:  opts.AggregateLimit,
		speed:     speed,
		userAgent: version.GetInfo().UserAgent(),
		client:    client,
		logger:    logger,
		tracer:    otel.Tracer("proximity/backend"),
		duration:  duration,
	}, nil
}

func (c *HTTPClient) Status(ctx context.Context, anchor models.Anchor, limit int) (*models.Job, error) {
	const op = "status"
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	status, body, header, err := c.do(ctx, op, http.MethodGet, c.route(c.routes.Status, anchor), query, nil, anchor)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		// No job has been started for this anchor yet.
		return &models.Job{Anchor: anchor, Items: []models.ProximityItem{}}, nil
	}
	if err := c.checkStatus(op, status, body, header); err != nil {
		return nil, err
	}
	job, err := decodeJob(body, anchor, c.speed, c.logger)
	if err != nil {
		return nil, newMalformedError(op, err)
	}
	return job, nil
}

func (c *HTTPClient) Token(ctx context.Context, anchor models.Anchor) (string, error) {
	const op = "token"
	status, body, header, err := c.do(ctx, op, http.MethodPost, c.route(c.routes.Token, anchor), nil, nil, anchor)
	if err != nil {
		return "", err
	}
	if err := c.checkStatus(op, status, body, header); err != nil {
		return "", err
	}
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", newMalformedError(op, err)
	}
	if strings.TrimSpace(resp.Token) == "" {
		return "", newMalformedError(op, errors.New("empty token"))
	}
	return resp.Token, nil
}

func (c *HTTPClient) Submit(ctx context.Context, anchor models.Anchor, token string, limit int) (*models.Job, error) {
	const op = "submit"
	payload, err := json.Marshal(struct {
		Token string `json:"token"`
		Kind  string `json:"kind"`
		Limit int    `json:"limit,omitempty"`
	}{Token: token, Kind: string(anchor.Kind), Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	status, body, header, err := c.do(ctx, op, http.MethodPost, c.route(c.routes.Submit, anchor), nil, payload, anchor)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(op, status, body, header); err != nil {
		return nil, err
	}
	job, err := decodeJob(body, anchor, c.speed, c.logger)
	if err != nil {
		return nil, newMalformedError(op, err)
	}
	job.Token = token
	return job, nil
}

func (c *HTTPClient) Aggregate(ctx context.Context, filter models.FilterFlags) ([]models.ProximityItem, error) {
	const op = "aggregate"
	query := url.Values{}
	if filter.RecommendedOnly {
		query.Set("recommended", "1")
	}
	if filter.FreeOnly {
		query.Set("free", "1")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = c.aggLimit
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	status, body, header, err := c.do(ctx, op, http.MethodGet, c.routes.Aggregate, query, nil, models.Anchor{})
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(op, status, body, header); err != nil {
		return nil, err
	}
	items, err := decodeAggregate(body, c.logger)
	if err != nil {
		return nil, newMalformedError(op, err)
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (c *HTTPClient) route(template string, anchor models.Anchor) string {
	r := strings.ReplaceAll(template, "{kind}", url.PathEscape(string(anchor.Kind)))
	return strings.ReplaceAll(r, "{id}", url.PathEscape(anchor.ID))
}

// checkStatus classifies a non-2xx response.
func (c *HTTPClient) checkStatus(op string, status int, body []byte, header http.Header) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newUnauthorizedError(op, status)
	case status == http.StatusTooManyRequests:
		seconds, severity := parseThrottle(body, header.Get("Retry-After"))
		retryAfter := time.Duration(math.Ceil(seconds*1000)) * time.Millisecond
		return newRateLimitedError(op, retryAfter, severity)
	default:
		return newNetworkError(op, status, fmt.Errorf("unexpected status %d", status))
	}
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, body []byte, anchor models.Anchor) (int, []byte, http.Header, error) {
	ctx, span := c.tracer.Start(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	if anchor.ID != "" {
		span.SetAttributes(
			attribute.String("anchor.kind", string(anchor.Kind)),
			attribute.String("anchor.id", anchor.ID),
		)
	}
	start := time.Now()
	status, respBody, header, err := c.roundTrip(ctx, op, method, path, query, body)
	c.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("status", status),
	))
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return status, respBody, header, err
}

func (c *HTTPClient) roundTrip(ctx context.Context, op, method, path string, query url.Values, body []byte) (int, []byte, http.Header, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, ctx.Err()
		}
		return 0, nil, nil, newNetworkError(op, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return resp.StatusCode, nil, resp.Header, ctx.Err()
		}
		return resp.StatusCode, nil, resp.Header, newNetworkError(op, resp.StatusCode, err)
	}
	return resp.StatusCode, data, resp.Header, nil
}

package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/pkg/circuitbreaker"
)

// HTTPClientConfig holds configuration for the record system client
type HTTPClientConfig struct {
	// BaseURL is the record system API base, e.g. https://emr.example.com/api
	BaseURL string
	// APIKey authenticates this service to the record system
	APIKey string
	// Timeout is the per-request timeout
	Timeout time.Duration
}

// DefaultHTTPClientConfig returns sensible defaults
func DefaultHTTPClientConfig(baseURL string) HTTPClientConfig {
	return HTTPClientConfig{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// HTTPClient implements Client against the record system's HTTP API.
// All calls go through a circuit breaker; retry and backoff live at
// this boundary, never inside the intake core.
type HTTPClient struct {
	config  HTTPClientConfig
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewHTTPClient creates a record system client
func NewHTTPClient(cfg HTTPClientConfig, logger *zap.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("record-lookup"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &HTTPClient{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("record-lookup"),
	}, nil
}

// Lookup searches the record system by name and date of birth. It
// returns (nil, nil) when no record matches.
func (c *HTTPClient) Lookup(ctx context.Context, req LookupRequest) (*referral.ExternalRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "record_lookup",
		trace.WithAttributes(attribute.String("lookup.dob", req.DateOfBirth)))
	defer span.End()

	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.search(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	rec, _ := result.(*referral.ExternalRecord)
	if rec != nil {
		span.SetAttributes(attribute.Bool("lookup.matched", true))
	}
	return rec, nil
}

func (c *HTTPClient) search(ctx context.Context, req LookupRequest) (*referral.ExternalRecord, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode lookup request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/v1/records/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("record system unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec referral.ExternalRecord
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		return &rec, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("record system returned status %d", resp.StatusCode)
	}
}

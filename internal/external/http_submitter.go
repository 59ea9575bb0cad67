package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/internal/fieldrules"
	"github.com/carebridge/intake-engine/pkg/circuitbreaker"
)

// HTTPSubmitter writes records and cases to the record system's HTTP
// API. Create and update calls share one circuit breaker since they
// hit the same upstream.
type HTTPSubmitter struct {
	config  HTTPClientConfig
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewHTTPSubmitter creates a record system submitter
func NewHTTPSubmitter(cfg HTTPClientConfig, logger *zap.Logger) (*HTTPSubmitter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("record-submit"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &HTTPSubmitter{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("record-submit"),
	}, nil
}

type createRecordRequest struct {
	ReferralID string            `json:"referral_id"`
	OrgID      string            `json:"org_id"`
	Fields     map[string]string `json:"fields"`
}

type createRecordResponse struct {
	MRN string `json:"mrn"`
}

// CreateRecord creates a new person record and returns its MRN.
func (s *HTTPSubmitter) CreateRecord(ctx context.Context, r *referral.Referral, fields map[string]string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "create_record",
		trace.WithAttributes(attribute.String("referral_id", r.ID)))
	defer span.End()

	var out createRecordResponse
	err := s.post(ctx, "/v1/records", createRecordRequest{
		ReferralID: r.ID,
		OrgID:      r.OrgID,
		Fields:     fields,
	}, &out)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	s.logger.Info("record created",
		zap.String("referral_id", r.ID),
		zap.String("mrn", out.MRN))
	return out.MRN, nil
}

type createCaseRequest struct {
	ReferralID string            `json:"referral_id"`
	OrgID      string            `json:"org_id"`
	Diagnosis  string            `json:"diagnosis,omitempty"`
	Values     fieldrules.Values `json:"values,omitempty"`
}

type createCaseResponse struct {
	EpisodeID string `json:"episode_id"`
}

// CreateCase opens a case/episode under an existing record.
func (s *HTTPSubmitter) CreateCase(ctx context.Context, mrn string, r *referral.Referral, values fieldrules.Values) (string, error) {
	ctx, span := s.tracer.Start(ctx, "create_case",
		trace.WithAttributes(
			attribute.String("referral_id", r.ID),
			attribute.String("mrn", mrn),
		))
	defer span.End()

	var out createCaseResponse
	err := s.post(ctx, "/v1/records/"+mrn+"/cases", createCaseRequest{
		ReferralID: r.ID,
		OrgID:      r.OrgID,
		Diagnosis:  r.Prescription.Diagnosis.Value,
		Values:     values,
	}, &out)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	s.logger.Info("case created",
		zap.String("referral_id", r.ID),
		zap.String("mrn", mrn),
		zap.String("episode_id", out.EpisodeID))
	return out.EpisodeID, nil
}

// UpdateRecord applies merged field values to an existing record.
func (s *HTTPSubmitter) UpdateRecord(ctx context.Context, mrn string, fields map[string]string) error {
	ctx, span := s.tracer.Start(ctx, "update_record",
		trace.WithAttributes(
			attribute.String("mrn", mrn),
			attribute.Int("field_count", len(fields)),
		))
	defer span.End()

	err := s.post(ctx, "/v1/records/"+mrn+"/fields", map[string]interface{}{
		"fields": fields,
	}, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *HTTPSubmitter) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	_, err = s.breaker.Execute(ctx, func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.config.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if s.config.APIKey != "" {
			httpReq.Header.Set("X-API-Key", s.config.APIKey)
		}

		resp, err := s.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("record system unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("record system returned status %d", resp.StatusCode)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

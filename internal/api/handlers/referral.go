// Package handlers provides HTTP handlers for the intake API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carebridge/intake-engine/internal/api/middleware"
	"github.com/carebridge/intake-engine/internal/caseconfig"
	"github.com/carebridge/intake-engine/internal/domain/provenance"
	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/internal/external"
	"github.com/carebridge/intake-engine/internal/intake"
	"github.com/carebridge/intake-engine/internal/reconcile"
)

// ReferralHandler handles referral intake endpoints
type ReferralHandler struct {
	service  *intake.Service
	store    *intake.Store
	registry *caseconfig.Registry
	logger   *zap.Logger
}

// NewReferralHandler creates a new handler
func NewReferralHandler(service *intake.Service, store *intake.Store, registry *caseconfig.Registry, logger *zap.Logger) *ReferralHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferralHandler{
		service:  service,
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *ReferralHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/values", h.UpdateValues)
	r.Post("/{id}/verify", h.VerifyField)
	r.Post("/{id}/decision", h.Decide)
	r.Post("/{id}/submit", h.Submit)
	return r
}

// CreateRequest is the request body for submitting a referral.
// Patient and prescription attributes arrive provenance-wrapped so
// extraction confidence survives the wire.
type CreateRequest struct {
	OrgID        string                   `json:"org_id"`
	Channel      referral.Channel         `json:"channel"`
	Patient      referral.PatientIdentity `json:"patient"`
	Prescription referral.Prescription    `json:"prescription"`
}

// CreateResponse is the response for a prepared referral
type CreateResponse struct {
	ID          string                   `json:"id"`
	Flow        referral.Flow            `json:"flow"`
	Match       *referral.ExternalRecord `json:"match,omitempty"`
	Form        []fieldGroup             `json:"form"`
	Differences []reconcile.Difference   `json:"differences,omitempty"`
	Selected    map[string]bool          `json:"selected,omitempty"`
}

type fieldGroup struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// Create handles POST /referrals
func (h *ReferralHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("referral-handler")
	ctx, span := tracer.Start(ctx, "create_referral")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.OrgID == "" {
		h.jsonError(w, "org_id is required", http.StatusBadRequest)
		return
	}
	if !req.Channel.Valid() {
		h.jsonError(w, "unknown channel", http.StatusBadRequest)
		return
	}

	ref := referral.New(req.OrgID, req.Channel, req.Patient, req.Prescription)
	span.SetAttributes(attribute.String("referral_id", ref.ID))

	it, err := h.service.Prepare(ctx, ref)
	if err != nil {
		var verr *external.ValidationError
		if errors.As(err, &verr) {
			h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, external.ErrStaleLookup) {
			h.jsonError(w, "lookup superseded, retry", http.StatusConflict)
			return
		}
		h.logger.Error("prepare failed", zap.Error(err))
		h.jsonError(w, "failed to process referral", http.StatusInternalServerError)
		return
	}

	h.store.Put(it)

	h.logger.Info("referral prepared",
		zap.String("id", ref.ID),
		zap.String("flow", string(it.Flow)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(h.response(it))
}

// Get handles GET /referrals/{id}
func (h *ReferralHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	it, err := h.store.Get(id)
	if err != nil {
		h.jsonError(w, "referral not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.response(it))
}

// UpdateValuesRequest carries edited custom-field values
type UpdateValuesRequest struct {
	Values map[string]interface{} `json:"values"`
}

// UpdateValues handles PUT /referrals/{id}/values. Visibility rules
// are re-evaluated so conditional fields appear or disappear with the
// edit.
func (h *ReferralHandler) UpdateValues(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	it, err := h.store.Get(id)
	if err != nil {
		h.jsonError(w, "referral not found", http.StatusNotFound)
		return
	}

	var req UpdateValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	for k, v := range req.Values {
		it.Values[k] = v
	}
	h.service.RefreshForm(it)
	h.store.Put(it)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.response(it))
}

// VerifyFieldRequest confirms or corrects a patient attribute. String
// attributes are corrected through value; the address attribute is
// structured and corrected through address instead.
type VerifyFieldRequest struct {
	Field   string             `json:"field"`
	Value   string             `json:"value,omitempty"`
	Address *reconcile.Address `json:"address,omitempty"`
	UserID  string             `json:"user_id"`
}

// VerifyField handles POST /referrals/{id}/verify. With a value it is
// a correction; without one it confirms the current value as-is.
func (h *ReferralHandler) VerifyField(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	it, err := h.store.Get(id)
	if err != nil {
		h.jsonError(w, "referral not found", http.StatusNotFound)
		return
	}

	var req VerifyFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		h.jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	p := &it.Referral.Patient
	if req.Field == "address" {
		if req.Address != nil {
			p.Address = provenance.Update(p.Address, *req.Address, req.UserID)
		} else {
			p.Address = provenance.Verify(p.Address, req.UserID)
		}
	} else {
		var target *provenance.Field[string]
		switch req.Field {
		case "first_name":
			target = &p.FirstName
		case "last_name":
			target = &p.LastName
		case "date_of_birth":
			target = &p.DateOfBirth
		case "phone":
			target = &p.Phone
		case "email":
			target = &p.Email
		default:
			h.jsonError(w, "unknown field", http.StatusBadRequest)
			return
		}

		if req.Value != "" {
			*target = provenance.Update(*target, req.Value, req.UserID)
		} else {
			*target = provenance.Verify(*target, req.UserID)
		}
	}
	h.store.Put(it)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"field":       req.Field,
		"verified_by": req.UserID,
	})
}

// DecideRequest resolves an ask-user referral
type DecideRequest struct {
	Flow referral.Flow `json:"flow"`
}

// Decide handles POST /referrals/{id}/decision
func (h *ReferralHandler) Decide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	it, err := h.store.Get(id)
	if err != nil {
		h.jsonError(w, "referral not found", http.StatusNotFound)
		return
	}

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.ResolveAskUser(ctx, it, req.Flow); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.store.Put(it)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.response(it))
}

// SubmitRequest finalizes intake
type SubmitRequest struct {
	Selected map[string]bool `json:"selected"`
	UserID   string          `json:"user_id"`
}

// Submit handles POST /referrals/{id}/submit
func (h *ReferralHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	it, err := h.store.Get(id)
	if err != nil {
		h.jsonError(w, "referral not found", http.StatusNotFound)
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.Submit(ctx, it, req.Selected, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, intake.ErrDecisionRequired):
			h.jsonError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, reconcile.ErrMergeNotConfirmed):
			h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("submit failed",
				zap.String("referral_id", id),
				zap.Error(err))
			h.jsonError(w, "submit failed", http.StatusBadGateway)
		}
		return
	}

	h.store.Delete(id)

	h.logger.Info("referral submitted",
		zap.String("referral_id", id),
		zap.String("patient_mrn", result.PatientMRN),
		zap.Bool("new_patient", result.IsNewPatient),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *ReferralHandler) response(it *intake.Intake) CreateResponse {
	resp := CreateResponse{
		ID:          it.Referral.ID,
		Flow:        it.Flow,
		Match:       it.Match,
		Differences: it.Differences,
		Selected:    it.Selected,
	}
	for _, g := range it.Form {
		fg := fieldGroup{Name: g.Name}
		for _, def := range g.Fields {
			fg.Fields = append(fg.Fields, def.FieldName)
		}
		resp.Form = append(resp.Form, fg)
	}
	return resp
}

func (h *ReferralHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

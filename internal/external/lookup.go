// Package external owns the caller side of the external record
// system boundary: the lookup contract, its transport, and the
// stale-response suppression around concurrent lookups.
package external

import (
	"context"
	"fmt"
	"strings"

	"github.com/carebridge/intake-engine/internal/domain/referral"
)

// LookupRequest carries the identity match keys for an external
// record search. All three are required.
type LookupRequest struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
}

// ValidationError reports which required lookup keys are missing. A
// lookup is never attempted with incomplete keys.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lookup requires %s", strings.Join(e.Missing, ", "))
}

// Validate checks the required identity keys. It returns a
// *ValidationError listing every missing key, or nil.
func (r LookupRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.FirstName) == "" {
		missing = append(missing, "first_name")
	}
	if strings.TrimSpace(r.LastName) == "" {
		missing = append(missing, "last_name")
	}
	if strings.TrimSpace(r.DateOfBirth) == "" {
		missing = append(missing, "date_of_birth")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// RequestFor builds the lookup request from a referral's identity
// fields.
func RequestFor(r *referral.Referral) LookupRequest {
	return LookupRequest{
		FirstName:   r.Patient.FirstName.Value,
		LastName:    r.Patient.LastName.Value,
		DateOfBirth: r.Patient.DateOfBirth.Value,
	}
}

// Client searches the external record system. A nil record with a nil
// error means no match was found.
type Client interface {
	Lookup(ctx context.Context, req LookupRequest) (*referral.ExternalRecord, error)
}

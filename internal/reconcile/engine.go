// Package reconcile diffs two patient-identity views and proposes
// which differing contact fields should be offered for merge.
//
// Name and date of birth are match keys, not reconciliation targets;
// the comparable attribute set is fixed to phone, email and address.
package reconcile

import (
	"errors"
	"strings"

	"github.com/carebridge/intake-engine/internal/domain/provenance"
)

// Comparable attribute names, in the fixed emission order.
const (
	AttrPhone   = "phone"
	AttrEmail   = "email"
	AttrAddress = "address"
)

// ErrMergeNotConfirmed signals that a submit was attempted while
// unverified-extracted differences remain unresolved. The workflow
// must not silently proceed with untouched external data.
var ErrMergeNotConfirmed = errors.New("merge not confirmed: unresolved differences remain")

// Address is the composite address attribute. Absent sub-parts are
// simply omitted from the normalized form.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Normalize joins the present sub-parts with ", ". An all-empty
// address normalizes to the empty string.
func (a Address) Normalize() string {
	parts := make([]string, 0, 5)
	for _, p := range []string{a.Line1, a.Line2, a.City, a.State, a.PostalCode} {
		if t := strings.TrimSpace(p); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, ", ")
}

// PatientView is the slice of a patient record the engine compares.
// Every attribute is provenance-wrapped; a missing attribute is a
// zero field, which normalizes to empty and never produces an error.
type PatientView struct {
	Phone   provenance.Field[string]  `json:"phone"`
	Email   provenance.Field[string]  `json:"email"`
	Address provenance.Field[Address] `json:"address"`
}

// Difference is one attribute where the two views disagree.
type Difference struct {
	Field  string `json:"field"`
	Label  string `json:"label"`
	ValueA string `json:"value_a"`
	ValueB string `json:"value_b"`
	// IsUnverifiedExtracted reflects the provenance of side B's
	// value: extracted and not yet confirmed by a human.
	IsUnverifiedExtracted bool `json:"is_unverified_extracted"`
}

// Diff compares the authoritative view a against the newly received
// view b and returns the differences in the fixed attribute order
// phone, email, address. An attribute is reported only when the
// normalized values differ and at least one side is non-empty.
// The full output must be recomputed whenever either input changes;
// there is no incremental mode.
func Diff(a, b PatientView) []Difference {
	var diffs []Difference

	if d, ok := compare(AttrPhone, "Phone",
		normalize(a.Phone.Value), normalize(b.Phone.Value),
		provenance.IsUnverifiedExtracted(b.Phone)); ok {
		diffs = append(diffs, d)
	}
	if d, ok := compare(AttrEmail, "Email",
		normalize(a.Email.Value), normalize(b.Email.Value),
		provenance.IsUnverifiedExtracted(b.Email)); ok {
		diffs = append(diffs, d)
	}
	if d, ok := compare(AttrAddress, "Address",
		a.Address.Value.Normalize(), b.Address.Value.Normalize(),
		provenance.IsUnverifiedExtracted(b.Address)); ok {
		diffs = append(diffs, d)
	}
	return diffs
}

func compare(field, label, va, vb string, unverified bool) (Difference, bool) {
	if va == vb || (va == "" && vb == "") {
		return Difference{}, false
	}
	return Difference{
		Field:                 field,
		Label:                 label,
		ValueA:                va,
		ValueB:                vb,
		IsUnverifiedExtracted: unverified,
	}, true
}

func normalize(s string) string {
	return strings.TrimSpace(s)
}

// DefaultSelection returns the fields pre-selected for merge: exactly
// the differences whose incoming value is unverified-extracted. Data
// a human already typed or the system already verified is never
// pre-selected for overwrite.
func DefaultSelection(diffs []Difference) map[string]bool {
	selected := make(map[string]bool)
	for _, d := range diffs {
		if d.IsUnverifiedExtracted {
			selected[d.Field] = true
		}
	}
	return selected
}

// HasUnresolvedExtracted reports whether any unverified-extracted
// difference is left unselected. It backs the caller-level guard that
// refuses to submit past unreviewed extraction output.
func HasUnresolvedExtracted(diffs []Difference, selected map[string]bool) bool {
	for _, d := range diffs {
		if d.IsUnverifiedExtracted && !selected[d.Field] {
			return true
		}
	}
	return false
}

// ConfirmMerge validates a merge selection before submit. Submitting
// with nothing selected while differences exist, or leaving
// unverified-extracted differences unresolved, is rejected with
// ErrMergeNotConfirmed.
func ConfirmMerge(diffs []Difference, selected map[string]bool) error {
	if len(diffs) == 0 {
		return nil
	}
	if len(selected) == 0 {
		return ErrMergeNotConfirmed
	}
	if HasUnresolvedExtracted(diffs, selected) {
		return ErrMergeNotConfirmed
	}
	return nil
}

// Package provenance tracks where every data value in a referral came
// from and whether a human has confirmed it.
package provenance

import "time"

// Source identifies how a field value entered the system.
type Source string

const (
	// SourceExtracted means the value was produced by automated
	// document/field extraction and carries a confidence score.
	SourceExtracted Source = "extracted"
	// SourceUserInput means a human typed or edited the value.
	SourceUserInput Source = "user_input"
	// SourceAPIVerified means the value was confirmed via an
	// authoritative external lookup.
	SourceAPIVerified Source = "api_verified"
	// SourceManualEntry means the value was keyed in from a paper
	// document without extraction assistance.
	SourceManualEntry Source = "manual_entry"
)

// Field wraps a value with source, confidence and verification
// metadata. Fields are immutable: Verify and Update return copies.
// A record attribute is always a Field, never a bare value; callers
// that need the raw value go through Unwrap.
type Field[T any] struct {
	Value          T          `json:"value"`
	Source         Source     `json:"source"`
	Confidence     *float64   `json:"confidence,omitempty"`
	ExtractedFrom  string     `json:"extracted_from,omitempty"`
	VerifiedBy     string     `json:"verified_by,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	LastModifiedBy string     `json:"last_modified_by,omitempty"`
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty"`
}

// Option configures optional metadata at construction time.
type Option func(*meta)

type meta struct {
	confidence    *float64
	extractedFrom string
	verifiedBy    string
}

// WithConfidence attaches an extraction confidence in [0,1]. Only
// meaningful for SourceExtracted; ignored for other sources.
func WithConfidence(c float64) Option {
	return func(m *meta) { m.confidence = &c }
}

// WithExtractedFrom records the provenance pointer, e.g. a document
// ID and page.
func WithExtractedFrom(ref string) Option {
	return func(m *meta) { m.extractedFrom = ref }
}

// WithVerifiedBy stamps verification immediately at creation.
func WithVerifiedBy(userID string) Option {
	return func(m *meta) { m.verifiedBy = userID }
}

// New constructs a field. No validation of the value is performed
// here; that is the caller's responsibility.
func New[T any](value T, source Source, opts ...Option) Field[T] {
	var m meta
	for _, opt := range opts {
		opt(&m)
	}

	f := Field[T]{
		Value:         value,
		Source:        source,
		ExtractedFrom: m.extractedFrom,
	}
	if source == SourceExtracted {
		f.Confidence = m.confidence
	}
	if m.verifiedBy != "" {
		now := time.Now().UTC()
		f.VerifiedBy = m.verifiedBy
		f.VerifiedAt = &now
	}
	return f
}

// Extracted is shorthand for a freshly extracted field.
func Extracted[T any](value T, confidence float64, from string) Field[T] {
	return New(value, SourceExtracted, WithConfidence(confidence), WithExtractedFrom(from))
}

// UserInput is shorthand for a human-entered field.
func UserInput[T any](value T) Field[T] {
	return New(value, SourceUserInput)
}

// Verify returns a copy with the value confirmed by userID. The value
// itself is not altered, and history fields are never cleared.
// A field the same user has already verified comes back unchanged,
// original timestamp included, so Verify is idempotent per user.
func Verify[T any](f Field[T], userID string) Field[T] {
	if f.Source == SourceUserInput && f.VerifiedBy == userID && f.VerifiedAt != nil {
		return f
	}
	now := time.Now().UTC()
	f.Source = SourceUserInput
	f.VerifiedBy = userID
	f.VerifiedAt = &now
	return f
}

// Update returns a copy carrying newValue. An edit implies acceptance,
// so the result is stamped both modified and verified by userID.
func Update[T any](f Field[T], newValue T, userID string) Field[T] {
	now := time.Now().UTC()
	f.Value = newValue
	f.Source = SourceUserInput
	f.LastModifiedBy = userID
	f.LastModifiedAt = &now
	f.VerifiedBy = userID
	f.VerifiedAt = &now
	return f
}

// IsUnverifiedExtracted reports whether the value came from automated
// extraction and no human has confirmed it yet.
func IsUnverifiedExtracted[T any](f Field[T]) bool {
	return f.Source == SourceExtracted && f.VerifiedBy == ""
}

// IsTrusted reports whether the value was human-entered, confirmed by
// an authoritative lookup, or explicitly verified.
func IsTrusted[T any](f Field[T]) bool {
	if f.VerifiedBy != "" {
		return true
	}
	return f.Source == SourceUserInput || f.Source == SourceAPIVerified
}

// Unwrap returns the bare value.
func Unwrap[T any](f Field[T]) T {
	return f.Value
}

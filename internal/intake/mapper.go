package intake

import (
	"github.com/carebridge/intake-engine/internal/caseconfig"
	"github.com/carebridge/intake-engine/internal/domain/provenance"
	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/internal/fieldrules"
)

// SourceRecord projects a referral into the nested map that
// auto-population paths resolve against. Paths use the same dotted
// naming convention as the organization's field mappings.
func SourceRecord(r *referral.Referral) fieldrules.Record {
	return fieldrules.Record{
		"referral": map[string]any{
			"channel":     string(r.Channel),
			"received_at": r.ReceivedAt.Format("2006-01-02"),
		},
		"patient": map[string]any{
			"first_name":    provenance.Unwrap(r.Patient.FirstName),
			"last_name":     provenance.Unwrap(r.Patient.LastName),
			"date_of_birth": provenance.Unwrap(r.Patient.DateOfBirth),
			"phone":         provenance.Unwrap(r.Patient.Phone),
			"email":         provenance.Unwrap(r.Patient.Email),
			"address":       provenance.Unwrap(r.Patient.Address).Normalize(),
		},
		"prescription": map[string]any{
			"diagnosis":          provenance.Unwrap(r.Prescription.Diagnosis),
			"referring_provider": provenance.Unwrap(r.Prescription.ReferringProvider),
			"order_text":         provenance.Unwrap(r.Prescription.OrderText),
		},
	}
}

// internalPaths flattens the referral into dotted path form.
func internalPaths(r *referral.Referral) map[string]string {
	return map[string]string{
		"patient.first_name":              provenance.Unwrap(r.Patient.FirstName),
		"patient.last_name":               provenance.Unwrap(r.Patient.LastName),
		"patient.date_of_birth":           provenance.Unwrap(r.Patient.DateOfBirth),
		"patient.phone":                   provenance.Unwrap(r.Patient.Phone),
		"patient.email":                   provenance.Unwrap(r.Patient.Email),
		"patient.address":                 provenance.Unwrap(r.Patient.Address).Normalize(),
		"prescription.diagnosis":          provenance.Unwrap(r.Prescription.Diagnosis),
		"prescription.referring_provider": provenance.Unwrap(r.Prescription.ReferringProvider),
		"prescription.order_text":         provenance.Unwrap(r.Prescription.OrderText),
	}
}

// SubmissionFields translates a referral into the external system's
// field names using the organization's mapping table. Unmapped paths
// and empty values are omitted.
func SubmissionFields(cfg caseconfig.CaseConfig, r *referral.Referral) map[string]string {
	paths := internalPaths(r)
	out := make(map[string]string)
	for path, externalName := range cfg.FieldMappings {
		if v, ok := paths[path]; ok && v != "" {
			out[externalName] = v
		}
	}
	return out
}

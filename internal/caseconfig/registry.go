// Package caseconfig holds per-organization intake configuration:
// custom field definitions, internal-to-external field name mappings
// and feature toggles, looked up by organization ID.
package caseconfig

import (
	"sync"

	"github.com/carebridge/intake-engine/internal/fieldrules"
)

// Features are the per-organization intake feature toggles.
type Features struct {
	RequireVerification bool `json:"require_verification"`
	RequirePrescription bool `json:"require_prescription"`
	AutoScheduling      bool `json:"auto_scheduling"`
}

// CaseConfig is one organization's intake configuration. The engine
// treats it as read-only; it is never mutated after registration.
type CaseConfig struct {
	OrgID              string                  `json:"org_id"`
	CustomPersonFields []fieldrules.Definition `json:"custom_person_fields"`
	CustomCaseFields   []fieldrules.Definition `json:"custom_case_fields"`
	// FieldMappings maps internal dotted paths to external system
	// field names, e.g. "patient.phone" -> "PrimaryPhone". Applied at
	// submission time.
	FieldMappings map[string]string `json:"field_mappings"`
	Features      Features          `json:"features"`
}

// Default returns the fallback configuration used for unknown
// organizations: empty custom-field sets and minimal mappings.
func Default(orgID string) CaseConfig {
	return CaseConfig{
		OrgID: orgID,
		FieldMappings: map[string]string{
			"patient.phone": "PrimaryPhone",
			"patient.email": "EmailAddress",
		},
	}
}

// Registry is a concurrency-safe lookup of organization configs.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]CaseConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]CaseConfig)}
}

// Register adds or replaces an organization's configuration.
func (r *Registry) Register(cfg CaseConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.OrgID] = cfg
}

// Get returns the configuration for orgID, falling back to the
// default when the organization is unknown. Absence of a specific
// config is not an error condition; Get never fails.
func (r *Registry) Get(orgID string) CaseConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.configs[orgID]; ok {
		return cfg
	}
	return Default(orgID)
}

// Known reports whether orgID has a registered configuration.
func (r *Registry) Known(orgID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.configs[orgID]
	return ok
}

// OrgIDs returns the registered organization IDs.
func (r *Registry) OrgIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	return ids
}

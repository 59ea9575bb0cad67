package caseconfig

import (
	"testing"

	"github.com/carebridge/intake-engine/internal/fieldrules"
)

func TestRegistryGetKnownOrg(t *testing.T) {
	reg := NewRegistry()
	reg.Register(CaseConfig{
		OrgID: "org-ortho",
		CustomCaseFields: []fieldrules.Definition{
			{FieldName: "injury_site", Label: "Injury Site", Type: fieldrules.TypeSelect, Options: []string{"knee", "hip", "shoulder"}},
		},
		FieldMappings: map[string]string{"patient.phone": "Phone1"},
		Features:      Features{RequireVerification: true},
	})

	cfg := reg.Get("org-ortho")

	if len(cfg.CustomCaseFields) != 1 || cfg.CustomCaseFields[0].FieldName != "injury_site" {
		t.Errorf("unexpected custom fields: %+v", cfg.CustomCaseFields)
	}
	if !cfg.Features.RequireVerification {
		t.Error("features lost on round trip")
	}
	if cfg.FieldMappings["patient.phone"] != "Phone1" {
		t.Error("field mappings lost on round trip")
	}
}

func TestRegistryUnknownOrgFallsBack(t *testing.T) {
	reg := NewRegistry()

	cfg := reg.Get("org-nobody")

	if cfg.OrgID != "org-nobody" {
		t.Errorf("fallback must carry the requested org ID, got %q", cfg.OrgID)
	}
	if len(cfg.CustomPersonFields) != 0 || len(cfg.CustomCaseFields) != 0 {
		t.Error("fallback config must have empty custom-field sets")
	}
	if len(cfg.FieldMappings) == 0 {
		t.Error("fallback config carries minimal mappings")
	}
	if reg.Known("org-nobody") {
		t.Error("fallback must not register the unknown org")
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	reg.Register(CaseConfig{OrgID: "org-1", Features: Features{AutoScheduling: false}})
	reg.Register(CaseConfig{OrgID: "org-1", Features: Features{AutoScheduling: true}})

	if !reg.Get("org-1").Features.AutoScheduling {
		t.Error("re-registration must replace the previous config")
	}
	if len(reg.OrgIDs()) != 1 {
		t.Errorf("expected one registered org, got %v", reg.OrgIDs())
	}
}

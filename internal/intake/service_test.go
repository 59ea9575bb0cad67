package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/carebridge/intake-engine/internal/caseconfig"
	"github.com/carebridge/intake-engine/internal/domain/provenance"
	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/internal/external"
	"github.com/carebridge/intake-engine/internal/fieldrules"
	"github.com/carebridge/intake-engine/internal/reconcile"
)

type stubClient struct {
	record *referral.ExternalRecord
	err    error
}

func (c *stubClient) Lookup(ctx context.Context, req external.LookupRequest) (*referral.ExternalRecord, error) {
	return c.record, c.err
}

type stubSubmitter struct {
	mu         sync.Mutex
	records    int
	cases      int
	updates    map[string]string
	recordErr  error
	updatedMRN string
}

func (s *stubSubmitter) CreateRecord(ctx context.Context, r *referral.Referral, fields map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return "", s.recordErr
	}
	s.records++
	return fmt.Sprintf("MRN-%03d", s.records), nil
}

func (s *stubSubmitter) CreateCase(ctx context.Context, mrn string, r *referral.Referral, values fieldrules.Values) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases++
	return fmt.Sprintf("EP-%03d", s.cases), nil
}

func (s *stubSubmitter) UpdateRecord(ctx context.Context, mrn string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedMRN = mrn
	s.updates = fields
	return nil
}

type memorySink struct {
	mu     sync.Mutex
	events []*referral.Event
}

func (m *memorySink) Append(ctx context.Context, ev *referral.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memorySink) types() []referral.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []referral.EventType
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func newTestService(client external.Client, reg *caseconfig.Registry) (*Service, *stubSubmitter, *memorySink) {
	if reg == nil {
		reg = caseconfig.NewRegistry()
	}
	sub := &stubSubmitter{}
	sink := &memorySink{}
	svc := NewService(reg, external.NewDispatcher(client, nil), sub, sink, nil, nil)
	return svc, sub, sink
}

func faxReferral(orgID string) *referral.Referral {
	return referral.New(orgID, referral.ChannelFax, referral.PatientIdentity{
		FirstName:   provenance.Extracted("Jane", 0.95, "fax-3/p1"),
		LastName:    provenance.Extracted("Doe", 0.95, "fax-3/p1"),
		DateOfBirth: provenance.Extracted("1980-01-15", 0.9, "fax-3/p1"),
		Phone:       provenance.Extracted("555-0134", 0.7, "fax-3/p1"),
	}, referral.Prescription{
		Diagnosis:         provenance.Extracted("M54.5", 0.9, "fax-3/p1"),
		ReferringProvider: provenance.Extracted("Dr. Chen", 0.85, "fax-3/p1"),
		OrderText:         provenance.Extracted("PT eval and treat", 0.8, "fax-3/p2"),
	})
}

func TestPrepareNoMatch(t *testing.T) {
	svc, _, sink := newTestService(&stubClient{}, nil)

	it, err := svc.Prepare(context.Background(), faxReferral("org-1"))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if it.Flow != referral.FlowCreateRecordAndCase {
		t.Errorf("expected record-and-case flow, got %s", it.Flow)
	}
	if it.Match != nil || len(it.Differences) != 0 {
		t.Error("no match means no reconciliation")
	}

	types := sink.types()
	if len(types) != 2 || types[0] != referral.EventReferralReceived || types[1] != referral.EventFlowSelected {
		t.Errorf("unexpected event sequence: %v", types)
	}
}

func TestPrepareWithMatchRunsReconciliation(t *testing.T) {
	client := &stubClient{record: &referral.ExternalRecord{
		MRN:   "MRN-900",
		Phone: "555-0100",
	}}
	svc, _, _ := newTestService(client, nil)

	it, err := svc.Prepare(context.Background(), faxReferral("org-1"))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if it.Flow != referral.FlowCreateCaseOnly {
		t.Errorf("expected case-only flow, got %s", it.Flow)
	}
	if len(it.Differences) != 1 || it.Differences[0].Field != reconcile.AttrPhone {
		t.Fatalf("expected a phone difference, got %v", it.Differences)
	}
	// The incoming phone was extracted and unverified, so it is
	// pre-selected for merge.
	if !it.Selected[reconcile.AttrPhone] {
		t.Error("unverified-extracted difference must be pre-selected")
	}
}

func TestPrepareSeedsCustomFields(t *testing.T) {
	reg := caseconfig.NewRegistry()
	reg.Register(caseconfig.CaseConfig{
		OrgID: "org-1",
		CustomCaseFields: []fieldrules.Definition{
			{FieldName: "contact_phone", Type: fieldrules.TypePhone, AutoPopulateFrom: "patient.phone"},
			{FieldName: "priority", Type: fieldrules.TypeSelect, DefaultValue: "routine", Options: []string{"routine", "urgent"}},
			{
				FieldName: "urgency_reason",
				Type:      fieldrules.TypeTextarea,
				ShowWhen:  &fieldrules.ShowWhen{Field: "priority", Equals: "urgent"},
			},
		},
	})
	svc, _, _ := newTestService(&stubClient{}, reg)

	it, err := svc.Prepare(context.Background(), faxReferral("org-1"))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if it.Values["contact_phone"] != "555-0134" {
		t.Errorf("expected auto-populated phone, got %v", it.Values["contact_phone"])
	}
	if it.Values["priority"] != "routine" {
		t.Errorf("expected default priority, got %v", it.Values["priority"])
	}

	// urgency_reason is hidden while priority is routine.
	for _, g := range it.Form {
		for _, f := range g.Fields {
			if f.FieldName == "urgency_reason" {
				t.Error("conditionally hidden field leaked into the form")
			}
		}
	}

	// Flipping the controlling value brings the field back.
	it.Values["priority"] = "urgent"
	svc.RefreshForm(it)
	found := false
	for _, g := range it.Form {
		for _, f := range g.Fields {
			if f.FieldName == "urgency_reason" {
				found = true
			}
		}
	}
	if !found {
		t.Error("field must become visible once its condition holds")
	}
}

func TestPrepareRejectsUnknownChannel(t *testing.T) {
	svc, _, _ := newTestService(&stubClient{}, nil)
	r := faxReferral("org-1")
	r.Channel = referral.Channel("carrier-pigeon")

	if _, err := svc.Prepare(context.Background(), r); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestPrepareRejectsIncompleteIdentity(t *testing.T) {
	svc, _, _ := newTestService(&stubClient{}, nil)
	r := faxReferral("org-1")
	r.Patient.DateOfBirth = provenance.Field[string]{}

	_, err := svc.Prepare(context.Background(), r)

	var verr *external.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError before any lookup, got %v", err)
	}
}

func TestSubmitRecordAndCase(t *testing.T) {
	svc, sub, sink := newTestService(&stubClient{}, nil)

	it, err := svc.Prepare(context.Background(), faxReferral("org-1"))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	res, err := svc.Submit(context.Background(), it, nil, "u-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if res.PatientMRN == "" || res.EpisodeID == "" {
		t.Errorf("expected record and case identifiers, got %+v", res)
	}
	if !res.IsNewPatient {
		t.Error("record-and-case flow creates a new patient")
	}
	if sub.records != 1 || sub.cases != 1 {
		t.Errorf("expected one record and one case, got %d/%d", sub.records, sub.cases)
	}

	types := sink.types()
	if types[len(types)-2] != referral.EventRecordCreated || types[len(types)-1] != referral.EventCaseCreated {
		t.Errorf("unexpected trailing events: %v", types)
	}
}

func TestSubmitCaseOnlyAppliesConfirmedMerge(t *testing.T) {
	client := &stubClient{record: &referral.ExternalRecord{
		MRN:   "MRN-900",
		Phone: "555-0100",
	}}
	reg := caseconfig.NewRegistry()
	reg.Register(caseconfig.CaseConfig{
		OrgID:         "org-1",
		FieldMappings: map[string]string{"patient.phone": "PrimaryPhone"},
	})
	svc, sub, sink := newTestService(client, reg)

	it, err := svc.Prepare(context.Background(), faxReferral("org-1"))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	res, err := svc.Submit(context.Background(), it, it.Selected, "u-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if res.PatientMRN != "MRN-900" || res.IsNewPatient {
		t.Errorf("case-only must reuse the matched record, got %+v", res)
	}
	if res.EpisodeID == "" {
		t.Error("expected a new episode")
	}
	if sub.records != 0 {
		t.Error("case-only flow must not create a record")
	}
	if sub.updatedMRN != "MRN-900" || sub.updates["PrimaryPhone"] != "555-0134" {
		t.Errorf("merge not applied through the field mapping, got %v", sub.updates)
	}

	merged := false
	for _, et := range sink.types() {
		if et == referral.EventMergeApplied {
			merged = true
		}
	}
	if !merged {
		t.Error("expected a merge-applied event")
	}
}

func TestSubmitBlocksUnconfirmedMerge(t *testing.T) {
	client := &stubClient{record: &referral.ExternalRecord{
		MRN:   "MRN-900",
		Phone: "555-0100",
	}}
	svc, sub, _ := newTestService(client, nil)

	it, err := svc.Prepare(context.Background(), faxReferral("org-1"))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	// Submitting with nothing selected while an unverified-extracted
	// difference exists must not proceed.
	_, err = svc.Submit(context.Background(), it, map[string]bool{}, "u-1")
	if !errors.Is(err, reconcile.ErrMergeNotConfirmed) {
		t.Fatalf("expected ErrMergeNotConfirmed, got %v", err)
	}
	if sub.cases != 0 {
		t.Error("no case may be created past an unconfirmed merge")
	}
}

func TestSubmitAskUserRequiresDecision(t *testing.T) {
	svc, _, _ := newTestService(&stubClient{}, nil)

	r := referral.New("org-1", referral.ChannelWeb, referral.PatientIdentity{
		FirstName:   provenance.UserInput("Jane"),
		LastName:    provenance.UserInput("Doe"),
		DateOfBirth: provenance.UserInput("1980-01-15"),
	}, referral.Prescription{})

	it, err := svc.Prepare(context.Background(), r)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if it.Flow != referral.FlowAskUser {
		t.Fatalf("expected ask-user flow, got %s", it.Flow)
	}

	if _, err := svc.Submit(context.Background(), it, nil, "u-1"); !errors.Is(err, ErrDecisionRequired) {
		t.Fatalf("expected ErrDecisionRequired, got %v", err)
	}

	if err := svc.ResolveAskUser(context.Background(), it, referral.FlowCreateRecordOnly); err != nil {
		t.Fatalf("ResolveAskUser failed: %v", err)
	}

	res, err := svc.Submit(context.Background(), it, nil, "u-1")
	if err != nil {
		t.Fatalf("Submit after decision failed: %v", err)
	}
	if res.EpisodeID != "" {
		t.Error("record-only choice must not open a case")
	}
	if !res.IsNewPatient {
		t.Error("record-only choice still creates a new patient record")
	}
}

func TestResolveAskUserRejectsInvalidChoice(t *testing.T) {
	svc, _, _ := newTestService(&stubClient{}, nil)
	it := &Intake{Referral: faxReferral("org-1"), Flow: referral.FlowAskUser}

	if err := svc.ResolveAskUser(context.Background(), it, referral.FlowCreateCaseOnly); err == nil {
		t.Error("case-only is not a valid ask-user resolution")
	}

	it.Flow = referral.FlowCreateRecordAndCase
	if err := svc.ResolveAskUser(context.Background(), it, referral.FlowCreateRecordOnly); err == nil {
		t.Error("resolving a non-held referral must fail")
	}
}

func TestSubmissionFields(t *testing.T) {
	cfg := caseconfig.CaseConfig{
		FieldMappings: map[string]string{
			"patient.phone":          "PrimaryPhone",
			"patient.email":          "EmailAddress",
			"prescription.diagnosis": "DiagnosisCode",
		},
	}
	r := faxReferral("org-1")

	fields := SubmissionFields(cfg, r)

	if fields["PrimaryPhone"] != "555-0134" {
		t.Errorf("unexpected phone mapping: %v", fields)
	}
	if fields["DiagnosisCode"] != "M54.5" {
		t.Errorf("unexpected diagnosis mapping: %v", fields)
	}
	// Empty internal values are omitted rather than mapped.
	if _, ok := fields["EmailAddress"]; ok {
		t.Error("empty values must be omitted from submission")
	}
}

// Package integration provides integration tests for the intake engine.
package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/intake-engine/internal/caseconfig"
	"github.com/carebridge/intake-engine/internal/domain/provenance"
	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/internal/external"
	"github.com/carebridge/intake-engine/internal/fieldrules"
	"github.com/carebridge/intake-engine/internal/intake"
	"github.com/carebridge/intake-engine/internal/reconcile"
	"github.com/carebridge/intake-engine/pkg/idempotency"
)

type recordSystem struct {
	mu      sync.Mutex
	records map[string]*referral.ExternalRecord
	updates map[string]map[string]string
	cases   int
}

func newRecordSystem(records ...*referral.ExternalRecord) *recordSystem {
	rs := &recordSystem{
		records: make(map[string]*referral.ExternalRecord),
		updates: make(map[string]map[string]string),
	}
	for _, r := range records {
		rs.records[r.FirstName+"|"+r.LastName+"|"+r.DateOfBirth] = r
	}
	return rs
}

func (rs *recordSystem) Lookup(ctx context.Context, req external.LookupRequest) (*referral.ExternalRecord, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.records[req.FirstName+"|"+req.LastName+"|"+req.DateOfBirth], nil
}

func (rs *recordSystem) CreateRecord(ctx context.Context, r *referral.Referral, fields map[string]string) (string, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	mrn := "MRN-NEW-" + r.ID[:8]
	rs.records[r.Patient.FirstName.Value+"|"+r.Patient.LastName.Value+"|"+r.Patient.DateOfBirth.Value] = &referral.ExternalRecord{
		MRN:         mrn,
		FirstName:   r.Patient.FirstName.Value,
		LastName:    r.Patient.LastName.Value,
		DateOfBirth: r.Patient.DateOfBirth.Value,
	}
	return mrn, nil
}

func (rs *recordSystem) CreateCase(ctx context.Context, mrn string, r *referral.Referral, values fieldrules.Values) (string, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.cases++
	return "EP-" + mrn, nil
}

func (rs *recordSystem) UpdateRecord(ctx context.Context, mrn string, fields map[string]string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.updates[mrn] = fields
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []*referral.Event
}

func (l *eventLog) Append(ctx context.Context, ev *referral.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types() []referral.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []referral.EventType
	for _, ev := range l.events {
		out = append(out, ev.EventType)
	}
	return out
}

func buildService(rs *recordSystem, log *eventLog, cfgs ...caseconfig.CaseConfig) *intake.Service {
	registry := caseconfig.NewRegistry()
	for _, cfg := range cfgs {
		registry.Register(cfg)
	}
	dispatcher := external.NewDispatcher(rs, nil)
	return intake.NewService(registry, dispatcher, rs, log, nil, nil)
}

func TestFaxReferralWithMatchMergesAndCreatesCase(t *testing.T) {
	existing := &referral.ExternalRecord{
		MRN:         "MRN-001",
		FirstName:   "Ada",
		LastName:    "Nguyen",
		DateOfBirth: "1975-03-02",
		Phone:       "555-0100",
	}
	rs := newRecordSystem(existing)
	log := &eventLog{}
	svc := buildService(rs, log, caseconfig.CaseConfig{
		OrgID: "org-1",
		FieldMappings: map[string]string{
			"patient.phone": "PrimaryPhone",
		},
	})

	ref := referral.New("org-1", referral.ChannelFax, referral.PatientIdentity{
		FirstName:   provenance.Extracted("Ada", 0.98, "fax-77:p1"),
		LastName:    provenance.Extracted("Nguyen", 0.97, "fax-77:p1"),
		DateOfBirth: provenance.Extracted("1975-03-02", 0.95, "fax-77:p1"),
		Phone:       provenance.Extracted("555-0134", 0.88, "fax-77:p2"),
	}, referral.Prescription{
		Diagnosis:         provenance.Extracted("M54.5", 0.92, "fax-77:p1"),
		ReferringProvider: provenance.Extracted("Dr. Okafor", 0.9, "fax-77:p1"),
		OrderText:         provenance.Extracted("PT eval and treat", 0.9, "fax-77:p1"),
	})

	it, err := svc.Prepare(context.Background(), ref)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	if it.Flow != referral.FlowCreateCaseOnly {
		t.Fatalf("expected case-only flow, got %s", it.Flow)
	}
	if len(it.Differences) != 1 || it.Differences[0].Field != reconcile.AttrPhone {
		t.Fatalf("expected one phone difference, got %+v", it.Differences)
	}
	if !it.Selected[reconcile.AttrPhone] {
		t.Error("unverified extracted phone should be pre-selected")
	}

	result, err := svc.Submit(context.Background(), it, it.Selected, "u-9")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.PatientMRN != "MRN-001" || result.IsNewPatient {
		t.Errorf("expected existing patient MRN-001, got %+v", result)
	}

	if got := rs.updates["MRN-001"]["PrimaryPhone"]; got != "555-0134" {
		t.Errorf("expected merged phone 555-0134, got %q", got)
	}
	if rs.cases != 1 {
		t.Errorf("expected one case created, got %d", rs.cases)
	}

	want := []referral.EventType{
		referral.EventReferralReceived,
		referral.EventFlowSelected,
		referral.EventMergeApplied,
		referral.EventCaseCreated,
	}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestWebLeadIsHeldUntilDecision(t *testing.T) {
	rs := newRecordSystem()
	log := &eventLog{}
	svc := buildService(rs, log)

	ref := referral.New("org-2", referral.ChannelWeb, referral.PatientIdentity{
		FirstName:   provenance.UserInput("Sam"),
		LastName:    provenance.UserInput("Ortiz"),
		DateOfBirth: provenance.UserInput("1990-11-20"),
	}, referral.Prescription{})

	it, err := svc.Prepare(context.Background(), ref)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if it.Flow != referral.FlowAskUser {
		t.Fatalf("expected ask-user flow, got %s", it.Flow)
	}

	if _, err := svc.Submit(context.Background(), it, nil, "u-1"); !errors.Is(err, intake.ErrDecisionRequired) {
		t.Fatalf("expected ErrDecisionRequired, got %v", err)
	}

	if err := svc.ResolveAskUser(context.Background(), it, referral.FlowCreateRecordOnly); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	result, err := svc.Submit(context.Background(), it, nil, "u-1")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !result.IsNewPatient || result.PatientMRN == "" {
		t.Errorf("expected new patient record, got %+v", result)
	}
	if result.EpisodeID != "" {
		t.Errorf("record-only flow must not open a case, got episode %q", result.EpisodeID)
	}
}

func TestUnconfirmedMergeBlocksSubmitEndToEnd(t *testing.T) {
	existing := &referral.ExternalRecord{
		MRN:         "MRN-002",
		FirstName:   "Ada",
		LastName:    "Nguyen",
		DateOfBirth: "1975-03-02",
		Email:       "ada@old.example",
	}
	rs := newRecordSystem(existing)
	log := &eventLog{}
	svc := buildService(rs, log)

	ref := referral.New("org-1", referral.ChannelFax, referral.PatientIdentity{
		FirstName:   provenance.Extracted("Ada", 0.98, "fax-78:p1"),
		LastName:    provenance.Extracted("Nguyen", 0.97, "fax-78:p1"),
		DateOfBirth: provenance.Extracted("1975-03-02", 0.95, "fax-78:p1"),
		Email:       provenance.Extracted("ada@new.example", 0.7, "fax-78:p2"),
	}, referral.Prescription{
		Diagnosis:         provenance.Extracted("M54.5", 0.92, "fax-78:p1"),
		ReferringProvider: provenance.Extracted("Dr. Okafor", 0.9, "fax-78:p1"),
		OrderText:         provenance.Extracted("PT eval and treat", 0.9, "fax-78:p1"),
	})

	it, err := svc.Prepare(context.Background(), ref)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if len(it.Differences) == 0 {
		t.Fatal("expected email difference")
	}

	// Submitting with an empty selection must be rejected while an
	// unverified extracted difference is outstanding
	if _, err := svc.Submit(context.Background(), it, map[string]bool{}, "u-1"); !errors.Is(err, reconcile.ErrMergeNotConfirmed) {
		t.Fatalf("expected ErrMergeNotConfirmed, got %v", err)
	}
	if len(rs.updates) != 0 || rs.cases != 0 {
		t.Error("rejected submit must not touch the record system")
	}
}

func TestIdempotencyKeyGeneration(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	key1 := idempotency.GenerateKey("org-1", "Ada|Nguyen|1975-03-02", "fax", ts)
	key2 := idempotency.GenerateKey("org-1", "Ada|Nguyen|1975-03-02", "fax", ts.Add(30*time.Second))
	key3 := idempotency.GenerateKey("org-2", "Ada|Nguyen|1975-03-02", "fax", ts)
	key4 := idempotency.GenerateKey("org-1", "Ada|Nguyen|1975-03-02", "web", ts)

	if key1 != key2 {
		t.Error("keys within the same minute should match")
	}
	if key1 == key3 {
		t.Error("different org should produce a different key")
	}
	if key1 == key4 {
		t.Error("different channel should produce a different key")
	}
}

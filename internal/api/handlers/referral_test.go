package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carebridge/intake-engine/internal/domain/provenance"
	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/internal/intake"
	"github.com/carebridge/intake-engine/internal/reconcile"
)

func seedIntake(t *testing.T, store *intake.Store) *intake.Intake {
	t.Helper()

	ref := referral.New("org-1", referral.ChannelFax, referral.PatientIdentity{
		FirstName:   provenance.Extracted("Jane", 0.9, "doc-1/p1"),
		LastName:    provenance.Extracted("Doe", 0.9, "doc-1/p1"),
		DateOfBirth: provenance.Extracted("1984-02-11", 0.9, "doc-1/p1"),
		Phone:       provenance.Extracted("555-0134", 0.7, "doc-1/p2"),
		Address: provenance.Extracted(reconcile.Address{
			Line1: "12 Oak St", City: "Springfield", State: "IL", PostalCode: "62701",
		}, 0.6, "doc-1/p2"),
	}, referral.Prescription{})

	it := &intake.Intake{Referral: ref}
	store.Put(it)
	return it
}

func postVerify(t *testing.T, router http.Handler, id string, body VerifyFieldRequest) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/"+id+"/verify", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestVerifyFieldConfirmsAddress(t *testing.T) {
	store := intake.NewStore()
	h := NewReferralHandler(nil, store, nil, nil)
	it := seedIntake(t, store)

	rec := postVerify(t, h.Routes(), it.Referral.ID, VerifyFieldRequest{
		Field:  "address",
		UserID: "u-42",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := store.Get(it.Referral.ID)
	if err != nil {
		t.Fatalf("get intake: %v", err)
	}
	addr := got.Referral.Patient.Address
	if addr.VerifiedBy != "u-42" || addr.VerifiedAt == nil {
		t.Error("expected address stamped verified")
	}
	if addr.Value.Line1 != "12 Oak St" {
		t.Errorf("confirmation must not alter the value, got %q", addr.Value.Line1)
	}
	if provenance.IsUnverifiedExtracted(addr) {
		t.Error("confirmed address must no longer count as unverified extraction")
	}
}

func TestVerifyFieldCorrectsAddress(t *testing.T) {
	store := intake.NewStore()
	h := NewReferralHandler(nil, store, nil, nil)
	it := seedIntake(t, store)

	corrected := reconcile.Address{Line1: "98 Elm Ave", City: "Springfield", State: "IL", PostalCode: "62704"}
	rec := postVerify(t, h.Routes(), it.Referral.ID, VerifyFieldRequest{
		Field:   "address",
		Address: &corrected,
		UserID:  "u-7",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := store.Get(it.Referral.ID)
	if err != nil {
		t.Fatalf("get intake: %v", err)
	}
	addr := got.Referral.Patient.Address
	if addr.Value.Line1 != "98 Elm Ave" || addr.Value.PostalCode != "62704" {
		t.Errorf("expected corrected address, got %+v", addr.Value)
	}
	if addr.LastModifiedBy != "u-7" || addr.VerifiedBy != "u-7" {
		t.Error("a correction is self-verifying and carries the editor in the audit trail")
	}
}

func TestVerifyFieldStringAttribute(t *testing.T) {
	store := intake.NewStore()
	h := NewReferralHandler(nil, store, nil, nil)
	it := seedIntake(t, store)

	rec := postVerify(t, h.Routes(), it.Referral.ID, VerifyFieldRequest{
		Field:  "phone",
		Value:  "555-0199",
		UserID: "u-42",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := store.Get(it.Referral.ID)
	if v := provenance.Unwrap(got.Referral.Patient.Phone); v != "555-0199" {
		t.Errorf("expected corrected phone, got %q", v)
	}
}

func TestVerifyFieldRejectsUnknownField(t *testing.T) {
	store := intake.NewStore()
	h := NewReferralHandler(nil, store, nil, nil)
	it := seedIntake(t, store)

	rec := postVerify(t, h.Routes(), it.Referral.ID, VerifyFieldRequest{
		Field:  "shoe_size",
		UserID: "u-42",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

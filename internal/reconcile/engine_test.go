package reconcile

import (
	"errors"
	"testing"

	"github.com/carebridge/intake-engine/internal/domain/provenance"
)

func apiVerified(v string) provenance.Field[string] {
	return provenance.New(v, provenance.SourceAPIVerified)
}

func TestDiffEmitsOnlyRealDifferences(t *testing.T) {
	a := PatientView{
		Phone: apiVerified("555-0100"),
		Email: apiVerified("jane@example.com"),
	}
	b := PatientView{
		Phone: provenance.Extracted("555-0134", 0.8, "fax-12/p1"),
		Email: provenance.UserInput("jane@example.com"),
	}

	diffs := Diff(a, b)

	if len(diffs) != 1 {
		t.Fatalf("expected 1 difference, got %d", len(diffs))
	}
	d := diffs[0]
	if d.Field != AttrPhone {
		t.Errorf("expected phone difference, got %s", d.Field)
	}
	if d.ValueA != "555-0100" || d.ValueB != "555-0134" {
		t.Errorf("unexpected values: %q vs %q", d.ValueA, d.ValueB)
	}
	if !d.IsUnverifiedExtracted {
		t.Error("incoming phone is unverified-extracted")
	}
}

func TestDiffBothEmptyEmitsNothing(t *testing.T) {
	diffs := Diff(PatientView{}, PatientView{})
	if len(diffs) != 0 {
		t.Errorf("expected no differences for two empty views, got %d", len(diffs))
	}
}

func TestDiffOneSideEmpty(t *testing.T) {
	b := PatientView{Email: provenance.UserInput("jane@example.com")}

	diffs := Diff(PatientView{}, b)

	if len(diffs) != 1 || diffs[0].Field != AttrEmail {
		t.Fatalf("expected a single email difference, got %v", diffs)
	}
	if diffs[0].IsUnverifiedExtracted {
		t.Error("user-typed email is not unverified-extracted")
	}
}

func TestDiffTrimsWhitespace(t *testing.T) {
	a := PatientView{Phone: apiVerified("  555-0100 ")}
	b := PatientView{Phone: provenance.UserInput("555-0100")}

	if diffs := Diff(a, b); len(diffs) != 0 {
		t.Errorf("whitespace-only differences must not be emitted, got %v", diffs)
	}
}

func TestDiffOrderIsFixed(t *testing.T) {
	a := PatientView{
		Phone:   apiVerified("555-0100"),
		Email:   apiVerified("old@example.com"),
		Address: provenance.New(Address{Line1: "1 Main St", City: "Springfield"}, provenance.SourceAPIVerified),
	}
	b := PatientView{
		Phone:   provenance.UserInput("555-0134"),
		Email:   provenance.UserInput("new@example.com"),
		Address: provenance.New(Address{Line1: "2 Oak Ave", City: "Springfield"}, provenance.SourceUserInput),
	}

	diffs := Diff(a, b)
	if len(diffs) != 3 {
		t.Fatalf("expected 3 differences, got %d", len(diffs))
	}
	want := []string{AttrPhone, AttrEmail, AttrAddress}
	for i, field := range want {
		if diffs[i].Field != field {
			t.Errorf("position %d: expected %s, got %s", i, field, diffs[i].Field)
		}
	}
}

func TestAddressNormalize(t *testing.T) {
	cases := []struct {
		name string
		addr Address
		want string
	}{
		{"all parts", Address{Line1: "1 Main St", Line2: "Apt 4", City: "Springfield", State: "IL", PostalCode: "62704"}, "1 Main St, Apt 4, Springfield, IL, 62704"},
		{"partial", Address{Line1: "1 Main St", City: "Springfield"}, "1 Main St, Springfield"},
		{"whitespace parts dropped", Address{Line1: "  ", City: "Springfield"}, "Springfield"},
		{"all empty", Address{}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.addr.Normalize(); got != tc.want {
				t.Errorf("Normalize = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDefaultSelection(t *testing.T) {
	diffs := []Difference{
		{Field: AttrPhone, IsUnverifiedExtracted: true},
		{Field: AttrEmail, IsUnverifiedExtracted: false},
		{Field: AttrAddress, IsUnverifiedExtracted: true},
	}

	selected := DefaultSelection(diffs)

	if !selected[AttrPhone] || !selected[AttrAddress] {
		t.Error("unverified-extracted differences must be pre-selected")
	}
	if selected[AttrEmail] {
		t.Error("trusted differences must default to unselected")
	}
	if len(selected) != 2 {
		t.Errorf("pre-selected set must equal the unverified-extracted subset, got %v", selected)
	}
}

func TestHasUnresolvedExtracted(t *testing.T) {
	diffs := []Difference{
		{Field: AttrPhone, IsUnverifiedExtracted: true},
		{Field: AttrEmail, IsUnverifiedExtracted: false},
	}

	if !HasUnresolvedExtracted(diffs, map[string]bool{}) {
		t.Error("unselected extracted difference is unresolved")
	}
	if HasUnresolvedExtracted(diffs, map[string]bool{AttrPhone: true}) {
		t.Error("selected extracted difference is resolved")
	}
	if HasUnresolvedExtracted(nil, nil) {
		t.Error("no differences means nothing unresolved")
	}
}

func TestConfirmMerge(t *testing.T) {
	diffs := []Difference{
		{Field: AttrPhone, IsUnverifiedExtracted: true},
		{Field: AttrEmail, IsUnverifiedExtracted: false},
	}

	cases := []struct {
		name     string
		diffs    []Difference
		selected map[string]bool
		wantErr  bool
	}{
		{"no differences", nil, nil, false},
		{"zero selected while differences exist", diffs, map[string]bool{}, true},
		{"extracted difference left unresolved", diffs, map[string]bool{AttrEmail: true}, true},
		{"extracted difference resolved", diffs, map[string]bool{AttrPhone: true}, false},
		{"explicit rejection of trusted difference", diffs, map[string]bool{AttrPhone: true, AttrEmail: false}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ConfirmMerge(tc.diffs, tc.selected)
			if tc.wantErr && !errors.Is(err, ErrMergeNotConfirmed) {
				t.Errorf("expected ErrMergeNotConfirmed, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

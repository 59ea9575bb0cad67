package external

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/intake-engine/internal/domain/referral"
)

// fakeClient blocks each lookup until released, or until its context
// is cancelled.
type fakeClient struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	record  *referral.ExternalRecord
}

func (f *fakeClient) Lookup(ctx context.Context, req LookupRequest) (*referral.ExternalRecord, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.record, nil
}

func validReq() LookupRequest {
	return LookupRequest{FirstName: "Jane", LastName: "Doe", DateOfBirth: "1980-01-15"}
}

func TestLookupRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     LookupRequest
		missing int
	}{
		{"complete", validReq(), 0},
		{"no first name", LookupRequest{LastName: "Doe", DateOfBirth: "1980-01-15"}, 1},
		{"no dob", LookupRequest{FirstName: "Jane", LastName: "Doe"}, 1},
		{"whitespace only", LookupRequest{FirstName: " ", LastName: "\t", DateOfBirth: ""}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.missing == 0 {
				if err != nil {
					t.Errorf("expected valid request, got %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(verr.Missing) != tt.missing {
				t.Errorf("expected %d missing keys, got %v", tt.missing, verr.Missing)
			}
		})
	}
}

func TestDispatcherRejectsIncompleteKeysBeforeLookup(t *testing.T) {
	client := &fakeClient{}
	d := NewDispatcher(client, nil)

	_, err := d.Lookup(context.Background(), "ref-1", LookupRequest{FirstName: "Jane"})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if client.calls != 0 {
		t.Error("lookup must never be attempted with incomplete keys")
	}
}

func TestDispatcherSingleLookup(t *testing.T) {
	client := &fakeClient{record: &referral.ExternalRecord{MRN: "MRN-001"}}
	d := NewDispatcher(client, nil)

	rec, err := d.Lookup(context.Background(), "ref-1", validReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil || rec.MRN != "MRN-001" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestDispatcherSuppressesStaleResponse(t *testing.T) {
	client := &fakeClient{
		record:  &referral.ExternalRecord{MRN: "MRN-001"},
		release: make(chan struct{}),
	}
	d := NewDispatcher(client, nil)

	type outcome struct {
		rec *referral.ExternalRecord
		err error
	}
	first := make(chan outcome, 1)

	go func() {
		rec, err := d.Lookup(context.Background(), "ref-1", validReq())
		first <- outcome{rec, err}
	}()

	// Wait until the first lookup is in flight.
	deadline := time.After(2 * time.Second)
	for {
		client.mu.Lock()
		started := client.calls == 1
		client.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first lookup never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// The second lookup for the same referral supersedes the first.
	client.mu.Lock()
	client.release = nil
	client.mu.Unlock()

	rec, err := d.Lookup(context.Background(), "ref-1", validReq())
	if err != nil {
		t.Fatalf("newest lookup failed: %v", err)
	}
	if rec == nil || rec.MRN != "MRN-001" {
		t.Errorf("newest lookup result must be applied, got %+v", rec)
	}

	got := <-first
	if !errors.Is(got.err, ErrStaleLookup) {
		t.Errorf("older in-flight lookup must report ErrStaleLookup, got %v", got.err)
	}
	if got.rec != nil {
		t.Error("stale lookup must not deliver a record")
	}
}

func TestDispatcherIsolatesReferrals(t *testing.T) {
	client := &fakeClient{
		record:  &referral.ExternalRecord{MRN: "MRN-001"},
		release: make(chan struct{}),
	}
	d := NewDispatcher(client, nil)

	type outcome struct {
		rec *referral.ExternalRecord
		err error
	}
	first := make(chan outcome, 1)

	go func() {
		rec, err := d.Lookup(context.Background(), "ref-1", validReq())
		first <- outcome{rec, err}
	}()

	deadline := time.After(2 * time.Second)
	for {
		client.mu.Lock()
		started := client.calls == 1
		client.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first lookup never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A lookup for a different referral must not cancel ref-1's.
	client.mu.Lock()
	release := client.release
	client.release = nil
	client.mu.Unlock()

	if _, err := d.Lookup(context.Background(), "ref-2", validReq()); err != nil {
		t.Fatalf("unrelated lookup failed: %v", err)
	}

	close(release)
	got := <-first
	if got.err != nil {
		t.Errorf("lookup for a different referral must not be suppressed, got %v", got.err)
	}
}

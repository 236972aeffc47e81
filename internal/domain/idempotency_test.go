package domain

import (
	"errors"
	"testing"
	"time"
)

func TestIdempotencyStatus(t *testing.T) {
	tests := []struct {
		status  IdempotencyStatus
		valid   bool
		settled bool
	}{
		{status: IdempotencyStatusProcessing, valid: true},
		{status: IdempotencyStatusDone, valid: true, settled: true},
		{status: IdempotencyStatusFailed, valid: true, settled: true},
		{status: IdempotencyStatus("broken")},
	}

	for _, tc := range tests {
		if got := tc.status.Valid(); got != tc.valid {
			t.Fatalf("%q valid=%v, want %v", tc.status, got, tc.valid)
		}
		if got := tc.status.Settled(); got != tc.settled {
			t.Fatalf("%q settled=%v, want %v", tc.status, got, tc.settled)
		}
	}
}

func TestIdempotencyClaimNormalize(t *testing.T) {
	claim, err := IdempotencyClaim{Scope: " grpc ", Key: " submit-1 ", RequestHash: " abc "}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if claim.Scope != IdempotencyScopeGRPC || claim.Key != "submit-1" || claim.RequestHash != "abc" {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	if _, err := (IdempotencyClaim{RequestHash: "abc"}).Normalize(); !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("expected key required, got %v", err)
	}
	if _, err := (IdempotencyClaim{Key: "submit-1", RequestHash: "  "}).Normalize(); !errors.Is(err, ErrIdempotencyRequestHashRequired) {
		t.Fatalf("expected hash required, got %v", err)
	}
}

func TestIdempotencyRecordExpiredAndMatches(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	var record IdempotencyRecord
	if record.Expired(now) {
		t.Fatal("record without expiry must live forever")
	}
	record.ExpiresAt = now
	if !record.Expired(now) {
		t.Fatal("record expiring now must be expired")
	}
	record.ExpiresAt = now.Add(time.Minute)
	if record.Expired(now) {
		t.Fatal("future expiry must not be expired")
	}

	record.RequestHash = "abc"
	if !record.Matches(" abc") || record.Matches("abd") {
		t.Fatal("hash comparison is wrong")
	}
}

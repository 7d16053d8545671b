package storage

import (
	"context"
	"testing"
	"time"
)

func samplePayment() Payment {
	return Payment{
		ChainID:       84532,
		TokenContract: "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
		From:          "0xAbC0000000000000000000000000000000dEaD",
		Nonce:         "0x" + "11" + "0000000000000000000000000000000000000000000000000000000000",
		To:            "0x0000000000000000000000000000000000beef",
		Amount:        "1000000",
		ValidAfter:    0,
		ValidBefore:   9999999999,
		Resource:      "/premium-article",
	}
}

func TestMemoryStore_CreateEnforcesUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id1, err := s.Create(ctx, samplePayment())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected non-empty payment id")
	}

	_, err = s.Create(ctx, samplePayment())
	if err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_FindByIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := samplePayment()

	id, err := s.Create(ctx, p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	found, ok, err := s.FindByIdempotencyKey(ctx, p.ChainID, p.TokenContract, p.From, p.Nonce)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !ok {
		t.Fatal("expected payment to be found")
	}
	if found.PaymentID != id {
		t.Errorf("expected payment id %s, got %s", id, found.PaymentID)
	}

	_, ok, err = s.FindByIdempotencyKey(ctx, p.ChainID, p.TokenContract, p.From, "0xunknown")
	if err != nil {
		t.Fatalf("find miss: %v", err)
	}
	if ok {
		t.Error("expected no match for unknown nonce")
	}
}

func TestMemoryStore_TransitionCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.Create(ctx, samplePayment())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	if err := s.Transition(ctx, id, StatusPending, StatusVerified, PaymentPatch{VerifiedAt: &now}); err != nil {
		t.Fatalf("transition pending->verified: %v", err)
	}

	// Stale: status is now Verified, not Pending.
	if err := s.Transition(ctx, id, StatusPending, StatusVerified, PaymentPatch{}); err != ErrStaleTransition {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}

	txHash := "0xdeadbeef"
	if err := s.Transition(ctx, id, StatusVerified, StatusSubmitted, PaymentPatch{TxHash: &txHash}); err != nil {
		t.Fatalf("transition verified->submitted: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Errorf("expected status submitted, got %s", got.Status)
	}
	if got.TxHash != txHash {
		t.Errorf("expected tx hash %s, got %s", txHash, got.TxHash)
	}
	if got.VerifiedAt == nil {
		t.Error("expected VerifiedAt to be set by the earlier transition")
	}
}

func TestMemoryStore_TransitionNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Transition(ctx, "missing", StatusPending, StatusVerified, PaymentPatch{}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListInFlight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := samplePayment()
	old.Nonce = "0xold"
	idOld, _ := s.Create(ctx, old)

	settled := samplePayment()
	settled.Nonce = "0xsettled"
	idSettled, _ := s.Create(ctx, settled)
	now := time.Now().UTC()
	txHash := "0xsettledhash"
	if err := s.Transition(ctx, idSettled, StatusPending, StatusVerified, PaymentPatch{VerifiedAt: &now}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := s.Transition(ctx, idSettled, StatusVerified, StatusSubmitted, PaymentPatch{TxHash: &txHash, SubmittedAt: &now}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.Transition(ctx, idSettled, StatusSubmitted, StatusSettled, PaymentPatch{SettledAt: &now}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	cutoff := time.Now().Add(1 * time.Hour)
	inFlight, err := s.ListInFlight(ctx, cutoff)
	if err != nil {
		t.Fatalf("list in flight: %v", err)
	}

	if len(inFlight) != 1 || inFlight[0].PaymentID != idOld {
		t.Errorf("expected exactly the pending payment %s in flight, got %+v", idOld, inFlight)
	}
}

func TestMemoryStore_TransitionRejectsIllegalEdge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.Create(ctx, samplePayment())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Pending -> Settled skips the broadcast states entirely.
	settledAt := time.Now().UTC()
	if err := s.Transition(ctx, id, StatusPending, StatusSettled, PaymentPatch{SettledAt: &settledAt}); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Settlement is terminal: nothing may leave it.
	if err := s.Transition(ctx, id, StatusSettled, StatusFailed, PaymentPatch{}); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition for a terminal status, got %v", err)
	}
}

func TestMemoryStore_ReserveRejectsDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Reserve(ctx, 84532, "0xtoken", "0xfrom", "0xnonce1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	if err := s.Reserve(ctx, 84532, "0xtoken", "0xfrom", "0xnonce1"); err != ErrNonceAlreadyUsed {
		t.Fatalf("expected ErrNonceAlreadyUsed, got %v", err)
	}

	// Different nonce on the same (chain, token, from) reserves fine.
	if err := s.Reserve(ctx, 84532, "0xtoken", "0xfrom", "0xnonce2"); err != nil {
		t.Fatalf("second reserve with different nonce: %v", err)
	}
}

func TestMemoryStore_UsedObservesWithoutReserving(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	used, err := s.Used(ctx, 84532, "0xtoken", "0xfrom", "0xnonce1")
	if err != nil {
		t.Fatalf("used: %v", err)
	}
	if used {
		t.Fatal("expected fresh nonce to be unused")
	}

	// Observing must not consume: the reserve still succeeds afterwards.
	if err := s.Reserve(ctx, 84532, "0xtoken", "0xfrom", "0xnonce1"); err != nil {
		t.Fatalf("reserve after observation: %v", err)
	}

	used, err = s.Used(ctx, 84532, "0xtoken", "0xfrom", "0xnonce1")
	if err != nil {
		t.Fatalf("used after reserve: %v", err)
	}
	if !used {
		t.Fatal("expected reserved nonce to report used")
	}
}

package facilitator

import (
	"context"
	"testing"
	"time"

	"github.com/x402evm/facilitator/internal/storage"
	"github.com/x402evm/facilitator/internal/submitter"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

func newTestReconciler(t *testing.T, sub Submitter, cfg ReconcilerConfig, now func() time.Time) (*StoreReconciler, storage.Store, x402evm.NetworkDescriptor) {
	t.Helper()
	network := testNetwork()
	registry, err := x402evm.NewDomainRegistry([]x402evm.NetworkDescriptor{network})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := storage.NewMemoryStore()
	return NewStoreReconciler(store, sub, registry, cfg, now), store, network
}

func stalePayment(network x402evm.NetworkDescriptor, nonce string) storage.Payment {
	return storage.Payment{
		ChainID:       int64(network.ChainID),
		TokenContract: "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
		From:          "0xabc0000000000000000000000000000000dead",
		Nonce:         nonce,
		To:            "0x0000000000000000000000000000000000beef",
		Amount:        "10000",
		ValidAfter:    0,
		ValidBefore:   time.Now().Add(time.Hour).Unix(),
		Resource:      "/premium-article",
		CreatedAt:     time.Now().Add(-10 * time.Minute),
	}
}

func TestReconcile_SettlesConfirmedSubmission(t *testing.T) {
	sub := &fakeSubmitter{inclusion: submitter.Inclusion{Status: submitter.InclusionConfirmed, BlockNumber: 7}}
	rec, store, network := newTestReconciler(t, sub, DefaultReconcilerConfig(), nil)
	ctx := context.Background()

	p := stalePayment(network, "0xsubmitted-nonce")
	id, err := store.Create(ctx, p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	verifiedAt := time.Now()
	if err := store.Transition(ctx, id, storage.StatusPending, storage.StatusVerified, storage.PaymentPatch{VerifiedAt: &verifiedAt}); err != nil {
		t.Fatalf("to verified: %v", err)
	}
	txHash := "0xstalehash"
	if err := store.Transition(ctx, id, storage.StatusVerified, storage.StatusSubmitted, storage.PaymentPatch{TxHash: &txHash, SubmittedAt: &verifiedAt}); err != nil {
		t.Fatalf("to submitted: %v", err)
	}

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusSettled {
		t.Errorf("expected Settled after confirmed inclusion, got %s", got.Status)
	}
	if got.SettledAt == nil {
		t.Error("expected SettledAt to be stamped")
	}
}

func TestReconcile_FailsRevertedSubmission(t *testing.T) {
	sub := &fakeSubmitter{inclusion: submitter.Inclusion{Status: submitter.InclusionReverted, Reason: "transaction reverted"}}
	rec, store, network := newTestReconciler(t, sub, DefaultReconcilerConfig(), nil)
	ctx := context.Background()

	p := stalePayment(network, "0xreverted-nonce")
	id, _ := store.Create(ctx, p)
	ts := time.Now()
	_ = store.Transition(ctx, id, storage.StatusPending, storage.StatusVerified, storage.PaymentPatch{VerifiedAt: &ts})
	txHash := "0xreverted"
	_ = store.Transition(ctx, id, storage.StatusVerified, storage.StatusSubmitted, storage.PaymentPatch{TxHash: &txHash, SubmittedAt: &ts})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := store.Get(ctx, id)
	if got.Status != storage.StatusFailed {
		t.Errorf("expected Failed after reverted inclusion, got %s", got.Status)
	}
	if got.ErrorKind != "settlement_reverted" {
		t.Errorf("expected settlement_reverted error kind, got %q", got.ErrorKind)
	}
}

func TestReconcile_ExpiresStaleVerified(t *testing.T) {
	sub := &fakeSubmitter{}
	rec, store, network := newTestReconciler(t, sub, DefaultReconcilerConfig(), nil)
	ctx := context.Background()

	p := stalePayment(network, "0xexpired-nonce")
	p.ValidBefore = time.Now().Add(-time.Minute).Unix()
	id, _ := store.Create(ctx, p)
	ts := time.Now()
	_ = store.Transition(ctx, id, storage.StatusPending, storage.StatusVerified, storage.PaymentPatch{VerifiedAt: &ts})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := store.Get(ctx, id)
	if got.Status != storage.StatusExpired {
		t.Errorf("expected Expired for a stale verified payment, got %s", got.Status)
	}
}

func TestReconcile_LeavesTimedOutSubmissionAlone(t *testing.T) {
	sub := &fakeSubmitter{inclusion: submitter.Inclusion{Status: submitter.InclusionTimeout}}
	rec, store, network := newTestReconciler(t, sub, DefaultReconcilerConfig(), nil)
	ctx := context.Background()

	p := stalePayment(network, "0xtimeout-nonce")
	id, _ := store.Create(ctx, p)
	ts := time.Now()
	_ = store.Transition(ctx, id, storage.StatusPending, storage.StatusVerified, storage.PaymentPatch{VerifiedAt: &ts})
	txHash := "0xpending"
	_ = store.Transition(ctx, id, storage.StatusVerified, storage.StatusSubmitted, storage.PaymentPatch{TxHash: &txHash, SubmittedAt: &ts})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := store.Get(ctx, id)
	if got.Status != storage.StatusSubmitted {
		t.Errorf("expected Submitted to survive a timed-out poll, got %s", got.Status)
	}
}

func TestReconcile_SkipsFreshRecords(t *testing.T) {
	sub := &fakeSubmitter{inclusion: submitter.Inclusion{Status: submitter.InclusionConfirmed}}
	rec, store, network := newTestReconciler(t, sub, DefaultReconcilerConfig(), nil)
	ctx := context.Background()

	p := stalePayment(network, "0xfresh-nonce")
	p.CreatedAt = time.Now() // younger than StaleAfter
	id, _ := store.Create(ctx, p)
	ts := time.Now()
	_ = store.Transition(ctx, id, storage.StatusPending, storage.StatusVerified, storage.PaymentPatch{VerifiedAt: &ts})
	txHash := "0xfresh"
	_ = store.Transition(ctx, id, storage.StatusVerified, storage.StatusSubmitted, storage.PaymentPatch{TxHash: &txHash, SubmittedAt: &ts})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := store.Get(ctx, id)
	if got.Status != storage.StatusSubmitted {
		t.Errorf("expected a fresh record to be left alone, got %s", got.Status)
	}
}

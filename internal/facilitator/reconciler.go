package facilitator

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "github.com/x402evm/facilitator/internal/errors"
	"github.com/x402evm/facilitator/internal/storage"
	"github.com/x402evm/facilitator/internal/submitter"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

// Reconciler drives payments stuck in a non-terminal status to a terminal
// state after the originating request has gone away: a Submitted payment
// whose inclusion wait timed out, or a Verified payment whose authorization
// expired before the broadcast happened. Operators decide how to run it
// (cron, a goroutine, an admin endpoint); nothing starts one by default.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// ReconcilerConfig tunes a reconciliation pass.
type ReconcilerConfig struct {
	StaleAfter       time.Duration // minimum record age before a pass touches it
	InclusionTimeout time.Duration // per-payment receipt poll budget
}

// DefaultReconcilerConfig leaves freshly-created records alone for a minute
// so the request that created them can finish its own state machine first.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		StaleAfter:       1 * time.Minute,
		InclusionTimeout: 5 * time.Second,
	}
}

// StoreReconciler reconciles against the PaymentStore and the chain via the
// same Submitter capability the Facilitator uses.
type StoreReconciler struct {
	store     storage.Store
	submitter Submitter
	registry  *x402evm.DomainRegistry
	cfg       ReconcilerConfig
	now       func() time.Time
}

// NewStoreReconciler builds a StoreReconciler. now defaults to time.Now if nil.
func NewStoreReconciler(store storage.Store, sub Submitter, registry *x402evm.DomainRegistry, cfg ReconcilerConfig, now func() time.Time) *StoreReconciler {
	if now == nil {
		now = time.Now
	}
	return &StoreReconciler{store: store, submitter: sub, registry: registry, cfg: cfg, now: now}
}

// Reconcile makes one pass over stale in-flight payments. Per-payment errors
// don't abort the pass; the first one is returned after every payment has
// been attempted.
func (r *StoreReconciler) Reconcile(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	stale, err := r.store.ListInFlight(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("facilitator: list in-flight payments: %w", err)
	}

	var firstErr error
	for _, p := range stale {
		if err := r.reconcileOne(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *StoreReconciler) reconcileOne(ctx context.Context, p storage.Payment) error {
	switch p.Status {
	case storage.StatusSubmitted:
		return r.resolveSubmitted(ctx, p)

	case storage.StatusVerified:
		if p.ValidBefore < r.now().Unix() {
			errKind := string(apierrors.ErrCodeExpired)
			err := r.store.Transition(ctx, p.PaymentID, storage.StatusVerified, storage.StatusExpired, storage.PaymentPatch{ErrorKind: &errKind})
			if err != nil && !errors.Is(err, storage.ErrStaleTransition) {
				return fmt.Errorf("facilitator: expire payment %s: %w", p.PaymentID, err)
			}
		}
		return nil

	default:
		// Pending records belong to a request still running its own state
		// machine. A Pending record whose request died before verification
		// is left Pending: no pass moves a record out of Pending.
		return nil
	}
}

func (r *StoreReconciler) resolveSubmitted(ctx context.Context, p storage.Payment) error {
	networkID, ok := r.networkForChain(p.ChainID)
	if !ok {
		return fmt.Errorf("facilitator: payment %s references unknown chain id %d", p.PaymentID, p.ChainID)
	}

	inclusion, err := r.submitter.AwaitInclusion(ctx, networkID, p.TxHash, r.cfg.InclusionTimeout)
	if err != nil {
		return fmt.Errorf("facilitator: poll inclusion for %s: %w", p.PaymentID, err)
	}

	switch inclusion.Status {
	case submitter.InclusionConfirmed:
		settledAt := r.now()
		err := r.store.Transition(ctx, p.PaymentID, storage.StatusSubmitted, storage.StatusSettled, storage.PaymentPatch{SettledAt: &settledAt})
		if err != nil && !errors.Is(err, storage.ErrStaleTransition) {
			return fmt.Errorf("facilitator: settle payment %s: %w", p.PaymentID, err)
		}
	case submitter.InclusionReverted:
		errKind := string(apierrors.ErrCodeSettlementReverted)
		err := r.store.Transition(ctx, p.PaymentID, storage.StatusSubmitted, storage.StatusFailed, storage.PaymentPatch{ErrorKind: &errKind})
		if err != nil && !errors.Is(err, storage.ErrStaleTransition) {
			return fmt.Errorf("facilitator: fail payment %s: %w", p.PaymentID, err)
		}
	}
	// A timeout leaves the record Submitted for the next pass.
	return nil
}

func (r *StoreReconciler) networkForChain(chainID int64) (string, bool) {
	for _, n := range r.registry.All() {
		if int64(n.ChainID) == chainID {
			return n.ID, true
		}
	}
	return "", false
}

var _ Reconciler = (*StoreReconciler)(nil)

package facilitator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	apierrors "github.com/x402evm/facilitator/internal/errors"
	"github.com/x402evm/facilitator/internal/metrics"
	"github.com/x402evm/facilitator/internal/storage"
	"github.com/x402evm/facilitator/internal/submitter"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

// Submitter is the subset of internal/submitter.Submitter the Facilitator
// needs, narrowed to an interface so tests can substitute a fake without
// dialing a chain.
type Submitter interface {
	Submit(ctx context.Context, networkID string, auth x402evm.Authorization, signature []byte) (submitter.SubmitOutcome, error)
	AwaitInclusion(ctx context.Context, networkID, txHash string, timeout time.Duration) (submitter.Inclusion, error)
}

// Facilitator is the central orchestrator: it sequences Verifier, Submitter,
// and PaymentStore so that every idempotency key reaches a terminal state
// exactly once.
type Facilitator struct {
	store     storage.Store
	verifier  *x402evm.Verifier
	submitter Submitter
	registry  *x402evm.DomainRegistry
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

// New builds a Facilitator. now defaults to time.Now if nil.
func New(store storage.Store, verifier *x402evm.Verifier, sub Submitter, registry *x402evm.DomainRegistry, m *metrics.Metrics, cfg Config, now func() time.Time) *Facilitator {
	if now == nil {
		now = time.Now
	}
	return &Facilitator{store: store, verifier: verifier, submitter: sub, registry: registry, metrics: m, cfg: cfg, now: now}
}

// Verify runs only the verification checks, with no settlement, no payment
// record, and no nonce reservation, backing the read-only /verify RPC: a
// client that pre-checks an authorization here can still settle it.
func (f *Facilitator) Verify(ctx context.Context, payload x402evm.PaymentPayload, requirement x402evm.PaymentRequirement) (x402evm.VerifyOutcome, error) {
	outcome, err := f.verifier.Precheck(ctx, payload, requirement)
	if err != nil {
		// A verification rejection is a result, not a server fault; only
		// infrastructure failures (the nonce ledger being down) propagate.
		if _, ok := x402evm.AsVerificationError(err); ok {
			f.metrics.ObserveVerifyRejected(requirement.Network, outcome.Reason)
			return outcome, nil
		}
		return outcome, err
	}
	return outcome, nil
}

// VerifyAndSettle settles one payment authorization at most once: it resolves
// any prior attempt for the same idempotency key before verifying,
// broadcasting, and waiting for inclusion.
func (f *Facilitator) VerifyAndSettle(ctx context.Context, payload x402evm.PaymentPayload, requirement x402evm.PaymentRequirement) (Outcome, error) {
	network, err := f.registry.Lookup(requirement.Network)
	if err != nil {
		return Outcome{Kind: KindRejected, Reason: string(apierrors.ErrCodeUnknownNetwork)}, nil
	}

	auth := payload.Payload.Authorization
	chainID := int64(network.ChainID)
	tokenContract := strings.ToLower(network.TokenContract.Hex())
	from := strings.ToLower(auth.From)
	nonce := strings.ToLower(auth.Nonce)

	for {
		// Look up any prior attempt for this idempotency key.
		existing, found, err := f.store.FindByIdempotencyKey(ctx, chainID, tokenContract, from, nonce)
		if err != nil {
			return Outcome{}, fmt.Errorf("facilitator: find by idempotency key: %w", err)
		}

		if found {
			outcome, retry, err := f.handleExisting(ctx, requirement.Network, existing)
			if err != nil {
				return Outcome{}, err
			}
			if retry {
				continue
			}
			return outcome, nil
		}

		// First sighting: create a Pending record.
		paymentID, err := f.store.Create(ctx, storage.Payment{
			ChainID:       chainID,
			TokenContract: tokenContract,
			From:          from,
			Nonce:         nonce,
			To:            strings.ToLower(auth.To),
			Amount:        auth.Value,
			ValidAfter:    auth.ValidAfter,
			ValidBefore:   auth.ValidBefore,
			Resource:      requirement.Resource,
			Status:        storage.StatusPending,
		})
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				continue // another caller raced us; the lookup will now find it
			}
			return Outcome{}, fmt.Errorf("facilitator: create payment: %w", err)
		}

		return f.verifyAndBroadcast(ctx, paymentID, requirement.Network, payload, requirement)
	}
}

// handleExisting dispatches over a previously-seen idempotency key. retry is
// true when the caller should loop back to FindByIdempotencyKey.
func (f *Facilitator) handleExisting(ctx context.Context, networkID string, p storage.Payment) (Outcome, bool, error) {
	switch p.Status {
	case storage.StatusSettled:
		return Outcome{Kind: KindAlreadySettled, TxHash: p.TxHash, Payer: p.From}, false, nil

	case storage.StatusSubmitted:
		inclusion, err := f.submitter.AwaitInclusion(ctx, networkID, p.TxHash, f.cfg.InclusionPollTimeout)
		if err != nil {
			return Outcome{}, false, fmt.Errorf("facilitator: poll inclusion: %w", err)
		}
		switch inclusion.Status {
		case submitter.InclusionConfirmed:
			settledAt := f.now()
			if err := f.store.Transition(ctx, p.PaymentID, storage.StatusSubmitted, storage.StatusSettled, storage.PaymentPatch{SettledAt: &settledAt}); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
				return Outcome{}, false, fmt.Errorf("facilitator: transition to settled: %w", err)
			}
			return Outcome{Kind: KindAlreadySettled, TxHash: p.TxHash, Payer: p.From}, false, nil
		case submitter.InclusionReverted:
			errKind := string(apierrors.ErrCodeSettlementReverted)
			if err := f.store.Transition(ctx, p.PaymentID, storage.StatusSubmitted, storage.StatusFailed, storage.PaymentPatch{ErrorKind: &errKind}); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
				return Outcome{}, false, fmt.Errorf("facilitator: transition to failed: %w", err)
			}
			return Outcome{Kind: KindSettlementFailed, Reason: string(apierrors.ErrCodeSettlementReverted)}, false, nil
		default: // timeout
			return Outcome{Kind: KindInProgress, TxHash: p.TxHash}, false, nil
		}

	case storage.StatusPending, storage.StatusVerified:
		return Outcome{Kind: KindInProgress}, false, nil

	case storage.StatusFailed:
		// Replays keep the shape of the original failure: a broadcast that
		// reverted answered 502 the first time, so it answers 502 again.
		return Outcome{Kind: KindSettlementFailed, Reason: p.ErrorKind}, false, nil

	case storage.StatusRejected, storage.StatusExpired:
		return Outcome{Kind: KindRejected, Reason: p.ErrorKind}, false, nil

	default:
		return Outcome{}, false, fmt.Errorf("facilitator: unexpected payment status %q", p.Status)
	}
}

// verifyAndBroadcast verifies a freshly-created Pending record and walks it
// through broadcast and inclusion.
func (f *Facilitator) verifyAndBroadcast(ctx context.Context, paymentID, networkID string, payload x402evm.PaymentPayload, requirement x402evm.PaymentRequirement) (Outcome, error) {
	verifyStart := f.now()

	verifyOutcome, verr := f.verifier.Verify(ctx, payload, requirement)
	if verr != nil {
		// Only x402 rejections map to a Rejected record; an infrastructure
		// failure (the nonce ledger being down) surfaces to the caller as a
		// 5xx instead of permanently rejecting the authorization.
		if _, ok := x402evm.AsVerificationError(verr); !ok {
			return Outcome{}, fmt.Errorf("facilitator: verify: %w", verr)
		}
	}
	if verr != nil || !verifyOutcome.Valid {
		reason := verifyOutcome.Reason
		if reason == "" {
			reason = string(apierrors.ErrCodeInternalError)
		}
		f.metrics.ObserveVerifyRejected(networkID, reason)
		if err := f.store.Transition(ctx, paymentID, storage.StatusPending, storage.StatusRejected, storage.PaymentPatch{ErrorKind: &reason}); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
			return Outcome{}, fmt.Errorf("facilitator: transition to rejected: %w", err)
		}
		return Outcome{Kind: KindRejected, Reason: reason}, nil
	}
	f.metrics.ObserveVerify(networkID, "valid", f.now().Sub(verifyStart))

	// Pending -> Verified.
	verifiedAt := f.now()
	if err := f.store.Transition(ctx, paymentID, storage.StatusPending, storage.StatusVerified, storage.PaymentPatch{VerifiedAt: &verifiedAt}); err != nil {
		return Outcome{}, fmt.Errorf("facilitator: transition to verified: %w", err)
	}

	auth := payload.Payload.Authorization
	sigBytes, err := hexToBytes(payload.Payload.Signature)
	if err != nil {
		reason := string(apierrors.ErrCodeMalformedPayload)
		if terr := f.store.Transition(ctx, paymentID, storage.StatusVerified, storage.StatusFailed, storage.PaymentPatch{ErrorKind: &reason}); terr != nil && !errors.Is(terr, storage.ErrStaleTransition) {
			return Outcome{}, fmt.Errorf("facilitator: transition to failed: %w", terr)
		}
		return Outcome{Kind: KindSettlementFailed, Reason: reason}, nil
	}

	submitOutcome, err := f.submitter.Submit(ctx, networkID, auth, sigBytes)
	if err != nil {
		return Outcome{}, fmt.Errorf("facilitator: submit: %w", err)
	}
	if submitOutcome.Rejected {
		reason := submitOutcome.Reason
		if err := f.store.Transition(ctx, paymentID, storage.StatusVerified, storage.StatusFailed, storage.PaymentPatch{ErrorKind: &reason}); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
			return Outcome{}, fmt.Errorf("facilitator: transition to failed: %w", err)
		}
		return Outcome{Kind: KindSettlementFailed, Reason: reason}, nil
	}

	// Verified -> Submitted.
	submittedAt := f.now()
	if err := f.store.Transition(ctx, paymentID, storage.StatusVerified, storage.StatusSubmitted, storage.PaymentPatch{TxHash: &submitOutcome.TxHash, SubmittedAt: &submittedAt}); err != nil {
		return Outcome{}, fmt.Errorf("facilitator: transition to submitted: %w", err)
	}

	// Await inclusion with the configured settlement timeout.
	broadcastStart := f.now()
	inclusion, err := f.submitter.AwaitInclusion(ctx, networkID, submitOutcome.TxHash, f.cfg.SettlementTimeout)
	if err != nil {
		return Outcome{}, fmt.Errorf("facilitator: await inclusion: %w", err)
	}

	switch inclusion.Status {
	case submitter.InclusionConfirmed:
		settledAt := f.now()
		if err := f.store.Transition(ctx, paymentID, storage.StatusSubmitted, storage.StatusSettled, storage.PaymentPatch{SettledAt: &settledAt}); err != nil {
			return Outcome{}, fmt.Errorf("facilitator: transition to settled: %w", err)
		}
		f.metrics.ObserveSettle(networkID, "settled", f.now().Sub(broadcastStart))
		return Outcome{Kind: KindSettled, TxHash: submitOutcome.TxHash, Payer: auth.From}, nil

	case submitter.InclusionReverted:
		reason := string(apierrors.ErrCodeSettlementReverted)
		if err := f.store.Transition(ctx, paymentID, storage.StatusSubmitted, storage.StatusFailed, storage.PaymentPatch{ErrorKind: &reason}); err != nil {
			return Outcome{}, fmt.Errorf("facilitator: transition to failed: %w", err)
		}
		f.metrics.ObserveSettle(networkID, "reverted", f.now().Sub(broadcastStart))
		return Outcome{Kind: KindSettlementFailed, Reason: reason}, nil

	default: // timeout: stays Submitted for the reconciler to resolve later
		f.metrics.ObserveSettle(networkID, "timeout", f.now().Sub(broadcastStart))
		return Outcome{Kind: KindInProgress, TxHash: submitOutcome.TxHash}, nil
	}
}

func hexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return hex.DecodeString(s)
}

// Package gate implements the x402 payment-enforcement HTTP middleware: it
// challenges unpaid requests with a 402, decodes and settles a presented
// payment through the Facilitator, and only then calls the protected handler.
package gate

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	apierrors "github.com/x402evm/facilitator/internal/errors"
	"github.com/x402evm/facilitator/internal/facilitator"
	"github.com/x402evm/facilitator/pkg/responders"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

// ResourceDescriptor is what a Gate needs to quote and settle a request for
// one protected resource.
type ResourceDescriptor struct {
	Resource    string
	AmountUSD   string
	Description string
	Network     string
}

// ResourceResolver extracts the resource descriptor for an inbound request,
// so one Gate can price many routes differently.
type ResourceResolver func(*http.Request) (ResourceDescriptor, error)

// RequirementIssuer is the subset of facilitator.RequirementIssuer the Gate
// calls to build a 402 challenge.
type RequirementIssuer interface {
	Build(resource, amountUSD, description, network string) (x402evm.PaymentRequirement, error)
}

// Facilitator is the subset of facilitator.Facilitator the Gate calls to
// settle a presented payment.
type Facilitator interface {
	VerifyAndSettle(ctx context.Context, payload x402evm.PaymentPayload, requirement x402evm.PaymentRequirement) (facilitator.Outcome, error)
}

// Config tunes the Gate's backpressure threshold.
type Config struct {
	MaxInFlightSettlements int64
}

// DefaultConfig allows 256 concurrent in-flight settlements before the Gate
// starts shedding load.
func DefaultConfig() Config {
	return Config{MaxInFlightSettlements: 256}
}

// Gate is the x402 payment-enforcement middleware. One Gate instance can
// protect many distinct routes via distinct ResourceResolvers.
type Gate struct {
	issuer      RequirementIssuer
	facilitator Facilitator
	cfg         Config
	inFlight    int64
}

// New builds a Gate.
func New(issuer RequirementIssuer, fac Facilitator, cfg Config) *Gate {
	return &Gate{issuer: issuer, facilitator: fac, cfg: cfg}
}

// Middleware wraps next with the x402 payment-enforcement flow, charging the
// resolved resource's price before the inner handler runs.
func (g *Gate) Middleware(resolver ResourceResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			desc, err := resolver(r)
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedPayload, err.Error())
				return
			}

			requirement, err := g.issuer.Build(desc.Resource, desc.AmountUSD, desc.Description, desc.Network)
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, "failed to build payment requirement")
				return
			}

			header := strings.TrimSpace(r.Header.Get("X-PAYMENT"))
			if header == "" {
				g.respondPaymentRequired(w, requirement, "")
				return
			}

			payload, err := x402evm.DecodePayload(header)
			if err != nil {
				// 400, never a second 402: a challenge would send a client
				// with a broken encoder into a retry loop.
				apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedPayload, "invalid X-PAYMENT")
				return
			}

			if !g.admit() {
				w.Header().Set("Retry-After", "2")
				apierrors.WriteSimpleError(w, apierrors.ErrCodeBackpressure, "too many in-flight settlements")
				return
			}
			defer g.release()

			outcome, err := g.facilitator.VerifyAndSettle(r.Context(), payload, requirement)
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
				return
			}

			switch outcome.Kind {
			case facilitator.KindSettled, facilitator.KindAlreadySettled:
				encoded, err := x402evm.EncodeResponse(x402evm.PaymentResponse{
					Success: true,
					TxHash:  outcome.TxHash,
					Payer:   outcome.Payer,
					Network: requirement.Network,
				})
				if err == nil {
					w.Header().Set("X-PAYMENT-RESPONSE", encoded)
				}

				ctx := context.WithValue(r.Context(), contextKeyPayer, outcome.Payer)
				ctx = context.WithValue(ctx, contextKeyTxHash, outcome.TxHash)
				next.ServeHTTP(w, r.WithContext(ctx))

			case facilitator.KindRejected:
				g.respondPaymentRequired(w, requirement, outcome.Reason)

			case facilitator.KindInProgress:
				w.Header().Set("Retry-After", "2")
				apierrors.WriteError(w, apierrors.ErrCodeInProgress, "settlement in progress", detailTxHash(outcome.TxHash))

			case facilitator.KindSettlementFailed:
				// 502 comes from the settlement_reverted code; the chain's
				// precise rejection reason rides along in details.
				apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeSettlementReverted, "settlement failed", "reason", outcome.Reason)

			default:
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "unexpected facilitator outcome")
			}
		})
	}
}

func (g *Gate) respondPaymentRequired(w http.ResponseWriter, requirement x402evm.PaymentRequirement, reason string) {
	encoded, err := x402evm.EncodeRequired(x402evm.PaymentRequired{X402Version: 2, Accepts: []x402evm.PaymentRequirement{requirement}})
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to encode payment requirement")
		return
	}
	w.Header().Set("X-PAYMENT-REQUIRED", encoded)
	if reason != "" {
		w.Header().Set("X-PAYMENT-ERROR", reason)
	}
	// The 402 body keeps the protocol's challenge shape rather than the
	// error envelope, since x402 clients parse it for the accepts list.
	responders.JSON(w, http.StatusPaymentRequired, map[string]any{"error": "payment required", "accepts": []x402evm.PaymentRequirement{requirement}})
}

func detailTxHash(txHash string) map[string]interface{} {
	if txHash == "" {
		return nil
	}
	return map[string]interface{}{"txHash": txHash}
}

func (g *Gate) admit() bool {
	max := g.cfg.MaxInFlightSettlements
	if max <= 0 {
		max = DefaultConfig().MaxInFlightSettlements
	}
	if atomic.AddInt64(&g.inFlight, 1) > max {
		atomic.AddInt64(&g.inFlight, -1)
		return false
	}
	return true
}

func (g *Gate) release() {
	atomic.AddInt64(&g.inFlight, -1)
}

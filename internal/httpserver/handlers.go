package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/x402evm/facilitator/internal/config"
	apierrors "github.com/x402evm/facilitator/internal/errors"
	"github.com/x402evm/facilitator/internal/facilitator"
	"github.com/x402evm/facilitator/internal/gate"
	"github.com/x402evm/facilitator/internal/logger"
	"github.com/x402evm/facilitator/pkg/responders"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

// health reports process uptime and nothing chain-dependent: the core's
// CPU-bound components (Codec, DigestBuilder, SignatureVerifier, Verifier)
// need no external connectivity, so a facilitator process is "ok" as long
// as it's serving requests at all. Chain reachability surfaces per-request
// from /facilitator/settle instead of a separate health probe: a broadcast
// the node rejects is a 502, while an RPC error (including an unreachable
// endpoint) is a 500 internal_error with no code of its own.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(serverStartTime).String(),
	})
}

// supported lists every registered network, backing client-side discovery
// of which (network, asset) pairs this facilitator will settle.
func (h *handlers) supported(w http.ResponseWriter, r *http.Request) {
	networks := h.registry.All()
	out := make([]map[string]any, 0, len(networks))
	for _, n := range networks {
		out = append(out, map[string]any{
			"network":      n.ID,
			"chainId":      n.ChainID,
			"asset":        n.TokenContract.Hex(),
			"tokenName":    n.TokenName,
			"tokenVersion": n.TokenVersion,
			"usdcDecimals": n.USDCDecimals,
		})
	}
	responders.JSON(w, http.StatusOK, map[string]any{"kinds": out})
}

// rpcRequest is the shared body shape for /facilitator/verify and
// /facilitator/settle, matching the x402 facilitator wire contract.
type rpcRequest struct {
	PaymentPayload      x402evm.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402evm.PaymentRequirement `json:"paymentRequirements"`
}

// verify implements POST /facilitator/verify: idempotent, does not settle.
func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req rpcRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedPayload, "invalid request body")
		return
	}

	outcome, err := h.facilitator.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		log.Error().Err(err).Msg("facilitator.verify.internal_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
		return
	}

	resp := map[string]any{"isValid": outcome.Valid}
	if !outcome.Valid {
		resp["invalidReason"] = outcome.Reason
	}
	responders.JSON(w, http.StatusOK, resp)
}

// settle implements POST /facilitator/settle: idempotent by the
// (chainId, tokenContract, from, nonce) key; a duplicate call returns the
// original outcome rather than re-broadcasting.
func (h *handlers) settle(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req rpcRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedPayload, "invalid request body")
		return
	}

	outcome, err := h.facilitator.VerifyAndSettle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		log.Error().Err(err).Msg("facilitator.settle.internal_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
		return
	}

	switch outcome.Kind {
	case facilitator.KindSettled, facilitator.KindAlreadySettled:
		responders.JSON(w, http.StatusOK, map[string]any{"success": true, "txHash": outcome.TxHash})
	case facilitator.KindInProgress:
		w.Header().Set("Retry-After", "2")
		responders.JSON(w, http.StatusConflict, map[string]any{"success": false, "errorReason": string(apierrors.ErrCodeInProgress), "txHash": outcome.TxHash})
	case facilitator.KindRejected:
		responders.JSON(w, http.StatusPaymentRequired, map[string]any{"success": false, "errorReason": outcome.Reason})
	case facilitator.KindSettlementFailed:
		responders.JSON(w, http.StatusBadGateway, map[string]any{"success": false, "errorReason": outcome.Reason})
	default:
		responders.JSON(w, http.StatusInternalServerError, map[string]any{"success": false, "errorReason": string(apierrors.ErrCodeInternalError)})
	}
}

// paywalledResource serves the demonstration Gate-protected resource: by
// the time this runs, g.Middleware has already settled payment and placed
// the payer and tx hash into the request context.
func (h *handlers) paywalledResource(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	payer, _ := gate.PayerFromContext(r.Context())
	txHash, _ := gate.TxHashFromContext(r.Context())

	responders.JSON(w, http.StatusOK, map[string]any{
		"resource": resourceID,
		"granted":  true,
		"payer":    payer,
		"txHash":   txHash,
	})
}

// resourceCatalogResolver builds a gate.ResourceResolver from the
// facilitator's own static resource catalog (config.Resources).
func resourceCatalogResolver(cfg *config.Config) gate.ResourceResolver {
	byID := make(map[string]config.ResourceConfig, len(cfg.Resources))
	for _, res := range cfg.Resources {
		byID[res.ID] = res
	}

	return func(r *http.Request) (gate.ResourceDescriptor, error) {
		resourceID := chi.URLParam(r, "resourceID")
		res, ok := byID[resourceID]
		if !ok {
			return gate.ResourceDescriptor{}, fmt.Errorf("unknown resource %q", resourceID)
		}

		network := res.Network
		if network == "" {
			network = cfg.X402.DefaultNetwork
		}

		return gate.ResourceDescriptor{
			Resource:    resourceID,
			AmountUSD:   res.AmountUSD,
			Description: res.Description,
			Network:     network,
		}, nil
	}
}

package facilitator

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402evm/facilitator/internal/money"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

// RequirementIssuerConfig carries the facilitator-wide defaults the Requirement
// Issuer applies when building a quote.
type RequirementIssuerConfig struct {
	FacilitatorRecipient string // payTo, unless a call-site override is given
	QuoteLifetime        time.Duration
}

// DefaultRequirementIssuerConfig quotes with a 300-second lifetime, long
// enough for a wallet prompt but short enough to bound price staleness.
func DefaultRequirementIssuerConfig() RequirementIssuerConfig {
	return RequirementIssuerConfig{QuoteLifetime: 300 * time.Second}
}

// RequirementIssuer builds PaymentRequirement quotes for a protected
// resource.
type RequirementIssuer struct {
	registry *x402evm.DomainRegistry
	cfg      RequirementIssuerConfig
	now      func() time.Time
}

// NewRequirementIssuer builds a RequirementIssuer. now defaults to time.Now
// if nil.
func NewRequirementIssuer(registry *x402evm.DomainRegistry, cfg RequirementIssuerConfig, now func() time.Time) *RequirementIssuer {
	if now == nil {
		now = time.Now
	}
	return &RequirementIssuer{registry: registry, cfg: cfg, now: now}
}

// Build constructs the PaymentRequirement for resource, quoting amountUsd
// (a decimal major-unit string, e.g. "0.05") at USDC's one-to-one peg.
// amountUsd never passes through a float64: FromMajor parses the decimal
// string directly into six-decimal atomic units with half-up rounding,
// matching the round(amountUsd * 10^6) formula.
func (ri *RequirementIssuer) Build(resource, amountUsd, description, networkID string) (x402evm.PaymentRequirement, error) {
	network, err := ri.registry.Lookup(networkID)
	if err != nil {
		return x402evm.PaymentRequirement{}, err
	}

	if !common.IsHexAddress(ri.cfg.FacilitatorRecipient) {
		return x402evm.PaymentRequirement{}, fmt.Errorf("facilitator: facilitator recipient %q is not a valid address", ri.cfg.FacilitatorRecipient)
	}
	payTo := strings.ToLower(ri.cfg.FacilitatorRecipient)

	usdc, err := money.GetAsset("USDC")
	if err != nil {
		return x402evm.PaymentRequirement{}, fmt.Errorf("facilitator: usdc asset: %w", err)
	}

	quoted, err := money.FromMajor(usdc, amountUsd)
	if err != nil {
		return x402evm.PaymentRequirement{}, fmt.Errorf("facilitator: quote amount %q: %w", amountUsd, err)
	}
	if quoted.IsNegative() || quoted.IsZero() {
		return x402evm.PaymentRequirement{}, fmt.Errorf("facilitator: quote amount %q must be positive", amountUsd)
	}

	lifetime := ri.cfg.QuoteLifetime
	if lifetime <= 0 {
		lifetime = 300 * time.Second
	}

	return x402evm.PaymentRequirement{
		Scheme:            "exact",
		Network:           networkID,
		MaxAmountRequired: quoted.ToAtomic(),
		Resource:          resource,
		Description:       description,
		PayTo:             payTo,
		Asset:             strings.ToLower(network.TokenContract.Hex()),
		Extra: x402evm.RequirementExtra{
			ExpiresAt: ri.now().Add(lifetime).Unix(),
			Name:      network.TokenName,
			Version:   network.TokenVersion,
		},
	}, nil
}

package x402evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// DomainRegistry is a pure lookup from NetworkId to NetworkDescriptor, built
// once at startup and never mutated.
type DomainRegistry struct {
	networks map[string]NetworkDescriptor
	order    []string
}

// NewDomainRegistry builds a registry from the given descriptors. Duplicate
// ids are rejected.
func NewDomainRegistry(descriptors []NetworkDescriptor) (*DomainRegistry, error) {
	r := &DomainRegistry{networks: make(map[string]NetworkDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if _, exists := r.networks[d.ID]; exists {
			return nil, fmt.Errorf("x402evm: duplicate network id %q", d.ID)
		}
		r.networks[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Lookup returns the descriptor for id, or an UnknownNetwork-shaped error.
func (r *DomainRegistry) Lookup(id string) (NetworkDescriptor, error) {
	d, ok := r.networks[id]
	if !ok {
		return NetworkDescriptor{}, fmt.Errorf("x402evm: unknown network %q", id)
	}
	return d, nil
}

// All returns every registered network descriptor, in registration order.
// Used by the /supported RPC endpoint.
func (r *DomainRegistry) All() []NetworkDescriptor {
	out := make([]NetworkDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.networks[id])
	}
	return out
}

// DefaultNetworkDescriptors returns the compiled-in defaults for the closed
// set of supported network ids. Every network's USDC deployment shares the
// "USD Coin" / "2" EIP-712 domain unless a deployment documents otherwise,
// matching the registry's role as the single source of truth.
// Operators override chain id, token contract, and RPC endpoint per network
// via configuration; these defaults exist so an un-configured network still
// resolves to sane testnet values during local development.
func DefaultNetworkDescriptors() []NetworkDescriptor {
	return []NetworkDescriptor{
		{
			ID:            "base-sepolia",
			ChainID:       84532,
			TokenContract: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			TokenName:     "USD Coin",
			TokenVersion:  "2",
			USDCDecimals:  6,
		},
		{
			ID:            "base-mainnet",
			ChainID:       8453,
			TokenContract: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
			TokenName:     "USD Coin",
			TokenVersion:  "2",
			USDCDecimals:  6,
		},
		{
			ID:            "ethereum-sepolia",
			ChainID:       11155111,
			TokenContract: common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
			TokenName:     "USD Coin",
			TokenVersion:  "2",
			USDCDecimals:  6,
		},
		{
			ID:            "ethereum-mainnet",
			ChainID:       1,
			TokenContract: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			TokenName:     "USD Coin",
			TokenVersion:  "2",
			USDCDecimals:  6,
		},
		{
			ID:            "arc-testnet",
			ChainID:       421888,
			TokenContract: common.HexToAddress("0x0000000000000000000000000000000000dEaD"),
			TokenName:     "USD Coin",
			TokenVersion:  "2",
			USDCDecimals:  6,
		},
		{
			ID:            "arc-mainnet",
			ChainID:       421614,
			TokenContract: common.HexToAddress("0x0000000000000000000000000000000000dEaD"),
			TokenName:     "USD Coin",
			TokenVersion:  "2",
			USDCDecimals:  6,
		},
	}
}

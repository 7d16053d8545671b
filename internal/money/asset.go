package money

import (
	"fmt"
	"sync"
)

// Asset represents a currency with its quoting properties. It is used only
// by the Requirement Issuer, to turn a USD quote into USDC atomic units for
// maxAmountRequired (int64-bounded); amounts read from a payment
// authorization are handled with big.Int arithmetic, never through this type.
type Asset struct {
	Code     string // Asset code (USD, EUR, USDC, ...)
	Decimals uint8  // Number of decimal places (2 for USD, 6 for USDC)
	Type     AssetType
	Metadata AssetMetadata
}

// AssetType categorizes the asset.
type AssetType int

const (
	AssetTypeFiat  AssetType = iota // Off-chain fiat currency used only for quoting
	AssetTypeToken                  // On-chain EIP-3009 token
)

// AssetMetadata contains chain-specific information for token assets.
type AssetMetadata struct {
	FiatCurrency  string // lowercase ISO 4217 code, e.g. "usd"
	ChainNetwork  string // network name the token address belongs to, e.g. "base-sepolia"
	TokenContract string // checksummed hex contract address
}

var (
	assetRegistry = map[string]Asset{
		"USD": {
			Code:     "USD",
			Decimals: 2,
			Type:     AssetTypeFiat,
			Metadata: AssetMetadata{FiatCurrency: "usd"},
		},
		"EUR": {
			Code:     "EUR",
			Decimals: 2,
			Type:     AssetTypeFiat,
			Metadata: AssetMetadata{FiatCurrency: "eur"},
		},
		"USDC": {
			Code:     "USDC",
			Decimals: 6,
			Type:     AssetTypeToken,
		},
	}
	assetRegistryMu sync.RWMutex
)

// GetAsset retrieves an asset from the registry.
func GetAsset(code string) (Asset, error) {
	assetRegistryMu.RLock()
	asset, ok := assetRegistry[code]
	assetRegistryMu.RUnlock()

	if !ok {
		return Asset{}, fmt.Errorf("money: unknown asset: %s", code)
	}
	return asset, nil
}

// MustGetAsset retrieves an asset and panics if not found (for tests/constants).
func MustGetAsset(code string) Asset {
	asset, err := GetAsset(code)
	if err != nil {
		panic(err)
	}
	return asset
}

// RegisterAsset adds a new asset to the registry (for testing or dynamic tokens).
func RegisterAsset(asset Asset) error {
	if asset.Code == "" {
		return fmt.Errorf("money: asset code required")
	}
	if asset.Decimals > 18 {
		return fmt.Errorf("money: decimals must be <= 18")
	}

	assetRegistryMu.Lock()
	assetRegistry[asset.Code] = asset
	assetRegistryMu.Unlock()

	return nil
}

// ListAssets returns all registered assets.
func ListAssets() []Asset {
	assetRegistryMu.RLock()
	assets := make([]Asset, 0, len(assetRegistry))
	for _, asset := range assetRegistry {
		assets = append(assets, asset)
	}
	assetRegistryMu.RUnlock()

	return assets
}

// IsFiat returns true if the asset is an off-chain fiat currency.
func (a Asset) IsFiat() bool {
	return a.Type == AssetTypeFiat
}

// IsToken returns true if the asset is an on-chain token.
func (a Asset) IsToken() bool {
	return a.Type == AssetTypeToken
}

// GetFiatCurrency returns the ISO currency code or error.
func (a Asset) GetFiatCurrency() (string, error) {
	if !a.IsFiat() {
		return "", fmt.Errorf("money: %s is not a fiat currency", a.Code)
	}
	return a.Metadata.FiatCurrency, nil
}

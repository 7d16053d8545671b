package x402evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// transferWithAuthorizationTypes is the EIP-712 type set for USDC's
// transferWithAuthorization, shared by every network since the struct shape
// never varies across deployments.
var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// maxUint256 bounds wire amounts at 2^256-1 per the authorization invariant.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// BuildDigest computes the 32-byte EIP-712 digest for a TransferWithAuthorization
// message under the given network's domain. Returns ErrAmountOutOfRange if
// authorization.Value falls outside [0, 2^256-1].
func BuildDigest(network NetworkDescriptor, auth Authorization) ([32]byte, error) {
	value := new(big.Int)
	if _, ok := value.SetString(auth.Value, 10); !ok {
		return [32]byte{}, fmt.Errorf("x402evm: value %q is not a base-10 integer", auth.Value)
	}
	if value.Sign() < 0 || value.Cmp(maxUint256) > 0 {
		return [32]byte{}, ErrAmountOutOfRange
	}

	typedData := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              network.TokenName,
			Version:           network.TokenVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(network.ChainID)),
			VerifyingContract: network.TokenContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(big.NewInt(auth.ValidAfter)),
			"validBefore": (*math.HexOrDecimal256)(big.NewInt(auth.ValidBefore)),
			"nonce":       auth.Nonce,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x402evm: build digest: %w", err)
	}

	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

// ErrAmountOutOfRange is returned when an authorization's value exceeds the
// 256-bit range on-chain amounts are bound to.
var ErrAmountOutOfRange = fmt.Errorf("x402evm: amount out of range")

package submitter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// transferWithAuthorizationABIJSON describes the single EIP-3009 method the
// Submitter calls. The facilitator never deploys or reads any other contract
// function, so the ABI is pinned here rather than loaded from a file.
const transferWithAuthorizationABIJSON = `[{
	"inputs": [
		{"internalType": "address", "name": "from", "type": "address"},
		{"internalType": "address", "name": "to", "type": "address"},
		{"internalType": "uint256", "name": "value", "type": "uint256"},
		{"internalType": "uint256", "name": "validAfter", "type": "uint256"},
		{"internalType": "uint256", "name": "validBefore", "type": "uint256"},
		{"internalType": "bytes32", "name": "nonce", "type": "bytes32"},
		{"internalType": "uint8", "name": "v", "type": "uint8"},
		{"internalType": "bytes32", "name": "r", "type": "bytes32"},
		{"internalType": "bytes32", "name": "s", "type": "bytes32"}
	],
	"name": "transferWithAuthorization",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

func loadTransferWithAuthorizationABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(transferWithAuthorizationABIJSON))
}

func packTransferWithAuthorization(
	contractABI abi.ABI,
	from, to common.Address,
	value, validAfter, validBefore *big.Int,
	nonce [32]byte,
	v uint8,
	r, s [32]byte,
) ([]byte, error) {
	return contractABI.Pack("transferWithAuthorization", from, to, value, validAfter, validBefore, nonce, v, r, s)
}

// splitSignature breaks a 65-byte (r, s, v) signature into the shapes the
// on-chain transferWithAuthorization call expects, normalizing v to 27/28.
func splitSignature(sig []byte) (r [32]byte, s [32]byte, v uint8, err error) {
	if len(sig) != 65 {
		return r, s, 0, fmt.Errorf("submitter: signature must be 65 bytes, got %d", len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v == 0 || v == 1 {
		v += 27
	}
	return r, s, v, nil
}

// hexToBytes32 decodes a 0x-prefixed 32-byte hex string, the wire shape of an
// EIP-3009 nonce.
func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	b := common.FromHex("0x" + s)
	if len(b) != 32 {
		return out, fmt.Errorf("submitter: nonce must decode to 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

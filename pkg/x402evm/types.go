// Package x402evm implements the x402 V2 protocol's verification primitives
// over EIP-3009 transferWithAuthorization on EVM-compatible chains.
package x402evm

import "github.com/ethereum/go-ethereum/common"

// NetworkDescriptor is a static, never-mutated-at-runtime binding between a
// network id and the EIP-712 domain of its USDC deployment.
type NetworkDescriptor struct {
	ID            string
	ChainID       uint64
	TokenContract common.Address
	TokenName     string
	TokenVersion  string
	USDCDecimals  uint8
}

// Authorization is the EIP-3009 TransferWithAuthorization payload.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"` // decimal string, <= 2^256-1
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"` // 32-byte hex
}

// PaymentPayloadData is the scheme-specific "payload" field of PaymentPayload.
type PaymentPayloadData struct {
	Signature     string        `json:"signature"` // 65-byte hex
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int                `json:"x402Version"`
	Scheme      string             `json:"scheme"`
	Network     string             `json:"network"`
	Payload     PaymentPayloadData `json:"payload"`
}

// RequirementExtra carries the EIP-712 domain parameters the client needs to
// construct a matching signature, plus the quote's expiry.
type RequirementExtra struct {
	ExpiresAt int64  `json:"expiresAt"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// PaymentRequirement describes what a client must pay to access a resource.
type PaymentRequirement struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description"`
	PayTo             string           `json:"payTo"`
	Asset             string           `json:"asset"`
	Extra             RequirementExtra `json:"extra"`
}

// PaymentRequired is the 402 challenge envelope.
type PaymentRequired struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentResponse is the content of the X-PAYMENT-RESPONSE header emitted
// after a successful settlement.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Network     string `json:"network,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// VerifyOutcome is the result of a Verifier check.
type VerifyOutcome struct {
	Valid  bool
	Payer  string
	Reason string // populated when Valid is false; one of the reason tokens in internal/errors
}

package x402evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402evm/facilitator/internal/errors"
	"github.com/x402evm/facilitator/internal/storage"
)

// secp256k1HalfN is the upper bound for a non-malleable s value per EIP-2:
// signatures with s > halfN are rejected rather than normalized, since the
// facilitator must bind to exactly the signature the payer produced.
var secp256k1HalfN = new(big.Int).Rsh(new(big.Int).Set(crypto.S256().Params().N), 1)

// RecoverSigner performs ECDSA recovery on secp256k1 for digest and a 65-byte
// (r, s, v) signature, enforcing EIP-2 low-s and v normalization. It is a
// pure function of its inputs; no private key material is ever involved.
func RecoverSigner(digest [32]byte, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", NewVerificationError(errors.ErrCodeMalformedPayload, fmt.Errorf("signature must be 65 bytes, got %d", len(signature)))
	}

	v := signature[64]
	if v == 0 || v == 1 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", NewVerificationError(errors.ErrCodeInvalidSignature, fmt.Errorf("invalid recovery id %d", v))
	}

	s := new(big.Int).SetBytes(signature[32:64])
	if s.Cmp(secp256k1HalfN) > 0 {
		return "", NewVerificationError(errors.ErrCodeMalleableSignature, fmt.Errorf("s value exceeds secp256k1 half order"))
	}

	// crypto.Ecrecover expects the recovery id as the last byte, 0 or 1.
	recoverable := make([]byte, 65)
	copy(recoverable[:64], signature[:64])
	recoverable[64] = v - 27

	pubKey, err := crypto.Ecrecover(digest[:], recoverable)
	if err != nil {
		return "", NewVerificationError(errors.ErrCodeInvalidSignature, err)
	}

	addrBytes := crypto.Keccak256(pubKey[1:])[12:]
	return common.BytesToAddress(addrBytes).Hex(), nil
}

// VerifierConfig carries the tunables the fail-fast check order needs.
type VerifierConfig struct {
	ClockSkew            time.Duration
	MinRemainingLifetime time.Duration
}

// Verifier runs the eight-step fail-fast check order against a decoded
// payment payload and the requirement it must satisfy.
type Verifier struct {
	registry *DomainRegistry
	nonces   storage.NonceLedger
	cfg      VerifierConfig
	now      func() time.Time
}

// NewVerifier builds a Verifier. now defaults to time.Now if nil, letting
// tests inject a fixed clock.
func NewVerifier(registry *DomainRegistry, nonces storage.NonceLedger, cfg VerifierConfig, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{registry: registry, nonces: nonces, cfg: cfg, now: now}
}

// Verify runs the checks cheapest-first and reserves the nonce only once
// every earlier check has passed, so a malformed or rejected payload never
// consumes a nonce.
func (v *Verifier) Verify(ctx context.Context, payload PaymentPayload, requirement PaymentRequirement) (VerifyOutcome, error) {
	return v.verify(ctx, payload, requirement, true)
}

// Precheck runs the same checks as Verify but only observes the nonce ledger
// instead of reserving, so a client can pre-validate an authorization and
// still settle it afterwards.
func (v *Verifier) Precheck(ctx context.Context, payload PaymentPayload, requirement PaymentRequirement) (VerifyOutcome, error) {
	return v.verify(ctx, payload, requirement, false)
}

func (v *Verifier) verify(ctx context.Context, payload PaymentPayload, requirement PaymentRequirement, reserve bool) (VerifyOutcome, error) {
	// 1. Version
	if payload.X402Version != 2 {
		return v.invalid(errors.ErrCodeVersionMismatch, fmt.Sprintf("expected x402Version 2, got %d", payload.X402Version))
	}

	// 2. Scheme/network bind
	if payload.Scheme != requirement.Scheme {
		return v.invalid(errors.ErrCodeSchemeMismatch, fmt.Sprintf("payload scheme %q != requirement scheme %q", payload.Scheme, requirement.Scheme))
	}
	if payload.Network != requirement.Network {
		return v.invalid(errors.ErrCodeNetworkMismatch, fmt.Sprintf("payload network %q != requirement network %q", payload.Network, requirement.Network))
	}

	network, err := v.registry.Lookup(requirement.Network)
	if err != nil {
		return v.invalid(errors.ErrCodeUnknownNetwork, err.Error())
	}

	// 3. Shape
	auth := payload.Payload.Authorization
	sigBytes, err := hexToBytes(payload.Payload.Signature)
	if err != nil || len(sigBytes) != 65 {
		return v.invalid(errors.ErrCodeMalformedPayload, "signature must decode to exactly 65 bytes")
	}
	if auth.From == "" || auth.To == "" || auth.Value == "" || auth.Nonce == "" {
		return v.invalid(errors.ErrCodeMalformedPayload, "authorization is missing required fields")
	}

	// 4. Recipient bind
	if !strings.EqualFold(auth.To, requirement.PayTo) {
		return v.invalid(errors.ErrCodeRecipientMismatch, fmt.Sprintf("authorization recipient %s != required payTo %s", auth.To, requirement.PayTo))
	}

	// 5. Amount
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return v.invalid(errors.ErrCodeMalformedPayload, fmt.Sprintf("authorization value %q is not a base-10 integer", auth.Value))
	}
	required, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return v.invalid(errors.ErrCodeMalformedPayload, fmt.Sprintf("requirement maxAmountRequired %q is not a base-10 integer", requirement.MaxAmountRequired))
	}
	if value.Cmp(required) < 0 {
		return v.invalid(errors.ErrCodeInsufficientAmount, fmt.Sprintf("authorization value %s below required %s", value, required))
	}

	// 6. Time window
	now := v.now().Unix()
	skew := int64(v.cfg.ClockSkew.Seconds())
	minLifetime := int64(v.cfg.MinRemainingLifetime.Seconds())
	if auth.ValidAfter > now+skew {
		return v.invalid(errors.ErrCodeNotYetValid, fmt.Sprintf("authorization not valid until %d, now is %d", auth.ValidAfter, now))
	}
	if auth.ValidBefore < now-skew+minLifetime {
		return v.invalid(errors.ErrCodeExpired, fmt.Sprintf("authorization expires at %d, insufficient remaining lifetime at %d", auth.ValidBefore, now))
	}

	// 7. Digest and recovery
	digest, err := BuildDigest(network, auth)
	if err != nil {
		if err == ErrAmountOutOfRange {
			return v.invalid(errors.ErrCodeAmountOutOfRange, err.Error())
		}
		return v.invalid(errors.ErrCodeMalformedPayload, err.Error())
	}
	recovered, verr := RecoverSigner(digest, sigBytes)
	if verr != nil {
		if ve, ok := AsVerificationError(verr); ok {
			return v.invalid(ve.Code, ve.Error())
		}
		return v.invalid(errors.ErrCodeInvalidSignature, verr.Error())
	}
	if !strings.EqualFold(recovered, auth.From) {
		return v.invalid(errors.ErrCodeSignerMismatch, fmt.Sprintf("recovered signer %s != authorization from %s", recovered, auth.From))
	}

	// 8. Nonce freshness
	chainID := int64(network.ChainID)
	tokenContract := strings.ToLower(network.TokenContract.Hex())
	from := strings.ToLower(auth.From)
	nonce := strings.ToLower(auth.Nonce)
	if reserve {
		if err := v.nonces.Reserve(ctx, chainID, tokenContract, from, nonce); err != nil {
			if err == storage.ErrNonceAlreadyUsed {
				return v.invalid(errors.ErrCodeNonceReused, "authorization nonce already spent")
			}
			return VerifyOutcome{}, fmt.Errorf("x402evm: reserve nonce: %w", err)
		}
	} else {
		used, err := v.nonces.Used(ctx, chainID, tokenContract, from, nonce)
		if err != nil {
			return VerifyOutcome{}, fmt.Errorf("x402evm: check nonce: %w", err)
		}
		if used {
			return v.invalid(errors.ErrCodeNonceReused, "authorization nonce already spent")
		}
	}

	return VerifyOutcome{Valid: true, Payer: auth.From}, nil
}

func (v *Verifier) invalid(code errors.ErrorCode, reason string) (VerifyOutcome, error) {
	return VerifyOutcome{Valid: false, Reason: string(code)}, NewVerificationError(code, fmt.Errorf("%s", reason))
}

func hexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return hex.DecodeString(s)
}

package submitter

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidPrivateKey is returned when the configured relayer key cannot be
// parsed as a secp256k1 private key.
var ErrInvalidPrivateKey = errors.New("submitter: invalid private key")

// Signer signs the outer Ethereum transaction that carries a
// transferWithAuthorization call, on behalf of the facilitator's own
// relaying wallet. This is distinct from the payer's EIP-712 signature over
// the authorization itself, which the Verifier recovers without ever
// touching a private key.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// PrivateKeySigner signs with a raw hex-encoded secp256k1 private key held in
// process memory, adapted from the payer-facing PrivateKeySigner pattern to
// sign raw transactions instead of EIP-712 typed data.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPrivateKeySigner parses a hex-encoded private key, with or without a 0x
// prefix.
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0X")

	keyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	return &PrivateKeySigner{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *PrivateKeySigner) Address() common.Address { return s.address }

func (s *PrivateKeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.privateKey)
}

// MockSigner signs with an ephemeral key generated at construction time, for
// tests that need internally-consistent signatures without reading
// configuration or environment secrets.
type MockSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewMockSigner generates a fresh key pair for the lifetime of the signer.
func NewMockSigner() (*MockSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("submitter: generate mock key: %w", err)
	}
	return &MockSigner{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *MockSigner) Address() common.Address { return s.address }

func (s *MockSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.privateKey)
}

package submitter

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/x402evm/facilitator/internal/circuitbreaker"
	errcodes "github.com/x402evm/facilitator/internal/errors"
	"github.com/x402evm/facilitator/internal/metrics"
	"github.com/x402evm/facilitator/internal/rpcutil"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

// Config tunes broadcast and inclusion behavior shared across networks.
type Config struct {
	BroadcastTimeout       time.Duration
	InclusionTimeout       time.Duration
	GasLimit               uint64
	MaxReplacementAttempts int
}

// DefaultConfig returns production-tested broadcast and inclusion defaults.
func DefaultConfig() Config {
	return Config{
		BroadcastTimeout:       15 * time.Second,
		InclusionTimeout:       30 * time.Second,
		GasLimit:               120_000,
		MaxReplacementAttempts: 3,
	}
}

// NetworkEndpoint describes one chain's RPC endpoint and the USDC contract
// the Submitter calls on it.
type NetworkEndpoint struct {
	NetworkID     string
	ChainID       int64
	RPCURL        string
	TokenContract common.Address
}

type networkClient struct {
	client        *ethclient.Client
	chainID       *big.Int
	tokenContract common.Address
}

// Submitter broadcasts transferWithAuthorization calls and polls for their
// inclusion, one ethclient connection per configured network.
type Submitter struct {
	clients map[string]*networkClient
	signer  Signer
	nonces  *NonceManager
	abi     abi.ABI
	breaker *circuitbreaker.Manager
	metrics *metrics.Metrics
	cfg     Config
}

// New dials every configured network's RPC endpoint and returns a ready
// Submitter. Dialing happens eagerly so a misconfigured RPC URL fails at
// startup rather than on the first settlement.
func New(endpoints []NetworkEndpoint, signer Signer, breaker *circuitbreaker.Manager, m *metrics.Metrics, cfg Config) (*Submitter, error) {
	contractABI, err := loadTransferWithAuthorizationABI()
	if err != nil {
		return nil, fmt.Errorf("submitter: load abi: %w", err)
	}

	clients := make(map[string]*networkClient, len(endpoints))
	for _, ep := range endpoints {
		httpClient := &http.Client{Timeout: 30 * time.Second}
		rpcClient, err := rpc.DialHTTPWithClient(ep.RPCURL, httpClient)
		if err != nil {
			return nil, fmt.Errorf("submitter: dial %s: %w", ep.NetworkID, err)
		}
		clients[ep.NetworkID] = &networkClient{
			client:        ethclient.NewClient(rpcClient),
			chainID:       big.NewInt(ep.ChainID),
			tokenContract: ep.TokenContract,
		}
	}

	return &Submitter{
		clients: clients,
		signer:  signer,
		nonces:  NewNonceManager(),
		abi:     contractABI,
		breaker: breaker,
		metrics: m,
		cfg:     cfg,
	}, nil
}

// Close releases every underlying RPC connection.
func (s *Submitter) Close() error {
	for _, nc := range s.clients {
		nc.client.Close()
	}
	return nil
}

// Submit builds and broadcasts a transferWithAuthorization call for auth on
// networkID, returning the transaction hash as soon as it is accepted into
// the node's mempool. It tolerates mempool replacement on the facilitator's
// own outer nonce by re-seeding from the chain and retrying, making at most
// MaxReplacementAttempts broadcast attempts in all; a rejection of the inner
// EIP-3009 nonce is terminal.
func (s *Submitter) Submit(ctx context.Context, networkID string, auth x402evm.Authorization, signature []byte) (SubmitOutcome, error) {
	nc, ok := s.clients[networkID]
	if !ok {
		return SubmitOutcome{}, fmt.Errorf("submitter: unknown network %q", networkID)
	}

	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return SubmitOutcome{Rejected: true, Reason: string(errcodes.ErrCodeMalformedPayload)}, nil
	}

	nonce, err := hexToBytes32(auth.Nonce)
	if err != nil {
		return SubmitOutcome{Rejected: true, Reason: string(errcodes.ErrCodeMalformedPayload)}, nil
	}

	r, sig, v, err := splitSignature(signature)
	if err != nil {
		return SubmitOutcome{Rejected: true, Reason: string(errcodes.ErrCodeMalformedPayload)}, nil
	}

	data, err := packTransferWithAuthorization(s.abi, from, to, value, big.NewInt(auth.ValidAfter), big.NewInt(auth.ValidBefore), nonce, v, r, sig)
	if err != nil {
		return SubmitOutcome{}, fmt.Errorf("submitter: pack calldata: %w", err)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, s.cfg.BroadcastTimeout)
	defer cancel()

	maxAttempts := s.cfg.MaxReplacementAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		start := time.Now()
		txHash, err := s.broadcastOnce(broadcastCtx, networkID, nc, data)
		s.metrics.ObserveRPCCall("eth_sendRawTransaction", networkID, time.Since(start), err)

		if err == nil {
			s.metrics.ObserveBroadcast(networkID, time.Since(start))
			return SubmitOutcome{Accepted: true, TxHash: txHash}, nil
		}

		if isNonceUsedOnChain(err) {
			return SubmitOutcome{Rejected: true, Reason: string(errcodes.ErrCodeNonceReused)}, nil
		}

		lastErr = err
		if isReplaceableNonceError(err) {
			s.nonces.Reset(nc.chainID.Int64())
			continue
		}

		return SubmitOutcome{}, fmt.Errorf("submitter: broadcast: %w", err)
	}

	return SubmitOutcome{}, fmt.Errorf("submitter: exhausted %d replacement attempts: %w", maxAttempts, lastErr)
}

func (s *Submitter) broadcastOnce(ctx context.Context, networkID string, nc *networkClient, data []byte) (string, error) {
	result, err := s.breaker.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) {
		nonceVal, err := s.nonces.Next(ctx, nc.chainID.Int64(), s.signer.Address(), nc.client)
		if err != nil {
			return nil, fmt.Errorf("fetch nonce: %w", err)
		}

		gasPrice, err := rpcutil.WithRetry(ctx, func() (*big.Int, error) {
			return nc.client.SuggestGasPrice(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}

		tx := types.NewTransaction(nonceVal, nc.tokenContract, big.NewInt(0), s.cfg.GasLimit, gasPrice, data)
		signedTx, err := s.signer.SignTx(tx, nc.chainID)
		if err != nil {
			return nil, fmt.Errorf("sign tx: %w", err)
		}

		if err := nc.client.SendTransaction(ctx, signedTx); err != nil {
			return nil, err
		}

		return signedTx.Hash().Hex(), nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// inclusionPollInterval is how often AwaitInclusion re-checks for a receipt.
const inclusionPollInterval = 1 * time.Second

// AwaitInclusion polls networkID for txHash's inclusion until it confirms,
// reverts, or timeout elapses. Polling rather than subscribing keeps this
// safe to call from a fresh request after the broadcasting request has
// already returned, since the two need not share a process-local tx handle.
func (s *Submitter) AwaitInclusion(ctx context.Context, networkID, txHash string, timeout time.Duration) (Inclusion, error) {
	nc, ok := s.clients[networkID]
	if !ok {
		return Inclusion{}, fmt.Errorf("submitter: unknown network %q", networkID)
	}
	if timeout <= 0 {
		timeout = s.cfg.InclusionTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(inclusionPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := nc.client.TransactionReceipt(waitCtx, hash)
		if err == nil {
			s.metrics.ObserveInclusion(networkID, time.Since(start))
			if receipt.Status == types.ReceiptStatusSuccessful {
				return Inclusion{Status: InclusionConfirmed, BlockNumber: receipt.BlockNumber.Uint64()}, nil
			}
			return Inclusion{Status: InclusionReverted, BlockNumber: receipt.BlockNumber.Uint64(), Reason: "transaction reverted"}, nil
		}
		if err != ethereum.NotFound {
			return Inclusion{}, fmt.Errorf("submitter: fetch receipt: %w", err)
		}

		select {
		case <-waitCtx.Done():
			return Inclusion{Status: InclusionTimeout}, nil
		case <-ticker.C:
		}
	}
}

func isNonceUsedOnChain(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authorization is used") || strings.Contains(msg, "authorizationstate")
}

func isReplaceableNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "already known") || strings.Contains(msg, "replacement transaction underpriced")
}

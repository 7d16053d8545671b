package submitter

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceSource is the subset of ethclient.Client the NonceManager needs to
// seed a chain's outer nonce from the node's view of the pending count.
type nonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out the facilitator relaying wallet's own transaction
// nonce per chain. A single mutex serializes access across chains since
// broadcasts across networks are rare enough that per-chain locks would add
// complexity without a measurable benefit.
type NonceManager struct {
	mu     sync.Mutex
	seeded map[int64]bool
	next   map[int64]uint64
}

// NewNonceManager creates an empty manager; each chain is seeded lazily on
// its first Next call.
func NewNonceManager() *NonceManager {
	return &NonceManager{
		seeded: make(map[int64]bool),
		next:   make(map[int64]uint64),
	}
}

// Next returns the nonce to use for chainID, fetching the node's pending
// nonce count the first time the chain is seen and incrementing locally
// thereafter.
func (m *NonceManager) Next(ctx context.Context, chainID int64, account common.Address, source nonceSource) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seeded[chainID] {
		pending, err := source.PendingNonceAt(ctx, account)
		if err != nil {
			return 0, err
		}
		m.next[chainID] = pending
		m.seeded[chainID] = true
	}

	n := m.next[chainID]
	m.next[chainID] = n + 1
	return n, nil
}

// Reset forces the next Next call for chainID to re-seed from the node,
// used after a "nonce too low" or "already known" broadcast rejection.
func (m *NonceManager) Reset(chainID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeded[chainID] = false
}

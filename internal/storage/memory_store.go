package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store backed by maps guarded by a mutex.
// Intended for tests and local development; not durable across restarts.
type MemoryStore struct {
	mu sync.Mutex

	payments map[string]Payment            // paymentID -> record
	byKey    map[idempotencyKey]string     // idempotency key -> paymentID
	nonces   map[idempotencyKey]time.Time  // reserved nonce tuples
}

type idempotencyKey struct {
	chainID       int64
	tokenContract string
	from          string
	nonce         string
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]Payment),
		byKey:    make(map[idempotencyKey]string),
		nonces:   make(map[idempotencyKey]time.Time),
	}
}

func keyFor(chainID int64, tokenContract, from, nonce string) idempotencyKey {
	return idempotencyKey{chainID: chainID, tokenContract: tokenContract, from: from, nonce: nonce}
}

func (s *MemoryStore) Create(ctx context.Context, record Payment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyFor(record.ChainID, record.TokenContract, record.From, record.Nonce)
	if _, exists := s.byKey[k]; exists {
		return "", ErrAlreadyExists
	}

	record.PaymentID = uuid.NewString()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = StatusPending
	}

	s.payments[record.PaymentID] = record
	s.byKey[k] = record.PaymentID

	return record.PaymentID, nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, chainID int64, tokenContract, from, nonce string) (Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[keyFor(chainID, tokenContract, from, nonce)]
	if !ok {
		return Payment{}, false, nil
	}
	return s.payments[id], true, nil
}

func (s *MemoryStore) Get(ctx context.Context, paymentID string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) Transition(ctx context.Context, paymentID string, fromStatus, toStatus PaymentStatus, patch PaymentPatch) error {
	if !validTransition(fromStatus, toStatus) {
		return ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != fromStatus {
		return ErrStaleTransition
	}

	p.Status = toStatus
	if patch.TxHash != nil {
		p.TxHash = *patch.TxHash
	}
	if patch.ErrorKind != nil {
		p.ErrorKind = *patch.ErrorKind
	}
	if patch.ErrorMessage != nil {
		p.ErrorMessage = *patch.ErrorMessage
	}
	if patch.VerifiedAt != nil {
		p.VerifiedAt = patch.VerifiedAt
	}
	if patch.SubmittedAt != nil {
		p.SubmittedAt = patch.SubmittedAt
	}
	if patch.SettledAt != nil {
		p.SettledAt = patch.SettledAt
	}

	s.payments[paymentID] = p
	return nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context, olderThan time.Time) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Payment
	for _, p := range s.payments {
		if !p.Status.IsTerminal() && p.CreatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, chainID int64, tokenContract, from, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyFor(chainID, tokenContract, from, nonce)
	if _, exists := s.nonces[k]; exists {
		return ErrNonceAlreadyUsed
	}
	s.nonces[k] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Used(ctx context.Context, chainID int64, tokenContract, from, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.nonces[keyFor(chainID, tokenContract, from, nonce)]
	return exists, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ fmt.Stringer = PaymentStatus("")

func (s PaymentStatus) String() string { return string(s) }

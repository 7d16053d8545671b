package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/x402evm/facilitator/internal/config"
)

// ErrNotFound is returned when a requested payment is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned by PaymentStore.Create when a payment with the
// same idempotency key already exists.
var ErrAlreadyExists = errors.New("storage: payment already exists")

// ErrStaleTransition is returned by PaymentStore.Transition when the stored
// status no longer matches fromStatus (a concurrent caller won the race).
var ErrStaleTransition = errors.New("storage: stale transition")

// ErrNonceAlreadyUsed is returned by NonceLedger.Reserve when the four-field
// idempotency key has already been recorded.
var ErrNonceAlreadyUsed = errors.New("storage: nonce already used")

// ErrInvalidTransition is returned by PaymentStore.Transition when the
// (fromStatus, toStatus) pair is not an edge of the payment state machine.
var ErrInvalidTransition = errors.New("storage: invalid status transition")

// PaymentStatus is the Payment record's lifecycle state. Settled is terminal;
// Failed, Expired, and Rejected are also terminal but reached without ever
// broadcasting successfully.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusVerified  PaymentStatus = "verified"
	StatusSubmitted PaymentStatus = "submitted"
	StatusSettled   PaymentStatus = "settled"
	StatusFailed    PaymentStatus = "failed"
	StatusExpired   PaymentStatus = "expired"
	StatusRejected  PaymentStatus = "rejected"
)

// IsTerminal reports whether no further transition is permitted from this status.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusFailed, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// allowedTransitions is the payment state machine's edge set. Every backend's
// Transition rejects pairs outside it so an errant caller cannot, for
// example, resurrect a settled payment.
var allowedTransitions = map[PaymentStatus]map[PaymentStatus]bool{
	StatusPending:   {StatusVerified: true, StatusRejected: true},
	StatusVerified:  {StatusSubmitted: true, StatusExpired: true, StatusFailed: true},
	StatusSubmitted: {StatusSettled: true, StatusFailed: true},
}

// validTransition reports whether fromStatus -> toStatus is a permitted edge.
func validTransition(fromStatus, toStatus PaymentStatus) bool {
	return allowedTransitions[fromStatus][toStatus]
}

// Payment is the audit log entry owned by the PaymentStore. ChainID,
// TokenContract, From, and Nonce together form the idempotency key; the
// pair is unique for the lifetime of the authorization domain.
type Payment struct {
	PaymentID string

	ChainID       int64
	TokenContract string
	From          string
	Nonce         string

	To          string
	Amount      string // base-10 smallest-units decimal string, bounded by 2^256-1
	ValidAfter  int64
	ValidBefore int64
	Resource    string

	Status PaymentStatus
	TxHash string

	ErrorKind    string
	ErrorMessage string

	CreatedAt  time.Time
	VerifiedAt *time.Time
	SubmittedAt *time.Time
	SettledAt   *time.Time
}

// PaymentPatch carries the fields a Transition call is permitted to set for
// its target status; nil fields are left unchanged.
type PaymentPatch struct {
	TxHash       *string
	ErrorKind    *string
	ErrorMessage *string
	VerifiedAt   *time.Time
	SubmittedAt  *time.Time
	SettledAt    *time.Time
}

// PaymentStore is the durable audit log of payments with state-machine
// transitions.
type PaymentStore interface {
	// Create inserts a record with status Pending, enforcing uniqueness on
	// (chainId, tokenContract, from, nonce). Returns ErrAlreadyExists on
	// conflict so the caller can fall back to FindByIdempotencyKey.
	Create(ctx context.Context, record Payment) (paymentID string, err error)

	// FindByIdempotencyKey looks up a payment by its four-field key.
	FindByIdempotencyKey(ctx context.Context, chainID int64, tokenContract, from, nonce string) (Payment, bool, error)

	// Get retrieves a payment by its locally unique ID.
	Get(ctx context.Context, paymentID string) (Payment, error)

	// Transition performs a compare-and-swap on status; the patch sets only
	// the fields permitted by toStatus. Returns ErrStaleTransition if the
	// stored status no longer matches fromStatus.
	Transition(ctx context.Context, paymentID string, fromStatus, toStatus PaymentStatus, patch PaymentPatch) error

	// ListInFlight returns payments stuck in a non-terminal status older
	// than the given time, for the background reconciler.
	ListInFlight(ctx context.Context, olderThan time.Time) ([]Payment, error)

	Close() error
}

// NonceLedger records consumed (chainId, tokenContract, from, nonce) tuples
// and rejects duplicates. It mirrors on-chain nonce consumption so replays
// are caught before any chain I/O happens.
type NonceLedger interface {
	// Reserve atomically inserts the key. Returns ErrNonceAlreadyUsed if the
	// row already exists.
	Reserve(ctx context.Context, chainID int64, tokenContract, from, nonce string) error

	// Used reports whether the key has already been reserved, without
	// reserving it. Backs read-only verification.
	Used(ctx context.Context, chainID int64, tokenContract, from, nonce string) (bool, error)

	Close() error
}

// Store combines PaymentStore and NonceLedger behind a single backing
// connection (one Postgres pool, one Mongo client, or one in-memory map set).
type Store interface {
	PaymentStore
	NonceLedger
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	PaymentsTable   string // Default: "payments"
	NoncesTable     string // Default: "nonces"
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database
// pool. If sharedDB is non-nil for the postgres backend, it is used instead
// of opening a new connection.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	paymentsTable := cfg.PaymentsTable
	if paymentsTable == "" {
		paymentsTable = "payments"
	}
	noncesTable := cfg.NoncesTable
	if noncesTable == "" {
		noncesTable = "nonces"
	}

	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var store *PostgresStore
		var err error
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB, paymentsTable, noncesTable)
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool, paymentsTable, noncesTable)
		}
		return store, err
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase, paymentsTable, noncesTable)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

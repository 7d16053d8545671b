package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/x402evm/facilitator/internal/config"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db            *sql.DB
	ownsDB        bool // track if we created the DB connection (for Close())
	paymentsTable string
	noncesTable   string
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, paymentsTable, noncesTable string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{
		db:            db,
		ownsDB:        true,
		paymentsTable: paymentsTable,
		noncesTable:   noncesTable,
	}

	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing
// connection pool, allowing it to be shared with other repositories.
func NewPostgresStoreWithDB(db *sql.DB, paymentsTable, noncesTable string) (*PostgresStore, error) {
	store := &PostgresStore{
		db:            db,
		ownsDB:        false,
		paymentsTable: paymentsTable,
		noncesTable:   noncesTable,
	}

	if err := store.createTables(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			payment_id TEXT PRIMARY KEY,
			chain_id BIGINT NOT NULL,
			token_contract TEXT NOT NULL,
			from_address TEXT NOT NULL,
			nonce TEXT NOT NULL,
			to_address TEXT NOT NULL,
			amount TEXT NOT NULL,
			valid_after BIGINT NOT NULL,
			valid_before BIGINT NOT NULL,
			resource TEXT NOT NULL,
			status TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			verified_at TIMESTAMPTZ,
			submitted_at TIMESTAMPTZ,
			settled_at TIMESTAMPTZ,
			UNIQUE (chain_id, token_contract, from_address, nonce)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status, created_at);

		CREATE TABLE IF NOT EXISTS %s (
			chain_id BIGINT NOT NULL,
			token_contract TEXT NOT NULL,
			from_address TEXT NOT NULL,
			nonce TEXT NOT NULL,
			reserved_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (chain_id, token_contract, from_address, nonce)
		);
	`, s.paymentsTable, s.paymentsTable, s.paymentsTable, s.noncesTable)

	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a Pending payment, enforcing uniqueness on the four-field
// idempotency key via the table's UNIQUE constraint.
func (s *PostgresStore) Create(ctx context.Context, record Payment) (string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	paymentID := uuid.NewString()
	status := record.Status
	if status == "" {
		status = StatusPending
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (payment_id, chain_id, token_contract, from_address, nonce,
			to_address, amount, valid_after, valid_before, resource, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (chain_id, token_contract, from_address, nonce) DO NOTHING
	`, s.paymentsTable)

	result, err := s.db.ExecContext(ctx, query,
		paymentID, record.ChainID, record.TokenContract, record.From, record.Nonce,
		record.To, record.Amount, record.ValidAfter, record.ValidBefore, record.Resource, status,
	)
	if err != nil {
		return "", err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return "", ErrAlreadyExists
	}

	return paymentID, nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, chainID int64, tokenContract, from, nonce string) (Payment, bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT payment_id, chain_id, token_contract, from_address, nonce, to_address, amount,
			valid_after, valid_before, resource, status, tx_hash, error_kind, error_message,
			created_at, verified_at, submitted_at, settled_at
		FROM %s WHERE chain_id = $1 AND token_contract = $2 AND from_address = $3 AND nonce = $4
	`, s.paymentsTable)

	p, err := s.scanPayment(s.db.QueryRowContext(ctx, query, chainID, tokenContract, from, nonce))
	if err == sql.ErrNoRows {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, err
	}
	return p, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, paymentID string) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT payment_id, chain_id, token_contract, from_address, nonce, to_address, amount,
			valid_after, valid_before, resource, status, tx_hash, error_kind, error_message,
			created_at, verified_at, submitted_at, settled_at
		FROM %s WHERE payment_id = $1
	`, s.paymentsTable)

	p, err := s.scanPayment(s.db.QueryRowContext(ctx, query, paymentID))
	if err == sql.ErrNoRows {
		return Payment{}, ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanPayment(row rowScanner) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.PaymentID, &p.ChainID, &p.TokenContract, &p.From, &p.Nonce, &p.To, &p.Amount,
		&p.ValidAfter, &p.ValidBefore, &p.Resource, &p.Status, &p.TxHash, &p.ErrorKind, &p.ErrorMessage,
		&p.CreatedAt, &p.VerifiedAt, &p.SubmittedAt, &p.SettledAt,
	)
	return p, err
}

// Transition performs a compare-and-swap on status, mirroring the nonce
// consumption pattern: an UPDATE guarded by the expected current status, with
// RowsAffected used to detect whether another caller already won the race.
func (s *PostgresStore) Transition(ctx context.Context, paymentID string, fromStatus, toStatus PaymentStatus, patch PaymentPatch) error {
	if !validTransition(fromStatus, toStatus) {
		return ErrInvalidTransition
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $1,
			tx_hash = COALESCE($2, tx_hash),
			error_kind = COALESCE($3, error_kind),
			error_message = COALESCE($4, error_message),
			verified_at = COALESCE($5, verified_at),
			submitted_at = COALESCE($6, submitted_at),
			settled_at = COALESCE($7, settled_at)
		WHERE payment_id = $8 AND status = $9
	`, s.paymentsTable)

	result, err := s.db.ExecContext(ctx, query,
		toStatus, patch.TxHash, patch.ErrorKind, patch.ErrorMessage,
		patch.VerifiedAt, patch.SubmittedAt, patch.SettledAt,
		paymentID, fromStatus,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := s.Get(ctx, paymentID); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrStaleTransition
	}

	return nil
}

func (s *PostgresStore) ListInFlight(ctx context.Context, olderThan time.Time) ([]Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT payment_id, chain_id, token_contract, from_address, nonce, to_address, amount,
			valid_after, valid_before, resource, status, tx_hash, error_kind, error_message,
			created_at, verified_at, submitted_at, settled_at
		FROM %s WHERE status NOT IN ($1, $2, $3, $4) AND created_at < $5
	`, s.paymentsTable)

	rows, err := s.db.QueryContext(ctx, query,
		StatusSettled, StatusFailed, StatusExpired, StatusRejected, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reserve atomically inserts the consumed nonce tuple, rejecting duplicates
// via the table's primary key on the four-field idempotency key.
func (s *PostgresStore) Reserve(ctx context.Context, chainID int64, tokenContract, from, nonce string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (chain_id, token_contract, from_address, nonce, reserved_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chain_id, token_contract, from_address, nonce) DO NOTHING
	`, s.noncesTable)

	result, err := s.db.ExecContext(ctx, query, chainID, tokenContract, from, nonce)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNonceAlreadyUsed
	}

	return nil
}

// Used reports whether the nonce tuple is already recorded, without writing.
func (s *PostgresStore) Used(ctx context.Context, chainID int64, tokenContract, from, nonce string) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE chain_id = $1 AND token_contract = $2 AND from_address = $3 AND nonce = $4
		)
	`, s.noncesTable)

	var used bool
	if err := s.db.QueryRowContext(ctx, query, chainID, tokenContract, from, nonce).Scan(&used); err != nil {
		return false, err
	}
	return used, nil
}

func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

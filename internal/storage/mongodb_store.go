package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client   *mongo.Client
	db       *mongo.Database
	payments *mongo.Collection
	nonces   *mongo.Collection
}

// paymentDoc is the BSON projection of Payment, an explicit persisted shape
// for the audit-sensitive collections rather than relying on the driver's
// default field mapping.
type paymentDoc struct {
	PaymentID     string     `bson:"_id"`
	ChainID       int64      `bson:"chain_id"`
	TokenContract string     `bson:"token_contract"`
	From          string     `bson:"from"`
	Nonce         string     `bson:"nonce"`
	To            string     `bson:"to"`
	Amount        string     `bson:"amount"`
	ValidAfter    int64      `bson:"valid_after"`
	ValidBefore   int64      `bson:"valid_before"`
	Resource      string     `bson:"resource"`
	Status        string     `bson:"status"`
	TxHash        string     `bson:"tx_hash"`
	ErrorKind     string     `bson:"error_kind"`
	ErrorMessage  string     `bson:"error_message"`
	CreatedAt     time.Time  `bson:"created_at"`
	VerifiedAt    *time.Time `bson:"verified_at,omitempty"`
	SubmittedAt   *time.Time `bson:"submitted_at,omitempty"`
	SettledAt     *time.Time `bson:"settled_at,omitempty"`
}

func toPaymentDoc(p Payment) paymentDoc {
	return paymentDoc{
		PaymentID: p.PaymentID, ChainID: p.ChainID, TokenContract: p.TokenContract,
		From: p.From, Nonce: p.Nonce, To: p.To, Amount: p.Amount,
		ValidAfter: p.ValidAfter, ValidBefore: p.ValidBefore, Resource: p.Resource,
		Status: string(p.Status), TxHash: p.TxHash, ErrorKind: p.ErrorKind, ErrorMessage: p.ErrorMessage,
		CreatedAt: p.CreatedAt, VerifiedAt: p.VerifiedAt, SubmittedAt: p.SubmittedAt, SettledAt: p.SettledAt,
	}
}

func fromPaymentDoc(d paymentDoc) Payment {
	return Payment{
		PaymentID: d.PaymentID, ChainID: d.ChainID, TokenContract: d.TokenContract,
		From: d.From, Nonce: d.Nonce, To: d.To, Amount: d.Amount,
		ValidAfter: d.ValidAfter, ValidBefore: d.ValidBefore, Resource: d.Resource,
		Status: PaymentStatus(d.Status), TxHash: d.TxHash, ErrorKind: d.ErrorKind, ErrorMessage: d.ErrorMessage,
		CreatedAt: d.CreatedAt, VerifiedAt: d.VerifiedAt, SubmittedAt: d.SubmittedAt, SettledAt: d.SettledAt,
	}
}

type nonceDoc struct {
	ID            string    `bson:"_id"`
	ChainID       int64     `bson:"chain_id"`
	TokenContract string    `bson:"token_contract"`
	From          string    `bson:"from"`
	Nonce         string    `bson:"nonce"`
	ReservedAt    time.Time `bson:"reserved_at"`
}

func nonceDocID(chainID int64, tokenContract, from, nonce string) string {
	return fmt.Sprintf("%d:%s:%s:%s", chainID, tokenContract, from, nonce)
}

// NewMongoDBStore creates a new MongoDB-backed store. paymentsCollection and
// noncesCollection name the collections (defaults "payments"/"nonces").
func NewMongoDBStore(connectionString, database, paymentsCollection, noncesCollection string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)

	store := &MongoDBStore{
		client:   client,
		db:       db,
		payments: db.Collection(paymentsCollection),
		nonces:   db.Collection(noncesCollection),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chain_id", Value: 1}, {Key: "token_contract", Value: 1}, {Key: "from", Value: 1}, {Key: "nonce", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create payments indexes: %w", err)
	}

	_, err = s.nonces.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chain_id", Value: 1}, {Key: "token_contract", Value: 1}, {Key: "from", Value: 1}, {Key: "nonce", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create nonces indexes: %w", err)
	}

	return nil
}

func (s *MongoDBStore) Create(ctx context.Context, record Payment) (string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	record.PaymentID = uuid.NewString()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = StatusPending
	}

	_, err := s.payments.InsertOne(ctx, toPaymentDoc(record))
	if mongo.IsDuplicateKeyError(err) {
		return "", ErrAlreadyExists
	}
	if err != nil {
		return "", err
	}

	return record.PaymentID, nil
}

func (s *MongoDBStore) FindByIdempotencyKey(ctx context.Context, chainID int64, tokenContract, from, nonce string) (Payment, bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"chain_id": chainID, "token_contract": tokenContract, "from": from, "nonce": nonce}
	var doc paymentDoc
	err := s.payments.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, err
	}
	return fromPaymentDoc(doc), true, nil
}

func (s *MongoDBStore) Get(ctx context.Context, paymentID string) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc paymentDoc
	err := s.payments.FindOne(ctx, bson.M{"_id": paymentID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	return fromPaymentDoc(doc), nil
}

// Transition performs a compare-and-swap on status by matching fromStatus in
// the filter, mirroring the status-guarded UPDATE in PostgresStore.Transition.
func (s *MongoDBStore) Transition(ctx context.Context, paymentID string, fromStatus, toStatus PaymentStatus, patch PaymentPatch) error {
	if !validTransition(fromStatus, toStatus) {
		return ErrInvalidTransition
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{"status": string(toStatus)}
	if patch.TxHash != nil {
		set["tx_hash"] = *patch.TxHash
	}
	if patch.ErrorKind != nil {
		set["error_kind"] = *patch.ErrorKind
	}
	if patch.ErrorMessage != nil {
		set["error_message"] = *patch.ErrorMessage
	}
	if patch.VerifiedAt != nil {
		set["verified_at"] = *patch.VerifiedAt
	}
	if patch.SubmittedAt != nil {
		set["submitted_at"] = *patch.SubmittedAt
	}
	if patch.SettledAt != nil {
		set["settled_at"] = *patch.SettledAt
	}

	filter := bson.M{"_id": paymentID, "status": string(fromStatus)}
	result, err := s.payments.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		if _, getErr := s.Get(ctx, paymentID); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrStaleTransition
	}

	return nil
}

func (s *MongoDBStore) ListInFlight(ctx context.Context, olderThan time.Time) ([]Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"status": bson.M{"$nin": []string{
			string(StatusSettled), string(StatusFailed), string(StatusExpired), string(StatusRejected),
		}},
		"created_at": bson.M{"$lt": olderThan},
	}

	cursor, err := s.payments.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []Payment
	for cursor.Next(ctx) {
		var doc paymentDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromPaymentDoc(doc))
	}
	return out, cursor.Err()
}

func (s *MongoDBStore) Reserve(ctx context.Context, chainID int64, tokenContract, from, nonce string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	doc := nonceDoc{
		ID:            nonceDocID(chainID, tokenContract, from, nonce),
		ChainID:       chainID,
		TokenContract: tokenContract,
		From:          from,
		Nonce:         nonce,
		ReservedAt:    time.Now().UTC(),
	}

	_, err := s.nonces.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrNonceAlreadyUsed
	}
	return err
}

// Used reports whether the nonce tuple is already recorded, without writing.
func (s *MongoDBStore) Used(ctx context.Context, chainID int64, tokenContract, from, nonce string) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	err := s.nonces.FindOne(ctx, bson.M{"_id": nonceDocID(chainID, tokenContract, from, nonce)}).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoDBStore)(nil)

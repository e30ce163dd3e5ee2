// Package mongo persists products, ledger entries and invoices in MongoDB.
// Units of work run as multi-document session transactions and every
// product or invoice write is a compare-and-set on its version field.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/shared"
)

const (
	productsCollection     = "products"
	transactionsCollection = "stock_transactions"
	invoicesCollection     = "invoices"
	idempotencyCollection  = "idempotency_keys"

	idempotencyTTL = 7 * 24 * time.Hour

	codeWriteConflict  = 112
	labelTransient     = "TransientTransactionError"
	labelUnknownCommit = "UnknownTransactionCommitResult"
)

// Store wraps a database handle.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New constructs Store over database name.
func New(client *mongo.Client, name string) *Store {
	return &Store{client: client, db: client.Database(name)}
}

// Ledger exposes the store as a ledger repository.
func (s *Store) Ledger() ledger.Repository { return ledgerRepo{s} }

// Invoices exposes the store as an invoice repository.
func (s *Store) Invoices() invoices.Repository { return invoiceRepo{s} }

// EnsureIndexes creates the secondary indexes listings rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(transactionsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "transaction_date", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "invoice_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("store/mongo: transaction indexes: %w", err)
	}
	_, err = s.db.Collection(invoicesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "number", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "due_date", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("store/mongo: invoice indexes: %w", err)
	}
	_, err = s.db.Collection(productsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("store/mongo: product indexes: %w", err)
	}
	// Keys expire on their own here; the Postgres backend prunes them from a job.
	_, err = s.db.Collection(idempotencyCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(idempotencyTTL / time.Second)),
	})
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(context.Context, *txRepo) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("store/mongo: start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txnOpts); err != nil {
			return fmt.Errorf("store/mongo: start transaction: %w", err)
		}
		if err := fn(sc, &txRepo{db: s.db}); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return mapError(err)
		}
		if err := sess.CommitTransaction(sc); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return mapError(err)
		}
		return nil
	})
}

// mapError translates driver errors into shared sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", shared.ErrNotFound, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	var labeled mongo.LabeledError
	if errors.As(err, &labeled) &&
		(labeled.HasErrorLabel(labelTransient) || labeled.HasErrorLabel(labelUnknownCommit)) {
		return fmt.Errorf("%w: %v", shared.ErrConcurrencyConflict, err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == codeWriteConflict {
		return fmt.Errorf("%w: %v", shared.ErrConcurrencyConflict, err)
	}
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if we.Code == codeWriteConflict {
				return fmt.Errorf("%w: %v", shared.ErrConcurrencyConflict, err)
			}
		}
	}
	return err
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s %s", shared.ErrNotFound, kind, id)
	}
	return mapError(err)
}

// txRepo operations must receive the session context so they join the open
// transaction.
type txRepo struct {
	db *mongo.Database
}

func (r *txRepo) InsertProduct(ctx context.Context, p ledger.Product) error {
	doc, err := newProductDoc(p)
	if err != nil {
		return err
	}
	_, err = r.db.Collection(productsCollection).InsertOne(ctx, doc)
	return mapError(err)
}

func (r *txRepo) GetProductForUpdate(ctx context.Context, productID string) (ledger.Product, error) {
	return findProduct(ctx, r.db, productID)
}

func (r *txRepo) SaveProductStock(ctx context.Context, p ledger.Product) error {
	res, err := r.db.Collection(productsCollection).UpdateOne(ctx,
		bson.M{"_id": p.ID, "version": p.Version - 1},
		bson.M{"$set": bson.M{
			"stock":            p.Stock,
			"version":          p.Version,
			"last_movement_at": p.LastMovementAt,
			"updated_at":       p.UpdatedAt,
		}})
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: product %s moved past version %d", shared.ErrConcurrencyConflict, p.ID, p.Version-1)
	}
	return nil
}

func (r *txRepo) DeleteProduct(ctx context.Context, productID string) error {
	res, err := r.db.Collection(productsCollection).DeleteOne(ctx, bson.M{"_id": productID})
	if err != nil {
		return mapError(err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: product %s", shared.ErrNotFound, productID)
	}
	return nil
}

func (r *txRepo) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	doc, err := newTransactionDoc(t)
	if err != nil {
		return err
	}
	_, err = r.db.Collection(transactionsCollection).InsertOne(ctx, doc)
	return mapError(err)
}

func (r *txRepo) GetTransactionForUpdate(ctx context.Context, transactionID string) (ledger.Transaction, error) {
	return findTransaction(ctx, r.db, transactionID)
}

func (r *txRepo) DeleteTransaction(ctx context.Context, transactionID string) error {
	res, err := r.db.Collection(transactionsCollection).DeleteOne(ctx, bson.M{"_id": transactionID})
	if err != nil {
		return mapError(err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: transaction %s", shared.ErrNotFound, transactionID)
	}
	return nil
}

func (r *txRepo) ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]ledger.Transaction, error) {
	return findTransactions(ctx, r.db, bson.M{"invoice_id": invoiceID}, 0)
}

func (r *txRepo) ListTransactionsByProduct(ctx context.Context, productID string) ([]ledger.Transaction, error) {
	return findTransactions(ctx, r.db, bson.M{"product_id": productID}, 0)
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv invoices.Invoice) error {
	doc, err := newInvoiceDoc(inv)
	if err != nil {
		return err
	}
	_, err = r.db.Collection(invoicesCollection).InsertOne(ctx, doc)
	return mapError(err)
}

func (r *txRepo) GetInvoiceForUpdate(ctx context.Context, invoiceID string) (invoices.Invoice, error) {
	return findInvoice(ctx, r.db, invoiceID)
}

func (r *txRepo) SaveInvoice(ctx context.Context, inv invoices.Invoice) error {
	doc, err := newInvoiceDoc(inv)
	if err != nil {
		return err
	}
	res, err := r.db.Collection(invoicesCollection).ReplaceOne(ctx,
		bson.M{"_id": inv.ID, "version": inv.Version - 1}, doc)
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: invoice %s moved past version %d", shared.ErrConcurrencyConflict, inv.ID, inv.Version-1)
	}
	return nil
}

func findProduct(ctx context.Context, db *mongo.Database, productID string) (ledger.Product, error) {
	var doc productDoc
	if err := db.Collection(productsCollection).FindOne(ctx, bson.M{"_id": productID}).Decode(&doc); err != nil {
		return ledger.Product{}, notFound(err, "product", productID)
	}
	return doc.product()
}

func findTransaction(ctx context.Context, db *mongo.Database, transactionID string) (ledger.Transaction, error) {
	var doc transactionDoc
	if err := db.Collection(transactionsCollection).FindOne(ctx, bson.M{"_id": transactionID}).Decode(&doc); err != nil {
		return ledger.Transaction{}, notFound(err, "transaction", transactionID)
	}
	return doc.transaction()
}

func findTransactions(ctx context.Context, db *mongo.Database, filter bson.M, limit int64) ([]ledger.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "transaction_date", Value: 1}, {Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return decodeTransactions(ctx, db, filter, opts)
}

func decodeTransactions(ctx context.Context, db *mongo.Database, filter bson.M, opts *options.FindOptions) ([]ledger.Transaction, error) {
	cur, err := db.Collection(transactionsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError(err)
	}
	var docs []transactionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapError(err)
	}
	out := make([]ledger.Transaction, 0, len(docs))
	for _, doc := range docs {
		t, err := doc.transaction()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func findInvoice(ctx context.Context, db *mongo.Database, invoiceID string) (invoices.Invoice, error) {
	var doc invoiceDoc
	if err := db.Collection(invoicesCollection).FindOne(ctx, bson.M{"_id": invoiceID}).Decode(&doc); err != nil {
		return invoices.Invoice{}, notFound(err, "invoice", invoiceID)
	}
	return doc.invoice()
}

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.s.withTx(ctx, func(sc context.Context, tx *txRepo) error { return fn(sc, tx) })
}

func (r ledgerRepo) GetProduct(ctx context.Context, productID string) (ledger.Product, error) {
	return findProduct(ctx, r.s.db, productID)
}

func (r ledgerRepo) GetTransaction(ctx context.Context, transactionID string) (ledger.Transaction, error) {
	return findTransaction(ctx, r.s.db, transactionID)
}

func (r ledgerRepo) ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]ledger.Transaction, error) {
	return findTransactions(ctx, r.s.db, bson.M{"invoice_id": invoiceID}, 0)
}

func (r ledgerRepo) ListTransactions(ctx context.Context, productID string, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := bson.M{"product_id": productID}
	window := bson.M{}
	if !filter.From.IsZero() {
		window["$gte"] = filter.From
	}
	if !filter.To.IsZero() {
		window["$lte"] = filter.To
	}
	if len(window) > 0 {
		query["transaction_date"] = window
	}
	limit := int64(filter.Limit)
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "transaction_date", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(limit)
	out, err := decodeTransactions(ctx, r.s.db, query, opts)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (r ledgerRepo) ListProductBalances(ctx context.Context) ([]ledger.ProductBalance, error) {
	cur, err := r.s.db.Collection(transactionsCollection).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$product_id"},
			{Key: "owner_id", Value: bson.D{{Key: "$first", Value: "$owner_id"}}},
			{Key: "sum", Value: bson.D{{Key: "$sum", Value: "$quantity_change"}}},
			{Key: "entries", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, mapError(err)
	}
	var sums []struct {
		ProductID string `bson:"_id"`
		OwnerID   string `bson:"owner_id"`
		Sum       int64  `bson:"sum"`
		Entries   int64  `bson:"entries"`
	}
	if err := cur.All(ctx, &sums); err != nil {
		return nil, mapError(err)
	}

	pcur, err := r.s.db.Collection(productsCollection).Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"_id": 1, "owner_id": 1, "stock": 1}).SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, mapError(err)
	}
	var products []productDoc
	if err := pcur.All(ctx, &products); err != nil {
		return nil, mapError(err)
	}

	balances := make([]ledger.ProductBalance, 0, len(products))
	index := make(map[string]int, len(products))
	for _, p := range products {
		index[p.ID] = len(balances)
		balances = append(balances, ledger.ProductBalance{ProductID: p.ID, OwnerID: p.OwnerID, Stock: p.Stock})
	}
	for _, sum := range sums {
		i, ok := index[sum.ProductID]
		if !ok {
			balances = append(balances, ledger.ProductBalance{ProductID: sum.ProductID, OwnerID: sum.OwnerID})
			i = len(balances) - 1
		}
		balances[i].LedgerSum = sum.Sum
		balances[i].Entries = sum.Entries
	}
	return balances, nil
}

type invoiceRepo struct{ s *Store }

func (r invoiceRepo) WithTx(ctx context.Context, fn func(context.Context, invoices.TxRepository) error) error {
	return r.s.withTx(ctx, func(sc context.Context, tx *txRepo) error { return fn(sc, tx) })
}

func (r invoiceRepo) GetInvoice(ctx context.Context, invoiceID string) (invoices.Invoice, error) {
	return findInvoice(ctx, r.s.db, invoiceID)
}

func (r invoiceRepo) ListOverdue(ctx context.Context, asOf time.Time, limit int) ([]invoices.Invoice, error) {
	opts := options.Find().SetSort(bson.M{"due_date": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.s.db.Collection(invoicesCollection).Find(ctx,
		bson.M{"status": string(invoices.StatusSent), "due_date": bson.M{"$ne": nil, "$lt": asOf}}, opts)
	if err != nil {
		return nil, mapError(err)
	}
	var docs []invoiceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapError(err)
	}
	out := make([]invoices.Invoice, 0, len(docs))
	for _, doc := range docs {
		inv, err := doc.invoice()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// IdempotencyStore records processed request keys in a collection whose _id
// is the key.
type IdempotencyStore struct {
	coll *mongo.Collection
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(s *Store) *IdempotencyStore {
	return &IdempotencyStore{coll: s.db.Collection(idempotencyCollection)}
}

// CheckAndInsert ensures key uniqueness.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if err := shared.ValidateIdempotencyKey(key, module); err != nil {
		return err
	}
	_, err := s.coll.InsertOne(ctx, bson.M{"_id": key, "module": module, "created_at": time.Now().UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return shared.ErrIdempotencyConflict
	}
	return err
}

// Delete removes a key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("%w: amount %s out of range", shared.ErrValidation, d)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}

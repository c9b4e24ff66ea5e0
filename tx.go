package objcache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Tx is the handle of an active transaction as seen by TxOverlayIndex.
type Tx interface {
	// ID identifies the transaction's overlay.
	ID() uuid.UUID
	// Worker is the identity used for the shared index lock.
	Worker() WorkerID
}

// Transaction is the default Tx: a time-ordered UUID and a dedicated
// WorkerID, so a transaction confined to one goroutine keeps its lock bias.
type Transaction struct {
	id     uuid.UUID
	worker WorkerID
}

// NewTransaction allocates a Transaction.
func NewTransaction() (*Transaction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("objcache: new transaction id: %w", err)
	}
	return &Transaction{id: id, worker: NewWorkerID()}, nil
}

func (t *Transaction) ID() uuid.UUID    { return t.id }
func (t *Transaction) Worker() WorkerID { return t.worker }

func (t *Transaction) String() string {
	return t.id.String()
}

// TxAccessor returns the transaction active for ctx, or nil.
type TxAccessor func(ctx context.Context) Tx

type txContextKey struct{}

// WithTx returns a copy of ctx carrying tx.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) Tx {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(txContextKey{}).(Tx)
	return tx
}

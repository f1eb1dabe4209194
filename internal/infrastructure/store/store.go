package store

import (
	"context"
	"errors"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/ledger"
	"github.com/example/groupbuy-ledger/internal/domain/order"
)

var (
	// ErrConflict is returned by RunTx when a conditioned write lost a race.
	// The whole transaction body must be executed again.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrDuplicateOrder is returned when CreateOrder targets an existing id.
	ErrDuplicateOrder = errors.New("order already exists")
)

// Tx is one optimistic unit of work. Reads see a snapshot; writes are buffered
// and applied at commit only if every record still has the version it had
// when it was read.
type Tx interface {
	// Ledger returns a private copy of the record, or an empty record with
	// Version 0 when none exists.
	Ledger(ctx context.Context, key ledger.Key) (*ledger.Record, error)

	// Order returns a private copy of the order or order.ErrOrderNotFound.
	Order(ctx context.Context, id string) (*order.Order, error)

	// PutLedger writes rec conditioned on rec.Version.
	PutLedger(rec *ledger.Record)

	// CreateOrder inserts o; the id must not exist.
	CreateOrder(o *order.Order)

	// UpdateOrder writes o conditioned on o.Version.
	UpdateOrder(o *order.Order)
}

// TxFunc is a transaction body. Returning an error aborts without writing.
type TxFunc func(ctx context.Context, tx Tx) error

// Store persists catalog rounds, orders and ledger records.
type Store interface {
	// RunTx executes fn once and commits its writes atomically.
	// Returns ErrConflict if another commit got there first.
	RunTx(ctx context.Context, fn TxFunc) error

	Round(ctx context.Context, productID, roundID string) (*catalog.SalesRound, error)
	PutRound(ctx context.Context, round *catalog.SalesRound) error

	GetOrder(ctx context.Context, id string) (*order.Order, error)

	// ListOrders returns up to limit orders after the cursor in a stable order,
	// plus the cursor for the next page ("" when there are no more pages).
	ListOrders(ctx context.Context, cursor string, limit int) ([]*order.Order, string, error)

	// GetLedger is a non-transactional read for display.
	GetLedger(ctx context.Context, key ledger.Key) (*ledger.Record, error)

	Close() error
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrRetryExhausted)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, order.ErrOrderNotFound) ||
		errors.Is(err, catalog.ErrRoundNotFound) ||
		errors.Is(err, catalog.ErrVariantGroupNotFound) ||
		errors.Is(err, catalog.ErrItemNotFound)
}

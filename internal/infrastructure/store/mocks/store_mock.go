package mocks

import (
	"context"
	"sync/atomic"

	"github.com/example/groupbuy-ledger/internal/domain/order"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
)

// ConflictStore wraps a store and fails every commit with ErrConflict.
// The transaction body still runs, so callers observe each attempt.
type ConflictStore struct {
	store.Store
	Calls atomic.Int32
}

func NewConflictStore(inner store.Store) *ConflictStore {
	return &ConflictStore{Store: inner}
}

func (m *ConflictStore) RunTx(ctx context.Context, fn store.TxFunc) error {
	m.Calls.Add(1)
	return m.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return store.ErrConflict
	})
}

// FailingStore wraps a store and returns Err from every RunTx and, when
// ListErr is set, from ListOrders.
type FailingStore struct {
	store.Store
	Err     error
	ListErr error
}

func (m *FailingStore) RunTx(ctx context.Context, fn store.TxFunc) error {
	if m.Err != nil {
		return m.Err
	}
	return m.Store.RunTx(ctx, fn)
}

func (m *FailingStore) ListOrders(ctx context.Context, cursor string, limit int) ([]*order.Order, string, error) {
	if m.ListErr != nil {
		return nil, "", m.ListErr
	}
	return m.Store.ListOrders(ctx, cursor, limit)
}

// InterleavingStore runs Interloper exactly once, after the first transaction
// body has finished reading and writing but before it commits. It makes a
// lost race deterministic. The interloper may itself go through this store;
// nested transactions are passed straight through.
type InterleavingStore struct {
	store.Store
	Interloper func(ctx context.Context) error

	fired       atomic.Bool
	InterlopErr error
}

func NewInterleavingStore(inner store.Store, interloper func(ctx context.Context) error) *InterleavingStore {
	return &InterleavingStore{Store: inner, Interloper: interloper}
}

func (m *InterleavingStore) RunTx(ctx context.Context, fn store.TxFunc) error {
	return m.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if m.fired.CompareAndSwap(false, true) {
			m.InterlopErr = m.Interloper(ctx)
		}
		return nil
	})
}

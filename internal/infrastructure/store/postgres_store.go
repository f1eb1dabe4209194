package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/ledger"
	"github.com/example/groupbuy-ledger/internal/domain/order"
	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sales_rounds (
	product_id           TEXT NOT NULL,
	round_id             TEXT NOT NULL,
	variant_groups       JSONB NOT NULL,
	pickup_date          TIMESTAMPTZ,
	pickup_deadline_date TIMESTAMPTZ,
	PRIMARY KEY (product_id, round_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	status               TEXT NOT NULL,
	items                JSONB NOT NULL,
	pickup_date          TIMESTAMPTZ,
	pickup_deadline_date TIMESTAMPTZ,
	canceled_reason      TEXT NOT NULL DEFAULT '',
	version              INTEGER NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_status_deadline ON orders (status, pickup_deadline_date);

CREATE TABLE IF NOT EXISTS stock_ledger (
	product_id TEXT NOT NULL,
	round_id   TEXT NOT NULL,
	claimed    JSONB NOT NULL,
	picked_up  JSONB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (product_id, round_id)
);
`

// PostgresStore keeps rounds, orders and the ledger in PostgreSQL. Every
// mutable row carries a version column and commits are conditioned on it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type postgresTx struct {
	tx           *sql.Tx
	ledgerWrites map[string]*ledger.Record
	creates      map[string]*order.Order
	updates      map[string]*order.Order
}

func (tx *postgresTx) Ledger(ctx context.Context, key ledger.Key) (*ledger.Record, error) {
	if rec, ok := tx.ledgerWrites[key.String()]; ok {
		return rec.Clone(), nil
	}
	return getLedger(ctx, tx.tx, key)
}

func (tx *postgresTx) Order(ctx context.Context, id string) (*order.Order, error) {
	if o, ok := tx.updates[id]; ok {
		return o.Clone(), nil
	}
	if o, ok := tx.creates[id]; ok {
		return o.Clone(), nil
	}
	return getOrder(ctx, tx.tx, id)
}

func (tx *postgresTx) PutLedger(rec *ledger.Record) {
	tx.ledgerWrites[rec.Key().String()] = rec.Clone()
}

func (tx *postgresTx) CreateOrder(o *order.Order) { tx.creates[o.ID] = o.Clone() }

func (tx *postgresTx) UpdateOrder(o *order.Order) { tx.updates[o.ID] = o.Clone() }

// RunTx reads through a READ COMMITTED transaction and applies the buffered
// writes with version predicates before committing.
func (s *PostgresStore) RunTx(ctx context.Context, fn TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	tx := &postgresTx{
		tx:           sqlTx,
		ledgerWrites: make(map[string]*ledger.Record),
		creates:      make(map[string]*order.Order),
		updates:      make(map[string]*order.Order),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := s.flush(ctx, tx); err != nil {
		return mapPostgresError(err)
	}
	return mapPostgresError(sqlTx.Commit())
}

// ledgerKeys returns the buffered ledger keys sorted, so every transaction
// locks ledger rows in the same order.
func (tx *postgresTx) ledgerKeys() []string {
	return slices.Sorted(maps.Keys(tx.ledgerWrites))
}

func (s *PostgresStore) flush(ctx context.Context, tx *postgresTx) error {
	for _, k := range tx.ledgerKeys() {
		if err := putLedger(ctx, tx.tx, tx.ledgerWrites[k]); err != nil {
			return err
		}
	}
	for _, o := range tx.creates {
		if u, ok := tx.updates[o.ID]; ok {
			o = u
		}
		if err := insertOrder(ctx, tx.tx, o); err != nil {
			return err
		}
	}
	for id, o := range tx.updates {
		if _, created := tx.creates[id]; created {
			continue
		}
		if err := updateOrder(ctx, tx.tx, o); err != nil {
			return err
		}
	}
	return nil
}

func putLedger(ctx context.Context, tx *sql.Tx, rec *ledger.Record) error {
	claimed, err := json.Marshal(rec.Claimed)
	if err != nil {
		return err
	}
	pickedUp, err := json.Marshal(rec.PickedUp)
	if err != nil {
		return err
	}

	var res sql.Result
	if rec.Version == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO stock_ledger (product_id, round_id, claimed, picked_up, version, updated_at)
			 VALUES ($1, $2, $3, $4, 1, $5)
			 ON CONFLICT (product_id, round_id) DO NOTHING`,
			rec.ProductID, rec.RoundID, claimed, pickedUp, rec.UpdatedAt,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE stock_ledger
			 SET claimed = $3, picked_up = $4, version = version + 1, updated_at = $5
			 WHERE product_id = $1 AND round_id = $2 AND version = $6`,
			rec.ProductID, rec.RoundID, claimed, pickedUp, rec.UpdatedAt, rec.Version,
		)
	}
	if err != nil {
		return err
	}
	return expectOneRow(res, "ledger "+rec.Key().String())
}

func insertOrder(ctx context.Context, tx *sql.Tx, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, status, items, pickup_date, pickup_deadline_date, canceled_reason, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.UserID, string(o.Status), items, nullTime(o.PickupDate), nullTime(o.PickupDeadlineDate),
		o.CanceledReason, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	return nil
}

func updateOrder(ctx context.Context, tx *sql.Tx, o *order.Order) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET status = $2, canceled_reason = $3, updated_at = $4, version = version + 1
		 WHERE id = $1 AND version = $5`,
		o.ID, string(o.Status), o.CanceledReason, o.UpdatedAt, o.Version,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "order "+o.ID)
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s changed since it was read", ErrConflict, what)
	}
	return nil
}

// mapPostgresError turns serialization failures and deadlocks into ErrConflict.
func mapPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}

func getLedger(ctx context.Context, q queryer, key ledger.Key) (*ledger.Record, error) {
	var claimed, pickedUp []byte
	rec := ledger.NewRecord(key)
	err := q.QueryRowContext(ctx,
		`SELECT claimed, picked_up, version, updated_at FROM stock_ledger WHERE product_id = $1 AND round_id = $2`,
		key.ProductID, key.RoundID,
	).Scan(&claimed, &pickedUp, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(claimed, &rec.Claimed); err != nil {
		return nil, fmt.Errorf("failed to decode claimed for %s: %w", key, err)
	}
	if err := json.Unmarshal(pickedUp, &rec.PickedUp); err != nil {
		return nil, fmt.Errorf("failed to decode picked_up for %s: %w", key, err)
	}
	return rec, nil
}

const orderColumns = `id, user_id, status, items, pickup_date, pickup_deadline_date, canceled_reason, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o                  order.Order
		status             string
		items              []byte
		pickup, pickupLast sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.UserID, &status, &items, &pickup, &pickupLast,
		&o.CanceledReason, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	o.PickupDate = pickup.Time
	o.PickupDeadlineDate = pickupLast.Time
	if err := json.Unmarshal(items, &o.Items); err != nil {
		o.Items = nil
		return &o, fmt.Errorf("%w: items of order %s: %v", order.ErrMalformedOrder, o.ID, err)
	}
	return &o, nil
}

func getOrder(ctx context.Context, q queryer, id string) (*order.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return getOrder(ctx, s.db, id)
}

// ListOrders pages by primary key, which gives a stable order under concurrent inserts.
func (s *PostgresStore) ListOrders(ctx context.Context, cursor string, limit int) ([]*order.Order, string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		cursor, limit+1,
	)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if errors.Is(err, order.ErrMalformedOrder) {
			// Undecodable items are handed back with no lines so the caller's
			// validation rejects the order without losing the rest of the page.
			orders = append(orders, o)
			continue
		}
		if err != nil {
			return nil, "", err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(orders) > limit {
		orders = orders[:limit]
		next = orders[len(orders)-1].ID
	}
	return orders, next, nil
}

func (s *PostgresStore) GetLedger(ctx context.Context, key ledger.Key) (*ledger.Record, error) {
	return getLedger(ctx, s.db, key)
}

func (s *PostgresStore) Round(ctx context.Context, productID, roundID string) (*catalog.SalesRound, error) {
	var (
		groups             []byte
		pickup, pickupLast sql.NullTime
	)
	r := &catalog.SalesRound{ProductID: productID, RoundID: roundID}
	err := s.db.QueryRowContext(ctx,
		`SELECT variant_groups, pickup_date, pickup_deadline_date FROM sales_rounds WHERE product_id = $1 AND round_id = $2`,
		productID, roundID,
	).Scan(&groups, &pickup, &pickupLast)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrRoundNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(groups, &r.VariantGroups); err != nil {
		return nil, fmt.Errorf("failed to decode variant groups for %s/%s: %w", productID, roundID, err)
	}
	r.PickupDate = pickup.Time
	r.PickupDeadlineDate = pickupLast.Time
	return r, nil
}

func (s *PostgresStore) PutRound(ctx context.Context, round *catalog.SalesRound) error {
	if err := round.Validate(); err != nil {
		return err
	}
	groups, err := json.Marshal(round.VariantGroups)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sales_rounds (product_id, round_id, variant_groups, pickup_date, pickup_deadline_date)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (product_id, round_id) DO UPDATE SET
			variant_groups = EXCLUDED.variant_groups,
			pickup_date = EXCLUDED.pickup_date,
			pickup_deadline_date = EXCLUDED.pickup_deadline_date`,
		round.ProductID, round.RoundID, groups, nullTime(round.PickupDate), nullTime(round.PickupDeadlineDate),
	)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// ConnectPostgres opens and pings a connection pool.
func ConnectPostgres(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Package reconcile rebuilds the stock ledger from the orders. Orders are the
// source of truth; the job recomputes what every ledger record should hold
// and overwrites the records that disagree.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/ledger"
	"github.com/example/groupbuy-ledger/internal/domain/order"
	"github.com/example/groupbuy-ledger/internal/domain/stock"
	"github.com/example/groupbuy-ledger/internal/events"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/sirupsen/logrus"
)

const (
	LockKey         = "groupbuy-ledger:reconcile"
	defaultPageSize = 500
	defaultLockTTL  = 5 * time.Minute
)

// Drift is one variant group whose stored counters differed from the orders.
type Drift struct {
	Key              ledger.Key `json:"key"`
	VariantGroupID   string     `json:"variant_group_id"`
	StoredClaimed    int        `json:"stored_claimed"`
	StoredPickedUp   int        `json:"stored_picked_up"`
	ExpectedClaimed  int        `json:"expected_claimed"`
	ExpectedPickedUp int        `json:"expected_picked_up"`
}

type Report struct {
	OrdersScanned          int       `json:"orders_scanned"`
	OrdersSkipped          int       `json:"orders_skipped"`
	LedgerRecordsWritten   int       `json:"ledger_records_written"`
	LedgerRecordsUnchanged int       `json:"ledger_records_unchanged"`
	Drifted                []Drift   `json:"drifted,omitempty"`
	Skipped                bool      `json:"skipped,omitempty"` // another replica held the run lock
	StartedAt              time.Time `json:"started_at"`
	FinishedAt             time.Time `json:"finished_at"`
}

type Job struct {
	store     store.Store
	policy    store.RetryPolicy
	publisher events.Publisher
	locker    Locker
	log       logrus.FieldLogger
	now       func() time.Time
	pageSize  int
	lockTTL   time.Duration
}

type Option func(*Job)

func WithRetryPolicy(p store.RetryPolicy) Option { return func(j *Job) { j.policy = p } }

func WithPublisher(p events.Publisher) Option { return func(j *Job) { j.publisher = p } }

// WithLocker guards Run so only one replica rebuilds at a time.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(j *Job) {
		j.locker = l
		if ttl > 0 {
			j.lockTTL = ttl
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(j *Job) { j.log = l.WithField("component", "reconcile") }
}

func WithClock(now func() time.Time) Option { return func(j *Job) { j.now = now } }

func WithPageSize(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.pageSize = n
		}
	}
}

func NewJob(st store.Store, opts ...Option) *Job {
	j := &Job{
		store:     st,
		policy:    store.DefaultRetryPolicy(),
		publisher: events.Nop{},
		locker:    NopLocker{},
		log:       logrus.StandardLogger().WithField("component", "reconcile"),
		now:       func() time.Time { return time.Now().UTC() },
		pageSize:  defaultPageSize,
		lockTTL:   defaultLockTTL,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// expected holds the recomputed counters for one ledger record.
type expected struct {
	claimed  map[string]int
	pickedUp map[string]int
}

// Run scans every order and overwrites each ledger record it touches with the
// recomputed counters. Malformed orders are logged and skipped. Records that
// already match are not written, so back-to-back runs leave them identical.
func (j *Job) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: j.now()}

	unlock, err := j.locker.Obtain(ctx, LockKey, j.lockTTL)
	if errors.Is(err, ErrLockHeld) {
		j.log.Info("reconciliation already running elsewhere, skipping")
		report.Skipped = true
		report.FinishedAt = j.now()
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to obtain reconcile lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			j.log.WithError(err).Warn("failed to release reconcile lock")
		}
	}()

	totals, err := j.scan(ctx, &report)
	if err != nil {
		return report, err
	}

	keys := slices.SortedFunc(maps.Keys(totals), func(a, b ledger.Key) int {
		return cmp.Compare(a.String(), b.String())
	})

	var errs []error
	for _, key := range keys {
		drift, written, err := j.rewrite(ctx, key, totals[key])
		if err != nil {
			j.log.WithError(err).WithField("ledger_key", key.String()).Error("failed to rewrite ledger record")
			errs = append(errs, fmt.Errorf("ledger %s: %w", key, err))
			continue
		}
		if written {
			report.LedgerRecordsWritten++
		} else {
			report.LedgerRecordsUnchanged++
		}
		for _, d := range drift {
			j.log.WithFields(logrus.Fields{
				"ledger_key":         key.String(),
				"variant_group_id":   d.VariantGroupID,
				"stored_claimed":     d.StoredClaimed,
				"stored_picked_up":   d.StoredPickedUp,
				"expected_claimed":   d.ExpectedClaimed,
				"expected_picked_up": d.ExpectedPickedUp,
			}).Warn("ledger drift corrected")
		}
		report.Drifted = append(report.Drifted, drift...)
	}
	report.FinishedAt = j.now()

	j.log.WithFields(logrus.Fields{
		"orders_scanned":           report.OrdersScanned,
		"orders_skipped":           report.OrdersSkipped,
		"ledger_records_written":   report.LedgerRecordsWritten,
		"ledger_records_unchanged": report.LedgerRecordsUnchanged,
		"drifted":                  len(report.Drifted),
	}).Info("reconciliation finished")
	j.publishReconciled(ctx, report)

	return report, errors.Join(errs...)
}

// scan accumulates the contribution of every well formed order.
func (j *Job) scan(ctx context.Context, report *Report) (map[ledger.Key]*expected, error) {
	totals := make(map[ledger.Key]*expected)
	cursor := ""
	for {
		page, next, err := j.store.ListOrders(ctx, cursor, j.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list orders after %q: %w", cursor, err)
		}

		for _, o := range page {
			report.OrdersScanned++
			if err := accumulate(totals, o); err != nil {
				report.OrdersSkipped++
				j.log.WithError(err).WithField("order_id", o.ID).Warn("skipping malformed order")
			}
		}

		if next == "" {
			return totals, nil
		}
		cursor = next
	}
}

// accumulate adds one order to totals. Nothing is added unless the whole order
// is valid. Released orders still register their variant groups with zero so
// that stale claims on those groups get cleared.
func accumulate(totals map[ledger.Key]*expected, o *order.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	contributions := make([]stock.Delta, len(o.Items))
	for i, li := range o.Items {
		d, err := stock.Contribution(o.Status, li.Units())
		if err != nil {
			return err
		}
		contributions[i] = d
	}

	for i, li := range o.Items {
		key := ledger.Key{ProductID: li.ProductID, RoundID: li.RoundID}
		e, ok := totals[key]
		if !ok {
			e = &expected{claimed: map[string]int{}, pickedUp: map[string]int{}}
			totals[key] = e
		}
		e.claimed[li.VariantGroupID] += contributions[i].Claimed
		e.pickedUp[li.VariantGroupID] += contributions[i].PickedUp
	}
	return nil
}

// rewrite replaces the counters of one record wholesale. A claim committed
// after the scan read its order is not in want and stays uncounted until the
// next run.
func (j *Job) rewrite(ctx context.Context, key ledger.Key, want *expected) ([]Drift, bool, error) {
	var (
		drift   []Drift
		written bool
	)
	err := store.WithRetry(ctx, j.store, j.policy, func(ctx context.Context, tx store.Tx) error {
		drift, written = nil, false

		rec, err := tx.Ledger(ctx, key)
		if err != nil {
			return err
		}
		target := &ledger.Record{
			ProductID: key.ProductID,
			RoundID:   key.RoundID,
			Claimed:   maps.Clone(want.claimed),
			PickedUp:  maps.Clone(want.pickedUp),
		}
		if rec.SameCounts(target) {
			return nil
		}

		for _, vg := range mergedGroups(rec, target) {
			if rec.Claimed[vg] == target.Claimed[vg] && rec.PickedUp[vg] == target.PickedUp[vg] {
				continue
			}
			drift = append(drift, Drift{
				Key:              key,
				VariantGroupID:   vg,
				StoredClaimed:    rec.Claimed[vg],
				StoredPickedUp:   rec.PickedUp[vg],
				ExpectedClaimed:  target.Claimed[vg],
				ExpectedPickedUp: target.PickedUp[vg],
			})
		}

		target.Version = rec.Version
		target.UpdatedAt = j.now()
		tx.PutLedger(target)
		written = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return drift, written, nil
}

func mergedGroups(a, b *ledger.Record) []string {
	groups := append(a.VariantGroups(), b.VariantGroups()...)
	slices.Sort(groups)
	return slices.Compact(groups)
}

func (j *Job) publishReconciled(ctx context.Context, r Report) {
	e, err := events.New(events.TypeLedgerReconciled, LockKey, events.LedgerReconciled{
		OrdersScanned:          r.OrdersScanned,
		OrdersSkipped:          r.OrdersSkipped,
		LedgerRecordsWritten:   r.LedgerRecordsWritten,
		LedgerRecordsUnchanged: r.LedgerRecordsUnchanged,
		Drifted:                len(r.Drifted),
	}, r.FinishedAt)
	if err == nil {
		err = j.publisher.Publish(ctx, e)
	}
	if err != nil {
		j.log.WithError(err).Error("failed to publish reconciliation report")
	}
}

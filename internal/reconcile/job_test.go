package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/ledger"
	"github.com/example/groupbuy-ledger/internal/domain/order"
	"github.com/example/groupbuy-ledger/internal/domain/stock"
	"github.com/example/groupbuy-ledger/internal/events"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store/mocks"
	"github.com/example/groupbuy-ledger/internal/lifecycle"
	"github.com/example/groupbuy-ledger/internal/reservation"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	key      = ledger.Key{ProductID: "dumpling", RoundID: "w19"}
	runClock = time.Date(2026, 5, 20, 3, 0, 0, 0, time.UTC)
)

type fixture struct {
	store  *store.MemoryStore
	claims *reservation.Service
	orders *lifecycle.Service
	job    *Job
	pub    *mocks.RecordingPublisher
	log    *logrus.Logger
	hook   *logtest.Hook
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutRound(context.Background(), &catalog.SalesRound{
		ProductID: key.ProductID,
		RoundID:   key.RoundID,
		VariantGroups: []catalog.VariantGroup{
			{ID: "pork", TotalPhysicalStock: 20, Items: []catalog.Item{{ID: "pork-10", StockDeductionAmount: 1}}},
			{ID: "veg", TotalPhysicalStock: catalog.Unlimited, Items: []catalog.Item{{ID: "veg-20", StockDeductionAmount: 2}}},
		},
		PickupDate:         time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC),
		PickupDeadlineDate: time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC),
	}))

	log, hook := logtest.NewNullLogger()
	pub := mocks.NewRecordingPublisher()
	base := []Option{
		WithLogger(log),
		WithPublisher(pub),
		WithClock(func() time.Time { return runClock }),
	}
	return &fixture{
		store:  ms,
		claims: reservation.NewService(ms, reservation.WithLogger(log)),
		orders: lifecycle.NewService(ms, lifecycle.WithLogger(log), lifecycle.WithClock(func() time.Time { return runClock })),
		job:    NewJob(ms, append(base, opts...)...),
		pub:    pub,
		log:    log,
		hook:   hook,
	}
}

func (f *fixture) claim(t *testing.T, vg, item string, qty int) string {
	t.Helper()
	res, err := f.claims.TryClaim(context.Background(), reservation.ClaimRequest{
		UserID: "u", ProductID: key.ProductID, RoundID: key.RoundID,
		VariantGroupID: vg, ItemID: item, Quantity: qty,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	return res.OrderID
}

func (f *fixture) ledger(t *testing.T) *ledger.Record {
	t.Helper()
	rec, err := f.store.GetLedger(context.Background(), key)
	require.NoError(t, err)
	return rec
}

// forceStatus flips the status without touching the ledger, the way a manual
// database edit would.
func (f *fixture) forceStatus(t *testing.T, id string, status order.Status) {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	o.Status = status
	f.store.ForceOrder(o)
}

// ============================================
// Rebuild Tests
// ============================================

func TestRun_NoDriftWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "pork", "pork-10", 3)
	f.claim(t, "veg", "veg-20", 2)
	before := f.ledger(t)

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, report.OrdersScanned)
	assert.Equal(t, 0, report.LedgerRecordsWritten)
	assert.Equal(t, 1, report.LedgerRecordsUnchanged)
	assert.Empty(t, report.Drifted)
	assert.Equal(t, before, f.ledger(t))
}

func TestRun_IdempotentRebuild(t *testing.T) {
	f := newFixture(t)
	a := f.claim(t, "pork", "pork-10", 3)
	f.claim(t, "pork", "pork-10", 2)
	f.forceStatus(t, a, order.StatusCanceled)
	ctx := context.Background()

	first, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.LedgerRecordsWritten)
	afterFirst, err := json.Marshal(f.ledger(t))
	require.NoError(t, err)

	second, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.LedgerRecordsWritten)
	assert.Empty(t, second.Drifted)
	afterSecond, err := json.Marshal(f.ledger(t))
	require.NoError(t, err)

	assert.Equal(t, string(afterFirst), string(afterSecond))
}

func TestRun_CorrectsNoShowDrift(t *testing.T) {
	f := newFixture(t)
	id := f.claim(t, "pork", "pork-10", 4)
	require.Equal(t, 4, f.ledger(t).Claimed["pork"])

	f.forceStatus(t, id, order.StatusNoShow)
	assert.Equal(t, 4, f.ledger(t).Claimed["pork"], "status flip alone leaves the claim")

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, f.ledger(t).Claimed["pork"])
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, Drift{
		Key:             key,
		VariantGroupID:  "pork",
		StoredClaimed:   4,
		ExpectedClaimed: 0,
	}, report.Drifted[0])

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "ledger drift corrected" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRun_ReleaseThenReconcile(t *testing.T) {
	f := newFixture(t)
	id := f.claim(t, "pork", "pork-10", 5)
	_, err := f.orders.Cancel(context.Background(), id, "")
	require.NoError(t, err)

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, report.Drifted)
	assert.Equal(t, 0, f.ledger(t).Claimed["pork"])
}

func TestRun_PickedUpCountsAsPickedUp(t *testing.T) {
	f := newFixture(t)
	id := f.claim(t, "veg", "veg-20", 3)
	f.forceStatus(t, id, order.StatusPickedUp)

	_, err := f.job.Run(context.Background())

	require.NoError(t, err)
	rec := f.ledger(t)
	assert.Equal(t, 0, rec.Claimed["veg"])
	assert.Equal(t, 6, rec.PickedUp["veg"])
}

func TestRun_FullReplaceDropsUnknownGroups(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "pork", "pork-10", 1)
	ctx := context.Background()
	require.NoError(t, f.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := tx.Ledger(ctx, key)
		if err != nil {
			return err
		}
		rec.Apply("ghost", stock.Delta{Claimed: 7})
		rec.Apply("pork", stock.Delta{PickedUp: 2})
		tx.PutLedger(rec)
		return nil
	}))

	report, err := f.job.Run(ctx)

	require.NoError(t, err)
	rec := f.ledger(t)
	assert.Equal(t, map[string]int{"pork": 1}, rec.Claimed)
	assert.Equal(t, map[string]int{"pork": 0}, rec.PickedUp)
	assert.Len(t, report.Drifted, 2)
	assert.Equal(t, runClock, rec.UpdatedAt)
}

func TestRun_RebuildsMissingRecord(t *testing.T) {
	f := newFixture(t)
	o := &order.Order{
		ID:     "imported-1",
		UserID: "u",
		Status: order.StatusPrepaid,
		Items: []order.LineItem{{
			ProductID: key.ProductID, RoundID: key.RoundID, VariantGroupID: "pork", ItemID: "pork-10",
			Quantity: 2, StockDeductionAmount: 1,
		}},
	}
	f.store.ForceOrder(o)

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.LedgerRecordsWritten)
	assert.Equal(t, 2, f.ledger(t).Claimed["pork"])
}

func TestRun_SkipsMalformedOrders(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "pork", "pork-10", 2)
	f.store.ForceOrder(&order.Order{ID: "broken-empty", Status: order.StatusReserved})
	f.store.ForceOrder(&order.Order{
		ID:     "broken-status",
		Status: order.Status("LOST_IN_MAIL"),
		Items: []order.LineItem{{
			ProductID: key.ProductID, RoundID: key.RoundID, VariantGroupID: "pork", ItemID: "pork-10",
			Quantity: 9, StockDeductionAmount: 1,
		}},
	})

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, report.OrdersScanned)
	assert.Equal(t, 2, report.OrdersSkipped)
	assert.Equal(t, 2, f.ledger(t).Claimed["pork"])

	var skipped []string
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "skipping malformed order" {
			skipped = append(skipped, e.Data["order_id"].(string))
		}
	}
	assert.ElementsMatch(t, []string{"broken-empty", "broken-status"}, skipped)
}

func TestRun_SkipsOrdersWithOverflowingUnits(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "pork", "pork-10", 2)
	f.store.ForceOrder(&order.Order{
		ID:     "huge",
		Status: order.StatusReserved,
		Items: []order.LineItem{{
			ProductID: key.ProductID, RoundID: key.RoundID, VariantGroupID: "veg", ItemID: "veg-2",
			Quantity: math.MaxInt/2 + 1, StockDeductionAmount: 2,
		}},
	})

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.OrdersSkipped)
	rec := f.ledger(t)
	assert.Equal(t, 2, rec.Claimed["pork"])
	assert.Zero(t, rec.Claimed["veg"])
}

func TestRun_Pages(t *testing.T) {
	f := newFixture(t, WithPageSize(2))
	for i := 0; i < 5; i++ {
		f.claim(t, "pork", "pork-10", 1)
	}
	require.NoError(t, f.store.RunTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		rec, _ := tx.Ledger(ctx, key)
		rec.Claimed["pork"] = 0
		tx.PutLedger(rec)
		return nil
	}))

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5, report.OrdersScanned)
	assert.Equal(t, 5, f.ledger(t).Claimed["pork"])
}

func TestRun_PublishesReport(t *testing.T) {
	f := newFixture(t)
	id := f.claim(t, "pork", "pork-10", 1)
	f.forceStatus(t, id, order.StatusCanceled)

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)

	published := f.pub.OfType(events.TypeLedgerReconciled)
	require.Len(t, published, 1)
	var payload events.LedgerReconciled
	require.NoError(t, published[0].Payload(&payload))
	assert.Equal(t, events.LedgerReconciled{OrdersScanned: 1, LedgerRecordsWritten: 1, Drifted: 1}, payload)
}

func TestRun_ListFailure(t *testing.T) {
	f := newFixture(t)
	down := errors.New("scan timeout")
	job := NewJob(&mocks.FailingStore{Store: f.store, ListErr: down})

	_, err := job.Run(context.Background())

	assert.ErrorIs(t, err, down)
}

func TestRun_WriteFailureReported(t *testing.T) {
	f := newFixture(t)
	id := f.claim(t, "pork", "pork-10", 1)
	f.forceStatus(t, id, order.StatusCanceled)
	job := NewJob(mocks.NewConflictStore(f.store),
		WithRetryPolicy(store.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}))

	report, err := job.Run(context.Background())

	assert.ErrorIs(t, err, store.ErrRetryExhausted)
	assert.Equal(t, 1, report.OrdersScanned)
	assert.Equal(t, 0, report.LedgerRecordsWritten)
}

// ============================================
// Lock Tests
// ============================================

type fakeLocker struct {
	err      error
	released int
}

func (l *fakeLocker) Obtain(context.Context, string, time.Duration) (Unlock, error) {
	if l.err != nil {
		return nil, l.err
	}
	return func(context.Context) error { l.released++; return nil }, nil
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	locker := &fakeLocker{err: ErrLockHeld}
	f := newFixture(t, WithLocker(locker, time.Minute))
	f.claim(t, "pork", "pork-10", 1)

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.OrdersScanned)
}

func TestRun_ReleasesLock(t *testing.T) {
	locker := &fakeLocker{}
	f := newFixture(t, WithLocker(locker, time.Minute))

	_, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, locker.released)
}

func TestRun_LockFailure(t *testing.T) {
	down := errors.New("redis unreachable")
	f := newFixture(t, WithLocker(&fakeLocker{err: down}, time.Minute))

	_, err := f.job.Run(context.Background())

	assert.ErrorIs(t, err, down)
}

// ============================================
// Trigger Tests
// ============================================

func TestHandleTrigger(t *testing.T) {
	f := newFixture(t)
	id := f.claim(t, "pork", "pork-10", 2)
	f.forceStatus(t, id, order.StatusNoShow)

	e, err := events.New(events.TypeReconcileRequested, "admin", events.ReconcileRequested{RequestedBy: "ops"}, runClock)
	require.NoError(t, err)
	value, err := json.Marshal(e)
	require.NoError(t, err)

	require.NoError(t, f.job.HandleTrigger(context.Background(), nil, value))
	assert.Equal(t, 0, f.ledger(t).Claimed["pork"])
}

func TestHandleTrigger_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	e, err := events.New(events.TypeOrderReserved, "o1", events.OrderReserved{OrderID: "o1"}, runClock)
	require.NoError(t, err)
	value, err := json.Marshal(e)
	require.NoError(t, err)

	require.NoError(t, f.job.HandleTrigger(context.Background(), nil, value))
	assert.Empty(t, f.pub.OfType(events.TypeLedgerReconciled))
}

func TestHandleTrigger_Malformed(t *testing.T) {
	f := newFixture(t)

	err := f.job.HandleTrigger(context.Background(), nil, []byte("not json"))

	assert.ErrorIs(t, err, events.ErrMalformedEvent)
}

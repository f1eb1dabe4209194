// Package reservation claims and returns variant group capacity. All mutual
// exclusion is delegated to the store's optimistic transactions: a claim that
// loses a race is re-run from the ledger read, sees the new counters and
// decides again.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/ledger"
	"github.com/example/groupbuy-ledger/internal/domain/order"
	"github.com/example/groupbuy-ledger/internal/domain/stock"
	"github.com/example/groupbuy-ledger/internal/events"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidRequest = errors.New("invalid reservation request")

	// errRejected aborts a claim transaction without writing.
	errRejected = errors.New("claim rejected")
)

type ClaimRequest struct {
	UserID         string
	ProductID      string
	RoundID        string
	VariantGroupID string
	ItemID         string
	Quantity       int
}

type LineRequest struct {
	ProductID      string `json:"product_id" validate:"required,excludes=#"`
	RoundID        string `json:"round_id" validate:"required,excludes=#"`
	VariantGroupID string `json:"variant_group_id" validate:"required"`
	ItemID         string `json:"item_id" validate:"required"`
	Quantity       int    `json:"quantity" validate:"gt=0,lte=1000000"`
}

type PlaceRequest struct {
	UserID string
	Lines  []LineRequest
}

type Service struct {
	store     store.Store
	policy    store.RetryPolicy
	publisher events.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

func WithRetryPolicy(p store.RetryPolicy) Option { return func(s *Service) { s.policy = p } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l.WithField("component", "reservation") }
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		policy:    store.DefaultRetryPolicy(),
		publisher: events.Nop{},
		log:       logrus.StandardLogger().WithField("component", "reservation"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryClaim reserves capacity for a single line and creates the order in the
// same transaction.
func (s *Service) TryClaim(ctx context.Context, req ClaimRequest) (Result, error) {
	return s.PlaceOrder(ctx, PlaceRequest{
		UserID: req.UserID,
		Lines: []LineRequest{{
			ProductID:      req.ProductID,
			RoundID:        req.RoundID,
			VariantGroupID: req.VariantGroupID,
			ItemID:         req.ItemID,
			Quantity:       req.Quantity,
		}},
	})
}

// resolvedLine is a request line checked against the catalog.
type resolvedLine struct {
	item     order.LineItem
	capacity int
}

// PlaceOrder claims every line or none of them. A rejection names the first
// line that could not be satisfied.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	lines, rounds, rej, err := s.resolve(ctx, req.Lines)
	if err != nil {
		return Result{}, err
	}
	if rej != nil {
		s.log.WithFields(logrus.Fields{"reason": rej.Reason, "line": rej.Line}).Debug("claim rejected")
		return rejected(rej), nil
	}

	now := s.now()
	o := &order.Order{
		ID:        s.newID(),
		UserID:    req.UserID,
		Status:    order.StatusReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, l := range lines {
		o.Items = append(o.Items, l.item)
	}
	o.PickupDate, o.PickupDeadlineDate = pickupWindow(rounds)

	var rejection *Rejection
	err = store.WithRetry(ctx, s.store, s.policy, func(ctx context.Context, tx store.Tx) error {
		rejection = nil
		for i, l := range lines {
			key := ledger.Key{ProductID: l.item.ProductID, RoundID: l.item.RoundID}
			rec, err := tx.Ledger(ctx, key)
			if err != nil {
				return err
			}

			units := l.item.Units()
			remaining := rec.Remaining(l.item.VariantGroupID, l.capacity)
			if l.capacity != catalog.Unlimited && remaining < units {
				rejection = &Rejection{
					Reason:         ReasonInsufficientStock,
					Line:           i,
					ProductID:      l.item.ProductID,
					RoundID:        l.item.RoundID,
					VariantGroupID: l.item.VariantGroupID,
					ItemID:         l.item.ItemID,
					Requested:      units,
					Remaining:      max(remaining, 0),
				}
				return errRejected
			}

			rec.Apply(l.item.VariantGroupID, stock.Delta{Claimed: units})
			rec.UpdatedAt = now
			tx.PutLedger(rec)
		}
		tx.CreateOrder(o)
		return nil
	})
	if errors.Is(err, errRejected) {
		s.log.WithFields(logrus.Fields{
			"reason":           rejection.Reason,
			"variant_group_id": rejection.VariantGroupID,
			"requested":        rejection.Requested,
			"remaining":        rejection.Remaining,
		}).Debug("claim rejected")
		return rejected(rejection), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to claim stock: %w", err)
	}

	s.publishReserved(ctx, o)
	return accepted(o.ID), nil
}

func validate(req PlaceRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, order.ErrEmptyOrder)
	}
	for i, l := range req.Lines {
		if l.ProductID == "" || l.RoundID == "" || l.VariantGroupID == "" || l.ItemID == "" {
			return fmt.Errorf("%w: line %d needs product, round, variant group and item", ErrInvalidRequest, i)
		}
		if err := (ledger.Key{ProductID: l.ProductID, RoundID: l.RoundID}).Validate(); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidRequest, i, err)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidRequest, i, ledger.ErrInvalidQuantity)
		}
		if l.Quantity > order.MaxQuantity {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidRequest, i, order.ErrQuantityTooLarge)
		}
	}
	return nil
}

// resolve looks every line up in the catalog. Rounds are immutable, so this
// happens once, outside the retried transaction.
func (s *Service) resolve(ctx context.Context, reqs []LineRequest) ([]resolvedLine, []*catalog.SalesRound, *Rejection, error) {
	cache := make(map[ledger.Key]*catalog.SalesRound)
	var rounds []*catalog.SalesRound
	lines := make([]resolvedLine, 0, len(reqs))

	for i, l := range reqs {
		notFound := func(reason Reason) *Rejection {
			return &Rejection{
				Reason:         reason,
				Line:           i,
				ProductID:      l.ProductID,
				RoundID:        l.RoundID,
				VariantGroupID: l.VariantGroupID,
				ItemID:         l.ItemID,
			}
		}

		key := ledger.Key{ProductID: l.ProductID, RoundID: l.RoundID}
		round, ok := cache[key]
		if !ok {
			r, err := s.store.Round(ctx, l.ProductID, l.RoundID)
			if errors.Is(err, catalog.ErrRoundNotFound) {
				return nil, nil, notFound(ReasonRoundNotFound), nil
			}
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to load round %s: %w", key, err)
			}
			cache[key], round = r, r
			rounds = append(rounds, r)
		}

		vg, err := round.VariantGroup(l.VariantGroupID)
		if err != nil {
			return nil, nil, notFound(ReasonVariantGroupNotFound), nil
		}
		item, err := vg.Item(l.ItemID)
		if err != nil {
			return nil, nil, notFound(ReasonItemNotFound), nil
		}

		li := order.LineItem{
			ProductID:            l.ProductID,
			RoundID:              l.RoundID,
			VariantGroupID:       l.VariantGroupID,
			ItemID:               l.ItemID,
			Quantity:             l.Quantity,
			StockDeductionAmount: item.Deduction(),
		}
		if err := li.CheckUnits(); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: line %d: %v", ErrInvalidRequest, i, err)
		}
		lines = append(lines, resolvedLine{item: li, capacity: vg.TotalPhysicalStock})
	}
	return lines, rounds, nil, nil
}

// pickupWindow spans every round on the order: the earliest pickup date and
// the latest deadline, so a no-show is only declared once every round closed.
func pickupWindow(rounds []*catalog.SalesRound) (pickup, deadline time.Time) {
	for _, r := range rounds {
		if !r.PickupDate.IsZero() && (pickup.IsZero() || r.PickupDate.Before(pickup)) {
			pickup = r.PickupDate
		}
		if r.PickupDeadlineDate.After(deadline) {
			deadline = r.PickupDeadlineDate
		}
	}
	return pickup, deadline
}

// Release returns claimed units to the pool. It never fails for capacity reasons.
func (s *Service) Release(ctx context.Context, productID, roundID, variantGroupID string, units int) error {
	return s.adjust(ctx, productID, roundID, variantGroupID, units, stock.Delta{Claimed: -units})
}

// Promote moves claimed units to picked up.
func (s *Service) Promote(ctx context.Context, productID, roundID, variantGroupID string, units int) error {
	return s.adjust(ctx, productID, roundID, variantGroupID, units, stock.Delta{Claimed: -units, PickedUp: units})
}

func (s *Service) adjust(ctx context.Context, productID, roundID, variantGroupID string, units int, d stock.Delta) error {
	if units <= 0 {
		return ledger.ErrInvalidQuantity
	}
	key := ledger.Key{ProductID: productID, RoundID: roundID}
	if err := key.Validate(); err != nil {
		return err
	}
	now := s.now()

	var floored bool
	err := store.WithRetry(ctx, s.store, s.policy, func(ctx context.Context, tx store.Tx) error {
		var err error
		floored, err = Adjust(ctx, tx, key, variantGroupID, d, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to adjust ledger %s: %w", key, err)
	}
	if floored {
		s.log.WithFields(logrus.Fields{
			"ledger_key":       key.String(),
			"variant_group_id": variantGroupID,
			"delta_claimed":    d.Claimed,
			"delta_picked_up":  d.PickedUp,
		}).Warn("ledger counter floored at zero, record has drifted")
	}
	return nil
}

// Adjust applies a signed delta to one variant group inside an open
// transaction. It reports whether a counter had to be floored at zero.
func Adjust(ctx context.Context, tx store.Tx, key ledger.Key, variantGroupID string, d stock.Delta, at time.Time) (bool, error) {
	if d.IsZero() {
		return false, nil
	}
	rec, err := tx.Ledger(ctx, key)
	if err != nil {
		return false, err
	}
	floored := rec.Apply(variantGroupID, d)
	rec.UpdatedAt = at
	tx.PutLedger(rec)
	return floored, nil
}

// Remaining reports capacity minus claimed and picked up for every variant
// group of the round.
func (s *Service) Remaining(ctx context.Context, productID, roundID string) ([]VariantStock, error) {
	round, err := s.store.Round(ctx, productID, roundID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetLedger(ctx, ledger.Key{ProductID: productID, RoundID: roundID})
	if err != nil {
		return nil, err
	}

	out := make([]VariantStock, 0, len(round.VariantGroups))
	for _, vg := range round.VariantGroups {
		remaining := rec.Remaining(vg.ID, vg.TotalPhysicalStock)
		if !vg.IsUnlimited() && remaining < 0 {
			remaining = 0
		}
		out = append(out, VariantStock{
			VariantGroupID: vg.ID,
			Capacity:       vg.TotalPhysicalStock,
			Claimed:        rec.Claimed[vg.ID],
			PickedUp:       rec.PickedUp[vg.ID],
			Remaining:      remaining,
		})
	}
	return out, nil
}

func (s *Service) publishReserved(ctx context.Context, o *order.Order) {
	payload := events.OrderReserved{OrderID: o.ID, UserID: o.UserID}
	for _, li := range o.Items {
		payload.Lines = append(payload.Lines, events.ReservedLine{
			ProductID:      li.ProductID,
			RoundID:        li.RoundID,
			VariantGroupID: li.VariantGroupID,
			ItemID:         li.ItemID,
			Quantity:       li.Quantity,
			Units:          li.Units(),
		})
	}
	e, err := events.New(events.TypeOrderReserved, o.ID, payload, o.CreatedAt)
	if err == nil {
		err = s.publisher.Publish(ctx, e)
	}
	if err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Error("failed to publish order reserved")
	}
}

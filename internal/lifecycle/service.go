// Package lifecycle moves orders between statuses. Each transition writes the
// new status and the matching ledger delta in one transaction, so the ledger
// only drifts when something outside this package edits an order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/ledger"
	"github.com/example/groupbuy-ledger/internal/domain/order"
	"github.com/example/groupbuy-ledger/internal/domain/stock"
	"github.com/example/groupbuy-ledger/internal/events"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/example/groupbuy-ledger/internal/reservation"
	"github.com/sirupsen/logrus"
)

var ErrNotOverdue = errors.New("order has not passed its pickup deadline")

const (
	ReasonNoShow      = "pickup deadline passed"
	defaultSweepBatch = 500
)

// Outcome describes a transition. Changed is false when the order was already
// in the target status and nothing was written.
type Outcome struct {
	OrderID string       `json:"order_id"`
	From    order.Status `json:"from"`
	To      order.Status `json:"to"`
	Changed bool         `json:"changed"`
}

type SweepResult struct {
	Scanned int `json:"scanned"`
	Marked  int `json:"marked"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Service struct {
	store     store.Store
	policy    store.RetryPolicy
	publisher events.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
	batchSize int
}

type Option func(*Service)

func WithRetryPolicy(p store.RetryPolicy) Option { return func(s *Service) { s.policy = p } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l.WithField("component", "lifecycle") }
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSweepBatch sets how many orders SweepNoShows reads per page.
func WithSweepBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		policy:    store.DefaultRetryPolicy(),
		publisher: events.Nop{},
		log:       logrus.StandardLogger().WithField("component", "lifecycle"),
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transition moves the order to target and applies the ledger delta of every
// line in the same transaction. Delivering the same target twice is a no-op.
func (s *Service) Transition(ctx context.Context, orderID string, target order.Status, reason string) (Outcome, error) {
	return s.transition(ctx, orderID, func(*order.Order) order.Status { return target }, reason, s.now())
}

func (s *Service) MarkPrepaid(ctx context.Context, orderID string) (Outcome, error) {
	return s.Transition(ctx, orderID, order.StatusPrepaid, "")
}

func (s *Service) MarkPickedUp(ctx context.Context, orderID string) (Outcome, error) {
	return s.Transition(ctx, orderID, order.StatusPickedUp, "")
}

// Cancel picks CANCELED before the pickup date and LATE_CANCELED from the
// pickup date on. Canceling an order that is already canceled either way is a no-op.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (Outcome, error) {
	now := s.now()
	return s.transition(ctx, orderID, func(o *order.Order) order.Status {
		return cancelStatus(o, now)
	}, reason, now)
}

func cancelStatus(o *order.Order, now time.Time) order.Status {
	switch o.Status {
	case order.StatusCanceled, order.StatusLateCanceled:
		return o.Status
	}
	if !o.PickupDate.IsZero() && !now.Before(o.PickupDate) {
		return order.StatusLateCanceled
	}
	return order.StatusCanceled
}

// lineDelta accumulates the per variant group change of one transition.
type lineDelta struct {
	key   ledger.Key
	vg    string
	delta stock.Delta
}

func (s *Service) transition(ctx context.Context, orderID string, pick func(*order.Order) order.Status, reason string, at time.Time) (Outcome, error) {
	var (
		out     Outcome
		floored []lineDelta
	)
	err := store.WithRetry(ctx, s.store, s.policy, func(ctx context.Context, tx store.Tx) error {
		out, floored = Outcome{OrderID: orderID}, nil

		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		target := pick(o)
		out.From, out.To = o.Status, target

		if o.Status == target {
			return nil
		}
		if !o.CanTransitionTo(target) {
			return o.TransitionError(target)
		}
		if target == order.StatusNoShow && !o.Overdue(at) {
			return fmt.Errorf("%w: deadline %s", ErrNotOverdue, o.PickupDeadlineDate.Format(time.RFC3339))
		}

		deltas, err := transitionDeltas(o, target)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			hit, err := reservation.Adjust(ctx, tx, d.key, d.vg, d.delta, at)
			if err != nil {
				return err
			}
			if hit {
				floored = append(floored, d)
			}
		}

		o.Status = target
		o.UpdatedAt = at
		if stock.Released(target) {
			o.CanceledReason = reason
		}
		tx.UpdateOrder(o)
		out.Changed = true
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to transition order %s: %w", orderID, err)
	}

	for _, d := range floored {
		s.log.WithFields(logrus.Fields{
			"order_id":         orderID,
			"ledger_key":       d.key.String(),
			"variant_group_id": d.vg,
		}).Warn("ledger counter floored at zero during transition, record has drifted")
	}
	if out.Changed {
		s.publishChanged(ctx, out, reason, at)
	}
	return out, nil
}

// transitionDeltas sums the delta of every line per (ledger key, variant group),
// keeping the order in which groups first appear.
func transitionDeltas(o *order.Order, target order.Status) ([]lineDelta, error) {
	var out []lineDelta
	index := make(map[string]int)
	for _, li := range o.Items {
		d, err := stock.TransitionDelta(o.Status, target, li.Units())
		if err != nil {
			return nil, err
		}
		key := ledger.Key{ProductID: li.ProductID, RoundID: li.RoundID}
		id := key.String() + "/" + li.VariantGroupID
		if i, ok := index[id]; ok {
			out[i].delta = out[i].delta.Add(d)
			continue
		}
		index[id] = len(out)
		out = append(out, lineDelta{key: key, vg: li.VariantGroupID, delta: d})
	}
	return out, nil
}

// SweepNoShows moves every reserved order whose pickup deadline is before now
// to NO_SHOW, releasing its claim in the same transaction. A failure on one
// order is logged and counted; only a failure to list orders aborts the sweep.
func (s *Service) SweepNoShows(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	cursor := ""
	for {
		page, next, err := s.store.ListOrders(ctx, cursor, s.batchSize)
		if err != nil {
			return res, fmt.Errorf("failed to list orders: %w", err)
		}

		for _, o := range page {
			res.Scanned++
			if !o.Overdue(now) {
				continue
			}

			out, err := s.transition(ctx, o.ID, func(*order.Order) order.Status { return order.StatusNoShow }, ReasonNoShow, now)
			switch {
			case err == nil && out.Changed:
				res.Marked++
			case err == nil,
				errors.Is(err, order.ErrOrderTerminal),
				errors.Is(err, order.ErrInvalidTransition),
				errors.Is(err, order.ErrNotReserved),
				errors.Is(err, ErrNotOverdue):
				// Moved on since the page was read.
				res.Skipped++
			default:
				res.Failed++
				s.log.WithError(err).WithField("order_id", o.ID).Error("failed to mark order as no-show")
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	s.log.WithFields(logrus.Fields{
		"scanned": res.Scanned,
		"marked":  res.Marked,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}).Info("no-show sweep finished")
	return res, nil
}

func (s *Service) publishChanged(ctx context.Context, out Outcome, reason string, at time.Time) {
	e, err := events.New(events.TypeOrderStatusChanged, out.OrderID, events.OrderStatusChanged{
		OrderID: out.OrderID,
		From:    string(out.From),
		To:      string(out.To),
		Reason:  reason,
	}, at)
	if err == nil {
		err = s.publisher.Publish(ctx, e)
	}
	if err != nil {
		s.log.WithError(err).WithField("order_id", out.OrderID).Error("failed to publish status change")
	}
}

package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
)

type Status string

const (
	StatusReserved     Status = "RESERVED"
	StatusPrepaid      Status = "PREPAID"
	StatusPickedUp     Status = "PICKED_UP"
	StatusCanceled     Status = "CANCELED"
	StatusLateCanceled Status = "LATE_CANCELED"
	StatusNoShow       Status = "NO_SHOW"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{
	StatusReserved,
	StatusPrepaid,
	StatusPickedUp,
	StatusCanceled,
	StatusLateCanceled,
	StatusNoShow,
}

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrEmptyOrder        = errors.New("order must have at least one item")
	ErrMalformedOrder    = errors.New("malformed order")
	ErrUnknownStatus     = errors.New("unknown order status")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderTerminal     = errors.New("order is already in a terminal status")
	ErrNotReserved       = errors.New("order must be reserved for this transition")
	ErrQuantityTooLarge  = errors.New("line quantity exceeds the per-line limit")
)

const (
	// MaxQuantity caps the purchased quantity of one line.
	MaxQuantity = 1_000_000
	// MaxLineUnits caps the capacity one line may consume after deduction.
	MaxLineUnits = 1 << 30
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusReserved:     {StatusPrepaid, StatusPickedUp, StatusCanceled, StatusLateCanceled, StatusNoShow},
	StatusPrepaid:      {StatusPickedUp, StatusCanceled, StatusLateCanceled},
	StatusPickedUp:     {}, // terminal state
	StatusCanceled:     {}, // terminal state
	StatusLateCanceled: {}, // terminal state
	StatusNoShow:       {}, // terminal state
}

// Known reports whether s is one of the enum values.
func (s Status) Known() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// LineItem is one purchased line. Immutable after the order is created.
type LineItem struct {
	ProductID            string `json:"product_id"`
	RoundID              string `json:"round_id"`
	VariantGroupID       string `json:"variant_group_id"`
	ItemID               string `json:"item_id"`
	Quantity             int    `json:"quantity"`
	StockDeductionAmount int    `json:"stock_deduction_amount"`
}

// Units is the capacity this line consumes. Only meaningful once CheckUnits
// has passed.
func (li LineItem) Units() int {
	return li.Quantity * li.StockDeductionAmount
}

// CheckUnits rejects lines whose quantity or deduction is not positive, or
// whose units would exceed MaxLineUnits.
func (li LineItem) CheckUnits() error {
	if li.Quantity <= 0 || li.StockDeductionAmount <= 0 {
		return fmt.Errorf("%w: quantity %d and deduction %d", ErrMalformedOrder, li.Quantity, li.StockDeductionAmount)
	}
	if li.Quantity > MaxQuantity || li.Quantity > MaxLineUnits/li.StockDeductionAmount {
		return fmt.Errorf("%w: quantity %d with deduction %d", ErrQuantityTooLarge, li.Quantity, li.StockDeductionAmount)
	}
	return nil
}

type Order struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Status             Status     `json:"status"`
	Items              []LineItem `json:"items"`
	PickupDate         time.Time  `json:"pickup_date"`
	PickupDeadlineDate time.Time  `json:"pickup_deadline_date"`
	CanceledReason     string     `json:"canceled_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Version            int        `json:"version"` // optimistic concurrency token, 0 until stored
}

// CanTransitionTo checks if the order can transition to the target status
func (o *Order) CanTransitionTo(target Status) bool {
	allowed, exists := validTransitions[o.Status]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// TransitionError returns an appropriate error for an invalid transition
func (o *Order) TransitionError(target Status) error {
	switch {
	case !target.Known():
		return fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	case o.Status.Terminal():
		return fmt.Errorf("%w: %s", ErrOrderTerminal, o.Status)
	case target == StatusNoShow && o.Status != StatusReserved:
		return ErrNotReserved
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, o.Status, target)
	}
}

// Validate reports whether the order is well formed enough to be counted.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedOrder)
	}
	if !o.Status.Known() {
		return fmt.Errorf("%w: order %s has status %q", ErrUnknownStatus, o.ID, o.Status)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order %s: %v", ErrMalformedOrder, o.ID, ErrEmptyOrder)
	}
	for i, li := range o.Items {
		if li.ProductID == "" || li.RoundID == "" || li.VariantGroupID == "" {
			return fmt.Errorf("%w: order %s line %d missing product, round or variant group", ErrMalformedOrder, o.ID, i)
		}
		if !catalog.ValidID(li.ProductID) || !catalog.ValidID(li.RoundID) {
			return fmt.Errorf("%w: order %s line %d has %q in its product or round id", ErrMalformedOrder, o.ID, i, catalog.KeySeparator)
		}
		if err := li.CheckUnits(); err != nil {
			return fmt.Errorf("%w: order %s line %d: %v", ErrMalformedOrder, o.ID, i, err)
		}
	}
	return nil
}

// Overdue reports whether a reserved order has passed its pickup deadline.
func (o *Order) Overdue(now time.Time) bool {
	return o.Status == StatusReserved && !o.PickupDeadlineDate.IsZero() && now.After(o.PickupDeadlineDate)
}

// Clone returns a deep copy so transactions never mutate a shared snapshot.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	return &c
}

// Package stock classifies order statuses into ledger buckets. The reservation
// protocol, the lifecycle transitions and the reconciliation job all go through
// this package, so they cannot disagree about what occupies capacity.
package stock

import (
	"fmt"

	"github.com/example/groupbuy-ledger/internal/domain/order"
)

type Bucket int

const (
	BucketClaimed Bucket = iota + 1
	BucketPickedUp
	BucketReleased
)

func (b Bucket) String() string {
	switch b {
	case BucketClaimed:
		return "claimed"
	case BucketPickedUp:
		return "picked_up"
	case BucketReleased:
		return "released"
	}
	return fmt.Sprintf("bucket(%d)", int(b))
}

// Classify maps a status to its bucket. Every status must be listed here.
func Classify(status order.Status) (Bucket, error) {
	switch status {
	case order.StatusReserved, order.StatusPrepaid:
		return BucketClaimed, nil
	case order.StatusPickedUp:
		return BucketPickedUp, nil
	case order.StatusCanceled, order.StatusLateCanceled, order.StatusNoShow:
		return BucketReleased, nil
	}
	return 0, fmt.Errorf("%w: %q", order.ErrUnknownStatus, status)
}

// Delta is a signed change to the claimed and picked-up counters of one variant group.
type Delta struct {
	Claimed  int `json:"claimed"`
	PickedUp int `json:"picked_up"`
}

func (d Delta) IsZero() bool { return d.Claimed == 0 && d.PickedUp == 0 }

func (d Delta) Add(o Delta) Delta {
	return Delta{Claimed: d.Claimed + o.Claimed, PickedUp: d.PickedUp + o.PickedUp}
}

func (d Delta) Neg() Delta { return Delta{Claimed: -d.Claimed, PickedUp: -d.PickedUp} }

// Contribution is what an order line in the given status adds to the ledger.
func Contribution(status order.Status, units int) (Delta, error) {
	b, err := Classify(status)
	if err != nil {
		return Delta{}, err
	}
	switch b {
	case BucketClaimed:
		return Delta{Claimed: units}, nil
	case BucketPickedUp:
		return Delta{PickedUp: units}, nil
	}
	return Delta{}, nil
}

// TransitionDelta is the ledger change required when a line of the given units
// moves from one status to another.
func TransitionDelta(from, to order.Status, units int) (Delta, error) {
	before, err := Contribution(from, units)
	if err != nil {
		return Delta{}, err
	}
	after, err := Contribution(to, units)
	if err != nil {
		return Delta{}, err
	}
	return after.Add(before.Neg()), nil
}

// Released reports whether an order in status no longer occupies capacity.
func Released(status order.Status) bool {
	b, err := Classify(status)
	return err == nil && b == BucketReleased
}

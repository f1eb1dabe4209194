package reservation

import "fmt"

// Reason explains why a claim was turned down. Rejections are ordinary
// results, not errors.
type Reason string

const (
	ReasonInsufficientStock    Reason = "insufficient stock"
	ReasonRoundNotFound        Reason = "round not found"
	ReasonVariantGroupNotFound Reason = "variant group not found"
	ReasonItemNotFound         Reason = "item not found"
)

// NotFound reports whether the caller referenced catalog entries that do not exist.
func (r Reason) NotFound() bool {
	return r == ReasonRoundNotFound || r == ReasonVariantGroupNotFound || r == ReasonItemNotFound
}

type Rejection struct {
	Reason         Reason `json:"reason"`
	Line           int    `json:"line"`
	ProductID      string `json:"product_id"`
	RoundID        string `json:"round_id"`
	VariantGroupID string `json:"variant_group_id,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	Requested      int    `json:"requested,omitempty"` // units, after deduction
	Remaining      int    `json:"remaining,omitempty"`
}

func (r *Rejection) String() string {
	if r.Reason == ReasonInsufficientStock {
		return fmt.Sprintf("%s: %s/%s/%s requested %d, remaining %d",
			r.Reason, r.ProductID, r.RoundID, r.VariantGroupID, r.Requested, r.Remaining)
	}
	return fmt.Sprintf("%s: line %d (%s/%s)", r.Reason, r.Line, r.ProductID, r.RoundID)
}

// Result is either an accepted order or a rejection.
type Result struct {
	Accepted  bool
	OrderID   string
	Rejection *Rejection
}

func accepted(orderID string) Result {
	return Result{Accepted: true, OrderID: orderID}
}

func rejected(r *Rejection) Result {
	return Result{Rejection: r}
}

// VariantStock is the display view of one variant group.
type VariantStock struct {
	VariantGroupID string `json:"variant_group_id"`
	Capacity       int    `json:"capacity"`
	Claimed        int    `json:"claimed"`
	PickedUp       int    `json:"picked_up"`
	Remaining      int    `json:"remaining"` // -1 when unlimited
}

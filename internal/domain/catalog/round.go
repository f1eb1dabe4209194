package catalog

import (
	"errors"
	"strings"
	"time"
)

const (
	// Unlimited marks a variant group whose physical stock is not tracked.
	Unlimited = -1

	// KeySeparator joins product and round ids into one store key, so it may
	// not appear in either id.
	KeySeparator = "#"
)

var (
	ErrRoundNotFound        = errors.New("round not found")
	ErrVariantGroupNotFound = errors.New("variant group not found")
	ErrItemNotFound         = errors.New("item not found")
	ErrInvalidRound         = errors.New("invalid sales round")
)

// SalesRound holds the immutable catalog facts for one selling cycle of a product.
type SalesRound struct {
	ProductID          string         `json:"product_id"`
	RoundID            string         `json:"round_id"`
	VariantGroups      []VariantGroup `json:"variant_groups"`
	PickupDate         time.Time      `json:"pickup_date"`
	PickupDeadlineDate time.Time      `json:"pickup_deadline_date"`
}

// VariantGroup is a sellable option bucket with its own capacity.
type VariantGroup struct {
	ID                 string `json:"id"`
	TotalPhysicalStock int    `json:"total_physical_stock"`
	Items              []Item `json:"items"`
}

// Item consumes StockDeductionAmount units of its group's capacity per unit purchased.
type Item struct {
	ID                   string `json:"id"`
	StockDeductionAmount int    `json:"stock_deduction_amount"`
}

func (r *SalesRound) VariantGroup(id string) (*VariantGroup, error) {
	for i := range r.VariantGroups {
		if r.VariantGroups[i].ID == id {
			return &r.VariantGroups[i], nil
		}
	}
	return nil, ErrVariantGroupNotFound
}

func (vg *VariantGroup) Item(id string) (*Item, error) {
	for i := range vg.Items {
		if vg.Items[i].ID == id {
			return &vg.Items[i], nil
		}
	}
	return nil, ErrItemNotFound
}

func (vg *VariantGroup) IsUnlimited() bool {
	return vg.TotalPhysicalStock == Unlimited
}

// Deduction returns the units consumed per purchased unit, defaulting to 1.
func (it *Item) Deduction() int {
	if it.StockDeductionAmount <= 0 {
		return 1
	}
	return it.StockDeductionAmount
}

// Validate checks the round before it is stored.
func (r *SalesRound) Validate() error {
	if r.ProductID == "" || r.RoundID == "" {
		return errors.Join(ErrInvalidRound, errors.New("product and round ids are required"))
	}
	if !ValidID(r.ProductID) || !ValidID(r.RoundID) {
		return errors.Join(ErrInvalidRound, errors.New("product and round ids may not contain "+KeySeparator))
	}
	if len(r.VariantGroups) == 0 {
		return errors.Join(ErrInvalidRound, errors.New("at least one variant group is required"))
	}
	seen := make(map[string]bool, len(r.VariantGroups))
	for _, vg := range r.VariantGroups {
		if vg.ID == "" || seen[vg.ID] {
			return errors.Join(ErrInvalidRound, errors.New("variant group ids must be unique and non-empty"))
		}
		seen[vg.ID] = true
		if vg.TotalPhysicalStock < 0 && !vg.IsUnlimited() {
			return errors.Join(ErrInvalidRound, errors.New("negative stock on variant group "+vg.ID))
		}
		if len(vg.Items) == 0 {
			return errors.Join(ErrInvalidRound, errors.New("variant group "+vg.ID+" has no items"))
		}
	}
	return nil
}

// ValidID reports whether id can be used as a product or round id.
func ValidID(id string) bool {
	return id != "" && !strings.Contains(id, KeySeparator)
}

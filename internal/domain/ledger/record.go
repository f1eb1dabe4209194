package ledger

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/stock"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidKey      = errors.New("invalid ledger key")
)

const keySeparator = catalog.KeySeparator

// Key identifies one ledger record.
type Key struct {
	ProductID string `json:"product_id"`
	RoundID   string `json:"round_id"`
}

func (k Key) String() string {
	return k.ProductID + keySeparator + k.RoundID
}

// Validate rejects keys whose String form could collide with another key.
func (k Key) Validate() error {
	if !catalog.ValidID(k.ProductID) || !catalog.ValidID(k.RoundID) {
		return fmt.Errorf("%w: %q/%q", ErrInvalidKey, k.ProductID, k.RoundID)
	}
	return nil
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	productID, roundID, ok := strings.Cut(s, keySeparator)
	if !ok || productID == "" || roundID == "" || strings.Contains(roundID, keySeparator) {
		return Key{}, ErrInvalidKey
	}
	return Key{ProductID: productID, RoundID: roundID}, nil
}

// Record caches claimed and picked-up quantities per variant group for one
// (product, round). Orders are authoritative; a Record is always rebuildable.
type Record struct {
	ProductID string         `json:"product_id"`
	RoundID   string         `json:"round_id"`
	Claimed   map[string]int `json:"claimed"`
	PickedUp  map[string]int `json:"picked_up"`
	UpdatedAt time.Time      `json:"updated_at"`
	Version   int            `json:"version"` // 0 means the record does not exist yet
}

// NewRecord returns an empty record for key.
func NewRecord(key Key) *Record {
	return &Record{
		ProductID: key.ProductID,
		RoundID:   key.RoundID,
		Claimed:   map[string]int{},
		PickedUp:  map[string]int{},
	}
}

func (r *Record) Key() Key {
	return Key{ProductID: r.ProductID, RoundID: r.RoundID}
}

// Occupied is claimed + picked up for the variant group.
func (r *Record) Occupied(vg string) int {
	return r.Claimed[vg] + r.PickedUp[vg]
}

// Remaining returns capacity minus occupied, or catalog.Unlimited.
func (r *Record) Remaining(vg string, capacity int) int {
	if capacity == catalog.Unlimited {
		return catalog.Unlimited
	}
	return capacity - r.Occupied(vg)
}

// Apply adds d to the variant group counters. Counters never go below zero;
// the returned flag reports whether a floor was hit, which means the record
// had drifted from the orders.
func (r *Record) Apply(vg string, d stock.Delta) (floored bool) {
	if r.Claimed == nil {
		r.Claimed = map[string]int{}
	}
	if r.PickedUp == nil {
		r.PickedUp = map[string]int{}
	}
	claimed := r.Claimed[vg] + d.Claimed
	if claimed < 0 {
		claimed, floored = 0, true
	}
	pickedUp := r.PickedUp[vg] + d.PickedUp
	if pickedUp < 0 {
		pickedUp, floored = 0, true
	}
	r.Claimed[vg] = claimed
	r.PickedUp[vg] = pickedUp
	return floored
}

// SameCounts compares the counters of two records, ignoring version and timestamps.
// A missing entry and an explicit zero are equal.
func (r *Record) SameCounts(o *Record) bool {
	return sameCounts(r.Claimed, o.Claimed) && sameCounts(r.PickedUp, o.PickedUp)
}

func sameCounts(a, b map[string]int) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	for k, v := range b {
		if a[k] != v {
			return false
		}
	}
	return true
}

// VariantGroups returns every variant group id present in either map, sorted.
func (r *Record) VariantGroups() []string {
	seen := make(map[string]struct{}, len(r.Claimed)+len(r.PickedUp))
	for k := range r.Claimed {
		seen[k] = struct{}{}
	}
	for k := range r.PickedUp {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Record) Clone() *Record {
	c := *r
	c.Claimed = maps.Clone(r.Claimed)
	c.PickedUp = maps.Clone(r.PickedUp)
	if c.Claimed == nil {
		c.Claimed = map[string]int{}
	}
	if c.PickedUp == nil {
		c.PickedUp = map[string]int{}
	}
	return &c
}

package ledger

import (
	"testing"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/stock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================
// Key Tests
// ============================================

func TestKey_RoundTrip(t *testing.T) {
	key := Key{ProductID: "prod-1", RoundID: "2026-05"}

	parsed, err := ParseKey(key.String())

	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "prod-1", "#round", "prod#", "a#b#c"} {
		_, err := ParseKey(s)
		assert.ErrorIs(t, err, ErrInvalidKey, s)
	}
}

func TestKey_Validate(t *testing.T) {
	assert.NoError(t, Key{ProductID: "prod-1", RoundID: "2026-05"}.Validate())

	// Both of these would flatten to "a#b#c".
	assert.ErrorIs(t, Key{ProductID: "a#b", RoundID: "c"}.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Key{ProductID: "a", RoundID: "b#c"}.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Key{ProductID: "", RoundID: "c"}.Validate(), ErrInvalidKey)
}

// ============================================
// Remaining Tests
// ============================================

func TestRecord_Remaining(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		claimed  int
		pickedUp int
		want     int
	}{
		{"untouched", 10, 0, 0, 10},
		{"some claimed", 10, 3, 0, 7},
		{"claimed and picked up", 10, 3, 5, 2},
		{"sold out", 5, 2, 3, 0},
		{"unlimited", catalog.Unlimited, 100, 100, catalog.Unlimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRecord(Key{ProductID: "p", RoundID: "r"})
			rec.Claimed["vg"] = tt.claimed
			rec.PickedUp["vg"] = tt.pickedUp

			assert.Equal(t, tt.want, rec.Remaining("vg", tt.capacity))
		})
	}
}

// ============================================
// Apply Tests
// ============================================

func TestRecord_Apply(t *testing.T) {
	rec := NewRecord(Key{ProductID: "p", RoundID: "r"})

	floored := rec.Apply("vg", stock.Delta{Claimed: 2})
	assert.False(t, floored)
	assert.Equal(t, 2, rec.Claimed["vg"])

	floored = rec.Apply("vg", stock.Delta{Claimed: -2, PickedUp: 2})
	assert.False(t, floored)
	assert.Equal(t, 0, rec.Claimed["vg"])
	assert.Equal(t, 2, rec.PickedUp["vg"])
}

func TestRecord_Apply_FloorsAtZero(t *testing.T) {
	rec := NewRecord(Key{ProductID: "p", RoundID: "r"})
	rec.Claimed["vg"] = 1

	floored := rec.Apply("vg", stock.Delta{Claimed: -3})

	assert.True(t, floored)
	assert.Equal(t, 0, rec.Claimed["vg"])
}

func TestRecord_Apply_NilMaps(t *testing.T) {
	rec := &Record{ProductID: "p", RoundID: "r"}

	rec.Apply("vg", stock.Delta{Claimed: 1})

	assert.Equal(t, 1, rec.Claimed["vg"])
	assert.Equal(t, 0, rec.PickedUp["vg"])
}

// ============================================
// Comparison Tests
// ============================================

func TestRecord_SameCounts(t *testing.T) {
	a := NewRecord(Key{ProductID: "p", RoundID: "r"})
	b := NewRecord(Key{ProductID: "p", RoundID: "r"})
	a.Claimed["vg"] = 0
	b.Version = 7

	assert.True(t, a.SameCounts(b))

	b.PickedUp["vg"] = 1
	assert.False(t, a.SameCounts(b))
}

func TestRecord_CloneIsDeep(t *testing.T) {
	rec := NewRecord(Key{ProductID: "p", RoundID: "r"})
	rec.Claimed["vg"] = 1

	c := rec.Clone()
	c.Claimed["vg"] = 9

	assert.Equal(t, 1, rec.Claimed["vg"])
	assert.Equal(t, []string{"vg"}, c.VariantGroups())
}

// Package events defines the messages the ledger emits after a commit and
// the trigger it accepts from the bus.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeOrderReserved      Type = "OrderReserved"
	TypeOrderStatusChanged Type = "OrderStatusChanged"
	TypeLedgerReconciled   Type = "LedgerReconciled"
	TypeReconcileRequested Type = "ReconcileRequested"
)

var ErrMalformedEvent = errors.New("malformed event")

// Event is the envelope written to the bus.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// New wraps payload in an envelope with a fresh id.
func New(t Type, key string, payload any, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		Key:        key,
		OccurredAt: at,
		Data:       data,
	}, nil
}

// Decode parses an envelope read from the bus.
func Decode(value []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(value, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return e, nil
}

// Payload decodes the event data into v.
func (e Event) Payload(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, e.Type, err)
	}
	return nil
}

// Publisher delivers events. Publishing happens after commit and is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type ReservedLine struct {
	ProductID      string `json:"product_id"`
	RoundID        string `json:"round_id"`
	VariantGroupID string `json:"variant_group_id"`
	ItemID         string `json:"item_id"`
	Quantity       int    `json:"quantity"`
	Units          int    `json:"units"`
}

type OrderReserved struct {
	OrderID string         `json:"order_id"`
	UserID  string         `json:"user_id"`
	Lines   []ReservedLine `json:"lines"`
}

type OrderStatusChanged struct {
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type LedgerReconciled struct {
	OrdersScanned          int `json:"orders_scanned"`
	OrdersSkipped          int `json:"orders_skipped"`
	LedgerRecordsWritten   int `json:"ledger_records_written"`
	LedgerRecordsUnchanged int `json:"ledger_records_unchanged"`
	Drifted                int `json:"drifted"`
}

type ReconcileRequested struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

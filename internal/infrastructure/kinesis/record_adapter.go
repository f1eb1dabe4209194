// Package kinesis reads the change stream of the DynamoDB orders table, as
// delivered through Kinesis or directly from DynamoDB Streams, and turns it
// into ledger events.
package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/groupbuy-ledger/internal/domain/order"
	ledgerevents "github.com/example/groupbuy-ledger/internal/events"
)

const (
	eventInsert = "INSERT"
	eventModify = "MODIFY"
)

// OrderChange is one write to the orders table. Old is nil for inserts.
type OrderChange struct {
	Old *order.Order
	New *order.Order
	At  time.Time
}

// ConvertFromKinesisRecord converts a Kinesis record carrying a DynamoDB
// stream record. Removals return nil.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*OrderChange, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB Streams record.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*OrderChange, error) {
	change := &OrderChange{At: record.Change.ApproximateCreationDateTime.UTC()}
	switch record.EventName {
	case eventInsert:
	case eventModify:
		old, err := convertOrderImage(record.Change.OldImage)
		if err != nil {
			return nil, fmt.Errorf("old image: %w", err)
		}
		change.Old = old
	default:
		return nil, nil
	}

	o, err := convertOrderImage(record.Change.NewImage)
	if err != nil {
		return nil, fmt.Errorf("new image: %w", err)
	}
	change.New = o
	if change.At.IsZero() {
		change.At = o.UpdatedAt
	}
	return change, nil
}

// convertOrderImage reads an order item written by the DynamoDB store.
func convertOrderImage(image map[string]events.DynamoDBAttributeValue) (*order.Order, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	o := &order.Order{}
	if v, ok := image["id"]; ok {
		o.ID = v.String()
	}
	if v, ok := image["user_id"]; ok {
		o.UserID = v.String()
	}
	if v, ok := image["status"]; ok {
		o.Status = order.Status(v.String())
	}
	if v, ok := image["canceled_reason"]; ok {
		o.CanceledReason = v.String()
	}
	if v, ok := image["items"]; ok {
		if err := json.Unmarshal([]byte(v.String()), &o.Items); err != nil {
			return nil, fmt.Errorf("failed to parse items: %w", err)
		}
	}
	for attr, dst := range map[string]*time.Time{
		"pickup_date":          &o.PickupDate,
		"pickup_deadline_date": &o.PickupDeadlineDate,
		"created_at":           &o.CreatedAt,
		"updated_at":           &o.UpdatedAt,
	} {
		v, ok := image[attr]
		if !ok || v.String() == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", attr, err)
		}
		*dst = t
	}
	if v, ok := image["version"]; ok {
		version, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse version: %w", err)
		}
		o.Version = int(version)
	}

	if o.ID == "" || o.Status == "" {
		return nil, fmt.Errorf("missing required fields: id=%s, status=%s", o.ID, o.Status)
	}
	return o, nil
}

// Event maps the change onto the bus. Writes that did not change the status
// produce no event.
func (c *OrderChange) Event() (ledgerevents.Event, bool, error) {
	if c.Old == nil {
		payload := ledgerevents.OrderReserved{OrderID: c.New.ID, UserID: c.New.UserID}
		for _, li := range c.New.Items {
			payload.Lines = append(payload.Lines, ledgerevents.ReservedLine{
				ProductID:      li.ProductID,
				RoundID:        li.RoundID,
				VariantGroupID: li.VariantGroupID,
				ItemID:         li.ItemID,
				Quantity:       li.Quantity,
				Units:          li.Units(),
			})
		}
		e, err := ledgerevents.New(ledgerevents.TypeOrderReserved, c.New.ID, payload, c.At)
		return e, err == nil, err
	}

	if c.Old.Status == c.New.Status {
		return ledgerevents.Event{}, false, nil
	}
	e, err := ledgerevents.New(ledgerevents.TypeOrderStatusChanged, c.New.ID, ledgerevents.OrderStatusChanged{
		OrderID: c.New.ID,
		From:    string(c.Old.Status),
		To:      string(c.New.Status),
		Reason:  c.New.CanceledReason,
	}, c.At)
	return e, err == nil, err
}

// BatchConvertFromKinesisEvent converts every record of a batch. Records that
// fail to convert are reported by event id.
func BatchConvertFromKinesisEvent(kinesisEvent events.KinesisEvent) ([]*OrderChange, []error) {
	var changes []*OrderChange
	var errs []error

	for _, record := range kinesisEvent.Records {
		change, err := ConvertFromKinesisRecord(record)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", record.EventID, err))
			continue
		}
		if change != nil {
			changes = append(changes, change)
		}
	}

	return changes, errs
}

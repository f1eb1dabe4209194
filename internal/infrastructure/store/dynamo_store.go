package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/ledger"
	"github.com/example/groupbuy-ledger/internal/domain/order"
)

// DynamoAPI is the subset of the DynamoDB client the store calls.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoTables names the three tables the store uses.
type DynamoTables struct {
	Orders string
	Ledger string
	Rounds string
}

// DynamoStore keeps rounds, orders and the ledger in DynamoDB. A transaction
// commits through TransactWriteItems with a version condition on every item.
type DynamoStore struct {
	client DynamoAPI
	tables DynamoTables
}

func NewDynamoStore(client DynamoAPI, tables DynamoTables) *DynamoStore {
	return &DynamoStore{client: client, tables: tables}
}

type dynamoLedger struct {
	LedgerKey string         `dynamodbav:"ledger_key"`
	ProductID string         `dynamodbav:"product_id"`
	RoundID   string         `dynamodbav:"round_id"`
	Claimed   map[string]int `dynamodbav:"claimed"`
	PickedUp  map[string]int `dynamodbav:"picked_up"`
	Version   int            `dynamodbav:"version"`
	UpdatedAt string         `dynamodbav:"updated_at"`
}

type dynamoOrder struct {
	ID                 string `dynamodbav:"id"`
	UserID             string `dynamodbav:"user_id"`
	Status             string `dynamodbav:"status"`
	Items              string `dynamodbav:"items"` // JSON encoded line items
	PickupDate         string `dynamodbav:"pickup_date,omitempty"`
	PickupDeadlineDate string `dynamodbav:"pickup_deadline_date,omitempty"`
	CanceledReason     string `dynamodbav:"canceled_reason,omitempty"`
	Version            int    `dynamodbav:"version"`
	CreatedAt          string `dynamodbav:"created_at"`
	UpdatedAt          string `dynamodbav:"updated_at"`
}

type dynamoRound struct {
	RoundKey           string `dynamodbav:"round_key"`
	ProductID          string `dynamodbav:"product_id"`
	RoundID            string `dynamodbav:"round_id"`
	VariantGroups      string `dynamodbav:"variant_groups"`
	PickupDate         string `dynamodbav:"pickup_date,omitempty"`
	PickupDeadlineDate string `dynamodbav:"pickup_deadline_date,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func toDynamoLedger(rec *ledger.Record) dynamoLedger {
	return dynamoLedger{
		LedgerKey: rec.Key().String(),
		ProductID: rec.ProductID,
		RoundID:   rec.RoundID,
		Claimed:   rec.Claimed,
		PickedUp:  rec.PickedUp,
		Version:   rec.Version,
		UpdatedAt: formatTime(rec.UpdatedAt),
	}
}

func (d dynamoLedger) record() *ledger.Record {
	rec := &ledger.Record{
		ProductID: d.ProductID,
		RoundID:   d.RoundID,
		Claimed:   d.Claimed,
		PickedUp:  d.PickedUp,
		Version:   d.Version,
		UpdatedAt: parseTime(d.UpdatedAt),
	}
	if rec.Claimed == nil {
		rec.Claimed = map[string]int{}
	}
	if rec.PickedUp == nil {
		rec.PickedUp = map[string]int{}
	}
	return rec
}

func toDynamoOrder(o *order.Order) (dynamoOrder, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return dynamoOrder{}, err
	}
	return dynamoOrder{
		ID:                 o.ID,
		UserID:             o.UserID,
		Status:             string(o.Status),
		Items:              string(items),
		PickupDate:         formatTime(o.PickupDate),
		PickupDeadlineDate: formatTime(o.PickupDeadlineDate),
		CanceledReason:     o.CanceledReason,
		Version:            o.Version,
		CreatedAt:          formatTime(o.CreatedAt),
		UpdatedAt:          formatTime(o.UpdatedAt),
	}, nil
}

// order decodes the item. Undecodable line items leave Items empty so
// validation rejects the order.
func (d dynamoOrder) order() *order.Order {
	o := &order.Order{
		ID:                 d.ID,
		UserID:             d.UserID,
		Status:             order.Status(d.Status),
		PickupDate:         parseTime(d.PickupDate),
		PickupDeadlineDate: parseTime(d.PickupDeadlineDate),
		CanceledReason:     d.CanceledReason,
		Version:            d.Version,
		CreatedAt:          parseTime(d.CreatedAt),
		UpdatedAt:          parseTime(d.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(d.Items), &o.Items); err != nil {
		o.Items = nil
	}
	return o
}

func (s *DynamoStore) getLedger(ctx context.Context, key ledger.Key) (*ledger.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Ledger),
		Key:            map[string]types.AttributeValue{"ledger_key": &types.AttributeValueMemberS{Value: key.String()}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger %s: %w", key, err)
	}
	if out.Item == nil {
		return ledger.NewRecord(key), nil
	}
	var d dynamoLedger
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger %s: %w", key, err)
	}
	return d.record(), nil
}

func (s *DynamoStore) getOrder(ctx context.Context, id string) (*order.Order, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Orders),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, order.ErrOrderNotFound
	}
	var d dynamoOrder
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order %s: %w", id, err)
	}
	return d.order(), nil
}

type dynamoTx struct {
	s            *DynamoStore
	ledgerWrites map[string]*ledger.Record
	creates      map[string]*order.Order
	updates      map[string]*order.Order
	ledgerOrder  []string
}

func (tx *dynamoTx) Ledger(ctx context.Context, key ledger.Key) (*ledger.Record, error) {
	if rec, ok := tx.ledgerWrites[key.String()]; ok {
		return rec.Clone(), nil
	}
	return tx.s.getLedger(ctx, key)
}

func (tx *dynamoTx) Order(ctx context.Context, id string) (*order.Order, error) {
	if o, ok := tx.updates[id]; ok {
		return o.Clone(), nil
	}
	if o, ok := tx.creates[id]; ok {
		return o.Clone(), nil
	}
	return tx.s.getOrder(ctx, id)
}

func (tx *dynamoTx) PutLedger(rec *ledger.Record) {
	k := rec.Key().String()
	if _, ok := tx.ledgerWrites[k]; !ok {
		tx.ledgerOrder = append(tx.ledgerOrder, k)
	}
	tx.ledgerWrites[k] = rec.Clone()
}

func (tx *dynamoTx) CreateOrder(o *order.Order) { tx.creates[o.ID] = o.Clone() }

func (tx *dynamoTx) UpdateOrder(o *order.Order) { tx.updates[o.ID] = o.Clone() }

// writeKind tags each transact item so cancellation reasons can be mapped back.
type writeKind int

const (
	writeLedger writeKind = iota
	writeCreate
	writeUpdate
)

func (s *DynamoStore) RunTx(ctx context.Context, fn TxFunc) error {
	tx := &dynamoTx{
		s:            s,
		ledgerWrites: make(map[string]*ledger.Record),
		creates:      make(map[string]*order.Order),
		updates:      make(map[string]*order.Order),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	items, kinds, err := s.buildWrites(tx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return mapDynamoError(err, kinds)
	}
	return nil
}

func (s *DynamoStore) buildWrites(tx *dynamoTx) ([]types.TransactWriteItem, []writeKind, error) {
	var (
		items []types.TransactWriteItem
		kinds []writeKind
	)

	for _, k := range tx.ledgerOrder {
		rec := tx.ledgerWrites[k]
		d := toDynamoLedger(rec)
		d.Version = rec.Version + 1
		av, err := attributevalue.MarshalMap(d)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal ledger %s: %w", k, err)
		}
		put := &types.Put{TableName: aws.String(s.tables.Ledger), Item: av}
		if rec.Version == 0 {
			put.ConditionExpression = aws.String("attribute_not_exists(ledger_key)")
		} else {
			put.ConditionExpression = aws.String("version = :v")
			put.ExpressionAttributeValues = map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Version)},
			}
		}
		items = append(items, types.TransactWriteItem{Put: put})
		kinds = append(kinds, writeLedger)
	}

	for id, o := range tx.creates {
		if u, ok := tx.updates[id]; ok {
			o = u
		}
		d, err := toDynamoOrder(o)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode order %s: %w", id, err)
		}
		d.Version = 1
		av, err := attributevalue.MarshalMap(d)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal order %s: %w", id, err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(s.tables.Orders),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		}})
		kinds = append(kinds, writeCreate)
	}

	for id, o := range tx.updates {
		if _, created := tx.creates[id]; created {
			continue
		}
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:           aws.String(s.tables.Orders),
			Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
			UpdateExpression:    aws.String("SET #status = :status, canceled_reason = :reason, updated_at = :updated, version = :next"),
			ConditionExpression: aws.String("version = :v"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status":  &types.AttributeValueMemberS{Value: string(o.Status)},
				":reason":  &types.AttributeValueMemberS{Value: o.CanceledReason},
				":updated": &types.AttributeValueMemberS{Value: formatTime(o.UpdatedAt)},
				":next":    &types.AttributeValueMemberN{Value: strconv.Itoa(o.Version + 1)},
				":v":       &types.AttributeValueMemberN{Value: strconv.Itoa(o.Version)},
			},
		}})
		kinds = append(kinds, writeUpdate)
	}

	return items, kinds, nil
}

// mapDynamoError turns failed conditions and transaction conflicts into
// ErrConflict, or ErrDuplicateOrder when an order insert hit an existing id.
func mapDynamoError(err error, kinds []writeKind) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, reason := range canceled.CancellationReasons {
			code := aws.ToString(reason.Code)
			switch code {
			case "ConditionalCheckFailed":
				if i < len(kinds) && kinds[i] == writeCreate {
					return ErrDuplicateOrder
				}
				return fmt.Errorf("%w: condition failed", ErrConflict)
			case "TransactionConflict":
				return fmt.Errorf("%w: transaction conflict", ErrConflict)
			}
		}
		return fmt.Errorf("transaction canceled: %w", err)
	}

	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return fmt.Errorf("%w: %s", ErrConflict, conflict.ErrorMessage())
	}
	var condition *types.ConditionalCheckFailedException
	if errors.As(err, &condition) {
		return fmt.Errorf("%w: %s", ErrConflict, condition.ErrorMessage())
	}
	return fmt.Errorf("failed to commit transaction: %w", err)
}

func (s *DynamoStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.getOrder(ctx, id)
}

// ListOrders pages with Scan. The cursor is the id of the last order returned,
// which is also the table's exclusive start key.
func (s *DynamoStore) ListOrders(ctx context.Context, cursor string, limit int) ([]*order.Order, string, error) {
	in := &dynamodb.ScanInput{
		TableName:      aws.String(s.tables.Orders),
		ConsistentRead: aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	if cursor != "" {
		in.ExclusiveStartKey = map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: cursor}}
	}

	out, err := s.client.Scan(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan orders: %w", err)
	}

	orders := make([]*order.Order, 0, len(out.Items))
	for _, item := range out.Items {
		var d dynamoOrder
		if err := attributevalue.UnmarshalMap(item, &d); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, d.order())
	}

	next := ""
	if lek, ok := out.LastEvaluatedKey["id"].(*types.AttributeValueMemberS); ok {
		next = lek.Value
	}
	return orders, next, nil
}

func (s *DynamoStore) GetLedger(ctx context.Context, key ledger.Key) (*ledger.Record, error) {
	return s.getLedger(ctx, key)
}

func (s *DynamoStore) Round(ctx context.Context, productID, roundID string) (*catalog.SalesRound, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Rounds),
		Key: map[string]types.AttributeValue{
			"round_key": &types.AttributeValueMemberS{Value: roundKey(productID, roundID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if out.Item == nil {
		return nil, catalog.ErrRoundNotFound
	}

	var d dynamoRound
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal round: %w", err)
	}
	r := &catalog.SalesRound{
		ProductID:          d.ProductID,
		RoundID:            d.RoundID,
		PickupDate:         parseTime(d.PickupDate),
		PickupDeadlineDate: parseTime(d.PickupDeadlineDate),
	}
	if err := json.Unmarshal([]byte(d.VariantGroups), &r.VariantGroups); err != nil {
		return nil, fmt.Errorf("failed to decode variant groups: %w", err)
	}
	return r, nil
}

func (s *DynamoStore) PutRound(ctx context.Context, round *catalog.SalesRound) error {
	if err := round.Validate(); err != nil {
		return err
	}
	groups, err := json.Marshal(round.VariantGroups)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(dynamoRound{
		RoundKey:           roundKey(round.ProductID, round.RoundID),
		ProductID:          round.ProductID,
		RoundID:            round.RoundID,
		VariantGroups:      string(groups),
		PickupDate:         formatTime(round.PickupDate),
		PickupDeadlineDate: formatTime(round.PickupDeadlineDate),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal round: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Rounds),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put round: %w", err)
	}
	return nil
}

func (s *DynamoStore) Close() error { return nil }

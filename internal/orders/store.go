package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/tablepay/internal/aws"
)

var (
	// ErrNotFound is returned when no order (or transaction) has the requested id.
	ErrNotFound = errors.New("order not found")
	// ErrVersionConflict is returned when a conditional write lost a race.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrAlreadyExists is returned by Create for a duplicate order id.
	ErrAlreadyExists = errors.New("order already exists")
)

// maxApplyAttempts bounds the read-modify-write loop in Apply.
const maxApplyAttempts = 5

// Store persists orders and their settlement transactions in DynamoDB.
// Every order write is conditional on the version previously read.
type Store struct {
	client            aws.DynamoDBAPI
	ordersTable       string
	transactionsTable string
	nowFunc           func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, ordersTable, transactionsTable string) *Store {
	return &Store{
		client:            client,
		ordersTable:       ordersTable,
		transactionsTable: transactionsTable,
		nowFunc:           time.Now,
	}
}

// Create persists a new order in the pending state at version 1.
func (s *Store) Create(ctx context.Context, o Order) (Order, error) {
	if o.ID == "" || o.EstablishmentID == "" {
		return Order{}, errors.New("order id and establishment id are required")
	}
	if o.State == "" {
		o.State = StatePending
	}
	if o.State != StatePending || o.Settlement != SettlementNone {
		return Order{}, fmt.Errorf("%w: orders are created pending, got %s", ErrInvalidTransition, o.State)
	}
	now := s.nowFunc().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Version = 1

	item, err := attributevalue.MarshalMap(toRecord(o))
	if err != nil {
		return Order{}, fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.ordersTable,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return Order{}, ErrAlreadyExists
		}
		return Order{}, fmt.Errorf("put order: %w", err)
	}
	return o, nil
}

// Get fetches an order by id. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.ordersTable,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	o, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetTransaction returns the settlement transaction of an order.
func (s *Store) GetTransaction(ctx context.Context, orderID string) (*Transaction, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.transactionsTable,
		Key: map[string]types.AttributeValue{
			"transaction_id": &types.AttributeValueMemberS{Value: orderID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var rec transactionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	t, err := fromTransactionRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", orderID, err)
	}
	return &t, nil
}

// Apply reads the order, runs the state machine and writes the result
// conditionally on the version read. A lost race is retried against the
// fresh row, so the state machine re-checks monotonicity each time. When
// the transition settles the order, the Transaction is written in the same
// DynamoDB transaction.
func (s *Store) Apply(ctx context.Context, orderID string, ev Event) (Result, error) {
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		cur, err := s.Get(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		res, err := Apply(*cur, ev, s.nowFunc().UTC())
		if err != nil || res.Outcome != Applied {
			return res, err
		}
		if err := res.Order.Validate(); err != nil {
			return Result{}, err
		}

		var txn *Transaction
		if res.Settled {
			t := TransactionFor(res.Order)
			txn = &t
		}
		err = s.save(ctx, res.Order, cur.Version, txn)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("order %s: %w after %d attempts", orderID, ErrVersionConflict, maxApplyAttempts)
}

func (s *Store) save(ctx context.Context, o Order, expectedVersion int64, txn *Transaction) error {
	item, err := attributevalue.MarshalMap(toRecord(o))
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	put := &types.Put{
		TableName:                &s.ordersTable,
		Item:                     item,
		ConditionExpression:      awsString("#v = :expected"),
		ExpressionAttributeNames: map[string]string{"#v": "version"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	}

	if txn == nil {
		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:                 put.TableName,
			Item:                      put.Item,
			ConditionExpression:       put.ConditionExpression,
			ExpressionAttributeNames:  put.ExpressionAttributeNames,
			ExpressionAttributeValues: put.ExpressionAttributeValues,
		})
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				return ErrVersionConflict
			}
			return fmt.Errorf("put order: %w", err)
		}
		return nil
	}

	txnItem, err := attributevalue.MarshalMap(toTransactionRecord(*txn))
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: put},
			{
				Put: &types.Put{
					TableName:           &s.transactionsTable,
					Item:                txnItem,
					ConditionExpression: awsString("attribute_not_exists(transaction_id)"),
				},
			},
		},
	})
	if err != nil {
		// either the order moved on or the transaction already exists; both
		// are resolved by re-reading the order
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return ErrVersionConflict
		}
		return fmt.Errorf("transact write order: %w", err)
	}
	return nil
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }

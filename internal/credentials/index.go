package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/tablepay/internal/aws"
)

// ErrNotIndexed means no initiation recorded the payment id.
var ErrNotIndexed = errors.New("payment id not indexed")

// IndexEntry maps a gateway payment id to the establishment and order that
// created it.
type IndexEntry struct {
	PaymentID       string    `dynamodbav:"payment_id"` // PK
	EstablishmentID string    `dynamodbav:"establishment_id"`
	OrderID         string    `dynamodbav:"order_id"`
	CreatedAt       time.Time `dynamodbav:"created_at"`
}

// PaymentIndex is the payment id → establishment lookup used by the webhook
// path. It is written at initiation and backfilled by reconciliation.
type PaymentIndex struct {
	client  aws.DynamoDBAPI
	table   string
	nowFunc func() time.Time
}

// NewPaymentIndex creates a PaymentIndex over a DynamoDB table keyed by payment_id.
func NewPaymentIndex(client aws.DynamoDBAPI, table string) *PaymentIndex {
	return &PaymentIndex{client: client, table: table, nowFunc: time.Now}
}

// Put records the owner of a payment id. Entries never change owner, so an
// existing entry is left as is.
func (p *PaymentIndex) Put(ctx context.Context, e IndexEntry) error {
	if e.PaymentID == "" || e.EstablishmentID == "" {
		return errors.New("index entry requires payment id and establishment id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = p.nowFunc().UTC()
	}
	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}
	_, err = p.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &p.table,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(payment_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("put index entry: %w", err)
	}
	return nil
}

// Lookup returns the entry for paymentID or ErrNotIndexed.
func (p *PaymentIndex) Lookup(ctx context.Context, paymentID string) (*IndexEntry, error) {
	out, err := p.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &p.table,
		Key: map[string]types.AttributeValue{
			"payment_id": &types.AttributeValueMemberS{Value: paymentID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get index entry: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotIndexed
	}
	var e IndexEntry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("unmarshal index entry: %w", err)
	}
	return &e, nil
}

func awsString(s string) *string { return &s }

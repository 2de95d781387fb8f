package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/imrishuroy/tablepay/internal/aws"
)

var (
	// ErrConditionFailed indicates a conditional write lost to another writer.
	ErrConditionFailed = errors.New("conditional check failed")
	// ErrKeyReused is returned when a key comes back with a different payload.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewStore returns a configured Store. ttlWindow sets expires_at on new
// entries; the table's TTL setting removes them afterwards.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// Begin claims key within scope for a request. The caller runs the request
// only on Proceed and must then call MarkDone or MarkFailed. Replay returns
// the stored record.
func (s *Store) Begin(ctx context.Context, scope, key, resourceID, fingerprint string) (Decision, *Record, error) {
	full := scopedKey(scope, key)
	created, err := s.CreateIfNotExists(ctx, scope, full, resourceID, fingerprint)
	if err != nil {
		return 0, nil, err
	}
	if created {
		return Proceed, nil, nil
	}

	rec, err := s.get(ctx, full)
	if err != nil {
		return 0, nil, err
	}
	if rec == nil {
		// removed by TTL between the two calls
		return InFlight, nil, nil
	}
	if rec.Fingerprint != "" && fingerprint != "" && rec.Fingerprint != fingerprint {
		return 0, rec, ErrKeyReused
	}

	switch rec.Status {
	case StatusDone:
		return Replay, rec, nil
	case StatusFailed:
		err := s.Reopen(ctx, full)
		if errors.Is(err, ErrConditionFailed) {
			return InFlight, rec, nil
		}
		if err != nil {
			return 0, nil, err
		}
		return Proceed, nil, nil
	default:
		return InFlight, rec, nil
	}
}

// CreateIfNotExists creates an IN_PROGRESS record if the key does not exist.
// It returns false, nil when the record already exists.
func (s *Store) CreateIfNotExists(ctx context.Context, scope, key, resourceID, fingerprint string) (bool, error) {
	now := s.nowFunc()
	rec := Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		Scope:          scope,
		ResourceID:     resourceID,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves the record for key in scope. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, scope, key string) (*Record, error) {
	return s.get(ctx, scopedKey(scope, key))
}

func (s *Store) get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyAttr(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Reopen moves a FAILED record back to IN_PROGRESS so a retry can run.
func (s *Store) Reopen(ctx context.Context, key string) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyAttr(key),
		UpdateExpression:         awsString("SET #s = :running, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :failed"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":running": &types.AttributeValueMemberS{Value: StatusInProgress},
			":failed":  &types.AttributeValueMemberS{Value: StatusFailed},
			":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (reopen): %w", err)
	}
	return nil
}

// MarkDone stores the response for a key in scope. Only an IN_PROGRESS
// record can complete.
func (s *Store) MarkDone(ctx context.Context, scope, key, responseBody string, responseStatus int) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyAttr(scopedKey(scope, key)),
		UpdateExpression:         awsString("SET #s = :done, response_body = :rb, response_status = :rs, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :running"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":    &types.AttributeValueMemberS{Value: StatusDone},
			":running": &types.AttributeValueMemberS{Value: StatusInProgress},
			":rb":      &types.AttributeValueMemberS{Value: responseBody},
			":rs":      &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)},
			":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// MarkFailed marks the record FAILED so the next request with the key runs
// again.
func (s *Store) MarkFailed(ctx context.Context, scope, key, note string) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyAttr(scopedKey(scope, key)),
		UpdateExpression:         awsString("SET #s = :failed, note = :n, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":n":      &types.AttributeValueMemberS{Value: note},
			":ua":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

func scopedKey(scope, key string) string { return scope + "#" + key }

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func conditionFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }

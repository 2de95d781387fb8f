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

const scanPageSize = 100

// Store persists credentials in DynamoDB, one item per establishment.
type Store struct {
	client  aws.DynamoDBAPI
	table   string
	nowFunc func() time.Time
}

// NewStore creates a credential Store.
func NewStore(client aws.DynamoDBAPI, table string) *Store {
	return &Store{client: client, table: table, nowFunc: time.Now}
}

// Get returns the establishment's credential or ErrNotFound.
func (s *Store) Get(ctx context.Context, establishmentID string) (*Credential, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.table,
		Key:       key(establishmentID),
	})
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var c Credential
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}
	return &c, nil
}

// Upsert writes the credential, replacing any previous one for the same
// establishment.
func (s *Store) Upsert(ctx context.Context, c Credential) error {
	if c.EstablishmentID == "" || c.AccessToken == "" {
		return errors.New("credential requires establishment id and access token")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.nowFunc().UTC()
	}
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.table, Item: item}); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// Delete removes the credential. Deleting a missing credential is not an error.
func (s *Store) Delete(ctx context.Context, establishmentID string) error {
	if _, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.table,
		Key:       key(establishmentID),
	}); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// List returns every stored credential.
func (s *Store) List(ctx context.Context) ([]Credential, error) {
	var (
		out   []Credential
		start map[string]types.AttributeValue
	)
	limit := int32(scanPageSize)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:         &s.table,
			Limit:             &limit,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan credentials: %w", err)
		}
		var batch []Credential
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal credentials: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func key(establishmentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"establishment_id": &types.AttributeValueMemberS{Value: establishmentID},
	}
}

package dynamodb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DedupStore claims inbound message ids in a table keyed on message_id.
// expires_at should be configured as the table's TTL attribute.
type DedupStore struct {
	client    API
	tableName string
	now       func() time.Time
}

// NewDedupStore creates a new dedup store
func NewDedupStore(client API, tableName string) *DedupStore {
	return &DedupStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// Claim returns true when no unexpired claim for id exists. DynamoDB TTL
// deletion is lazy, so expiry is also checked in the condition.
func (s *DedupStore) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := s.now()

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item: map[string]types.AttributeValue{
			"message_id": stringAttr(id),
			"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)},
		},
		ConditionExpression: stringPtr("attribute_not_exists(message_id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim message id: %w", err)
	}
	return true, nil
}

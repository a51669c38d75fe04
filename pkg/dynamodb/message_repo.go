package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/replyrouter/pkg/models"
)

// MessageRepository stores conversation lines keyed on (conversation_id, message_id)
type MessageRepository struct {
	client    API
	tableName string
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(client API, tableName string) *MessageRepository {
	return &MessageRepository{
		client:    client,
		tableName: tableName,
	}
}

// SaveMessage stores a message in the conversation history
func (r *MessageRepository) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.MessageID == "" {
		msg.MessageID = models.NewMessageID()
	}

	item, err := attributevalue.MarshalMap(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &r.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}

	return nil
}

// ListMessages retrieves conversation history sorted by message id
func (r *MessageRepository) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	items, err := queryAll(ctx, r.client, &dynamodb.QueryInput{
		TableName:              &r.tableName,
		KeyConditionExpression: stringPtr("conversation_id = :convId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":convId": stringAttr(conversationID),
		},
		ScanIndexForward: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	var messages []models.Message
	if err := attributevalue.UnmarshalListOfMaps(items, &messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}

	return messages, nil
}

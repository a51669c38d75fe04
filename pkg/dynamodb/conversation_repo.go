package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/replyrouter/pkg/models"
)

// ConversationIDIndex is the global secondary index on conversation_id
const ConversationIDIndex = "conversation_id-index"

// ConversationRepository handles DynamoDB operations for conversations.
// The table is keyed on conversation_key, the identity triple.
type ConversationRepository struct {
	client    API
	tableName string
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(client API, tableName string) *ConversationRepository {
	return &ConversationRepository{
		client:    client,
		tableName: tableName,
	}
}

// FindOrCreate returns the conversation for the identity triple, creating it
// with a conditional put so concurrent first messages converge on one record
func (r *ConversationRepository) FindOrCreate(ctx context.Context, connectionID, externalUserID, channel string) (*models.Conversation, error) {
	key := models.IdentityKey(connectionID, externalUserID, channel)

	conv, err := r.getByKey(ctx, key, false)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	conv = models.NewConversation(connectionID, externalUserID, channel)
	item, err := attributevalue.MarshalMap(conv)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &r.tableName,
		Item:                item,
		ConditionExpression: stringPtr("attribute_not_exists(conversation_key)"),
	})
	if isConditionFailed(err) {
		// lost the race; the winner's record is authoritative
		return r.getByKey(ctx, key, true)
	}
	if err != nil {
		return nil, fmt.Errorf("put conversation: %w", err)
	}

	return conv, nil
}

// Save writes the turn state with a single UpdateItem. Unsaved turns are added
// to message_count and taken_over_by_agent is only ever raised here, so a stale
// copy saved by a concurrent turn in another container cannot clear a takeover.
// conv is refreshed from the stored record.
func (r *ConversationRepository) Save(ctx context.Context, conv *models.Conversation) error {
	conv.UpdatedAt = time.Now()
	values, err := attributevalue.MarshalMap(map[string]any{
		":cid":   conv.ConversationID,
		":conn":  conv.ConnectionID,
		":user":  conv.ExternalUserID,
		":ch":    conv.Channel,
		":sd":    conv.SessionData,
		":ud":    conv.UserData,
		":ca":    conv.CreatedAt,
		":ua":    conv.UpdatedAt,
		":tko":   conv.TakenOverByAgent,
		":turns": conv.UnsavedTurns(),
	})
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	set := []string{
		"conversation_id = :cid",
		"connection_id = :conn",
		"external_user_id = :user",
		"#ch = :ch",
		"session_data = :sd",
		"user_data = :ud",
		"created_at = if_not_exists(created_at, :ca)",
		"updated_at = :ua",
	}
	if conv.TakenOverByAgent {
		set = append(set, "taken_over_by_agent = :tko")
	} else {
		set = append(set, "taken_over_by_agent = if_not_exists(taken_over_by_agent, :tko)")
	}
	if conv.LastIntent != "" {
		set = append(set, "last_intent = :li")
		values[":li"] = stringAttr(conv.LastIntent)
	}
	if conv.LastProvider != "" {
		set = append(set, "last_provider = :lp")
		values[":lp"] = stringAttr(conv.LastProvider)
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &r.tableName,
		Key: map[string]types.AttributeValue{
			"conversation_key": stringAttr(conv.Key),
		},
		UpdateExpression:          stringPtr("SET " + strings.Join(set, ", ") + " ADD message_count :turns"),
		ExpressionAttributeNames:  map[string]string{"#ch": "channel"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	if len(out.Attributes) > 0 {
		var stored models.Conversation
		if err := attributevalue.UnmarshalMap(out.Attributes, &stored); err != nil {
			return fmt.Errorf("unmarshal conversation: %w", err)
		}
		conv.MessageCount = stored.MessageCount
		conv.TakenOverByAgent = stored.TakenOverByAgent
	}
	conv.MarkSaved()
	return nil
}

// GetConversation looks a conversation up by id through the conversation_id index
func (r *ConversationRepository) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &r.tableName,
		IndexName:              stringPtr(ConversationIDIndex),
		KeyConditionExpression: stringPtr("conversation_id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": stringAttr(conversationID),
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	if len(result.Items) == 0 {
		return nil, models.ErrNotFound
	}

	var conv models.Conversation
	if err := attributevalue.UnmarshalMap(result.Items[0], &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// SetTakeover hands a conversation to live agents or back to automation.
// It is the only write that lowers taken_over_by_agent.
func (r *ConversationRepository) SetTakeover(ctx context.Context, conversationID string, taken bool) (*models.Conversation, error) {
	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	values, err := attributevalue.MarshalMap(map[string]any{
		":t":   taken,
		":now": time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal takeover: %w", err)
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &r.tableName,
		Key: map[string]types.AttributeValue{
			"conversation_key": stringAttr(conv.Key),
		},
		UpdateExpression:          stringPtr("SET taken_over_by_agent = :t, updated_at = :now"),
		ConditionExpression:       stringPtr("attribute_exists(conversation_key)"),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update takeover: %w", err)
	}

	if len(out.Attributes) > 0 {
		if err := attributevalue.UnmarshalMap(out.Attributes, conv); err != nil {
			return nil, fmt.Errorf("unmarshal conversation: %w", err)
		}
	} else {
		conv.TakenOverByAgent = taken
	}
	return conv, nil
}

func (r *ConversationRepository) getByKey(ctx context.Context, key string, consistent bool) (*models.Conversation, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.tableName,
		Key: map[string]types.AttributeValue{
			"conversation_key": stringAttr(key),
		},
		ConsistentRead: boolPtr(consistent),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrNotFound
	}

	var conv models.Conversation
	if err := attributevalue.UnmarshalMap(result.Item, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}

	return &conv, nil
}

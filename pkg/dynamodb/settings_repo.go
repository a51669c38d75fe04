package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/replyrouter/pkg/models"
)

// SettingsRepository stores per-bot settings keyed on bot_id
type SettingsRepository struct {
	client    API
	tableName string
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(client API, tableName string) *SettingsRepository {
	return &SettingsRepository{
		client:    client,
		tableName: tableName,
	}
}

// GetSettings returns models.ErrNotFound when the bot has no stored settings
func (r *SettingsRepository) GetSettings(ctx context.Context, botID string) (*models.BotSettings, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.tableName,
		Key: map[string]types.AttributeValue{
			"bot_id": stringAttr(botID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrNotFound
	}

	var settings models.BotSettings
	if err := attributevalue.UnmarshalMap(result.Item, &settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &settings, nil
}

// PutSettings stores a bot's settings
func (r *SettingsRepository) PutSettings(ctx context.Context, settings *models.BotSettings) error {
	item, err := attributevalue.MarshalMap(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &r.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/replyrouter/pkg/models"
)

// TemplateRepository stores response templates keyed on (bot_id, template_id)
type TemplateRepository struct {
	client    API
	tableName string
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(client API, tableName string) *TemplateRepository {
	return &TemplateRepository{
		client:    client,
		tableName: tableName,
	}
}

// ListTemplates returns every template of a bot, soft-deleted ones included
func (r *TemplateRepository) ListTemplates(ctx context.Context, botID string) ([]models.ResponseTemplate, error) {
	items, err := queryAll(ctx, r.client, &dynamodb.QueryInput{
		TableName:              &r.tableName,
		KeyConditionExpression: stringPtr("bot_id = :botId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":botId": stringAttr(botID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}

	var templates []models.ResponseTemplate
	if err := attributevalue.UnmarshalListOfMaps(items, &templates); err != nil {
		return nil, fmt.Errorf("unmarshal templates: %w", err)
	}
	return templates, nil
}

// GetTemplate retrieves a single template
func (r *TemplateRepository) GetTemplate(ctx context.Context, botID, templateID string) (*models.ResponseTemplate, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.tableName,
		Key:       templateKey(botID, templateID),
	})
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrNotFound
	}

	var tmpl models.ResponseTemplate
	if err := attributevalue.UnmarshalMap(result.Item, &tmpl); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &tmpl, nil
}

// PutTemplate creates or replaces a template
func (r *TemplateRepository) PutTemplate(ctx context.Context, tmpl *models.ResponseTemplate) error {
	item, err := attributevalue.MarshalMap(tmpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &r.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put template: %w", err)
	}
	return nil
}

// IncrementTemplateUsage atomically bumps the usage counter
func (r *TemplateRepository) IncrementTemplateUsage(ctx context.Context, botID, templateID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.tableName,
		Key:                 templateKey(botID, templateID),
		UpdateExpression:    stringPtr("ADD usage_count :one"),
		ConditionExpression: stringPtr("attribute_exists(template_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if isConditionFailed(err) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("increment template usage: %w", err)
	}
	return nil
}

func templateKey(botID, templateID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"bot_id":      stringAttr(botID),
		"template_id": stringAttr(templateID),
	}
}

package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/replyrouter/pkg/models"
)

// RuleRepository stores rules keyed on (bot_id, rule_id). Rule ids are ULIDs,
// so the sort key keeps creation order.
type RuleRepository struct {
	client    API
	tableName string
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(client API, tableName string) *RuleRepository {
	return &RuleRepository{
		client:    client,
		tableName: tableName,
	}
}

// ListRules returns every rule of a bot, soft-deleted ones included
func (r *RuleRepository) ListRules(ctx context.Context, botID string) ([]models.Rule, error) {
	items, err := queryAll(ctx, r.client, &dynamodb.QueryInput{
		TableName:              &r.tableName,
		KeyConditionExpression: stringPtr("bot_id = :botId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":botId": stringAttr(botID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}

	var rules []models.Rule
	if err := attributevalue.UnmarshalListOfMaps(items, &rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	return rules, nil
}

// GetRule retrieves a single rule
func (r *RuleRepository) GetRule(ctx context.Context, botID, ruleID string) (*models.Rule, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.tableName,
		Key:       ruleKey(botID, ruleID),
	})
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrNotFound
	}

	var rule models.Rule
	if err := attributevalue.UnmarshalMap(result.Item, &rule); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	return &rule, nil
}

// PutRule creates or replaces a rule
func (r *RuleRepository) PutRule(ctx context.Context, rule *models.Rule) error {
	item, err := attributevalue.MarshalMap(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &r.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put rule: %w", err)
	}
	return nil
}

// IncrementRuleExecution atomically bumps the execution counter and timestamp
func (r *RuleRepository) IncrementRuleExecution(ctx context.Context, botID, ruleID string, at time.Time) error {
	executedAt, err := attributevalue.Marshal(at)
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.tableName,
		Key:                 ruleKey(botID, ruleID),
		UpdateExpression:    stringPtr("ADD execution_count :one SET last_executed_at = :now"),
		ConditionExpression: stringPtr("attribute_exists(rule_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":now": executedAt,
		},
	})
	if isConditionFailed(err) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("increment rule execution: %w", err)
	}
	return nil
}

func ruleKey(botID, ruleID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"bot_id":  stringAttr(botID),
		"rule_id": stringAttr(ruleID),
	}
}

package dynamodb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/replyrouter/pkg/models"
)

// MockAPI is a mock implementation of API
type MockAPI struct {
	GetItemFunc    func(ctx context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	PutItemFunc    func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	UpdateItemFunc func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	QueryFunc      func(ctx context.Context, params *dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
}

var _ API = (*MockAPI)(nil)

func (m *MockAPI) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.GetItemFunc != nil {
		return m.GetItemFunc(ctx, params)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *MockAPI) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.PutItemFunc != nil {
		return m.PutItemFunc(ctx, params)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *MockAPI) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.UpdateItemFunc != nil {
		return m.UpdateItemFunc(ctx, params)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *MockAPI) Query(ctx context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, params)
	}
	return &dynamodb.QueryOutput{}, nil
}

func conditionFailed() error {
	msg := "The conditional request failed"
	return &types.ConditionalCheckFailedException{Message: &msg}
}

func TestConversationFindOrCreate(t *testing.T) {
	existing := models.NewConversation("conn-1", "U1", "slack")
	existing.MessageCount = 4
	existingItem, err := attributevalue.MarshalMap(existing)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tests := []struct {
		name           string
		getItems       []map[string]types.AttributeValue
		putErr         error
		wantErr        bool
		wantCount      int
		wantPuts       int
		wantConsistent bool
	}{
		{
			name:      "existing conversation",
			getItems:  []map[string]types.AttributeValue{existingItem},
			wantCount: 4,
		},
		{
			name:      "created",
			getItems:  []map[string]types.AttributeValue{nil},
			wantPuts:  1,
			wantCount: 0,
		},
		{
			name:           "lost race reads winner",
			getItems:       []map[string]types.AttributeValue{nil, existingItem},
			putErr:         conditionFailed(),
			wantPuts:       1,
			wantCount:      4,
			wantConsistent: true,
		},
		{
			name:     "put failure",
			getItems: []map[string]types.AttributeValue{nil},
			putErr:   errors.New("throttled"),
			wantPuts: 1,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gets, puts int
			var lastConsistent bool
			api := &MockAPI{
				GetItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
					key := params.Key["conversation_key"].(*types.AttributeValueMemberS).Value
					if want := models.IdentityKey("conn-1", "U1", "slack"); key != want {
						t.Errorf("key = %q, want %q", key, want)
					}
					lastConsistent = params.ConsistentRead != nil && *params.ConsistentRead
					item := tt.getItems[gets]
					gets++
					return &dynamodb.GetItemOutput{Item: item}, nil
				},
				PutItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
					puts++
					if params.ConditionExpression == nil || *params.ConditionExpression != "attribute_not_exists(conversation_key)" {
						t.Errorf("unexpected condition %v", params.ConditionExpression)
					}
					return &dynamodb.PutItemOutput{}, tt.putErr
				},
			}

			repo := NewConversationRepository(api, "conversations")
			conv, err := repo.FindOrCreate(context.Background(), "conn-1", "U1", "slack")
			if (err != nil) != tt.wantErr {
				t.Fatalf("FindOrCreate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if puts != tt.wantPuts {
				t.Errorf("puts = %d, want %d", puts, tt.wantPuts)
			}
			if tt.wantErr {
				return
			}
			if conv.MessageCount != tt.wantCount {
				t.Errorf("MessageCount = %d, want %d", conv.MessageCount, tt.wantCount)
			}
			if lastConsistent != tt.wantConsistent {
				t.Errorf("consistent read = %v, want %v", lastConsistent, tt.wantConsistent)
			}
		})
	}
}

func TestConversationSave(t *testing.T) {
	tests := []struct {
		name         string
		takenOver    bool
		wantTakeover string
	}{
		{name: "never lowers takeover", takenOver: false, wantTakeover: "taken_over_by_agent = if_not_exists(taken_over_by_agent, :tko)"},
		{name: "raises takeover", takenOver: true, wantTakeover: "taken_over_by_agent = :tko"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var input *dynamodb.UpdateItemInput
			api := &MockAPI{
				UpdateItemFunc: func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
					input = params
					// another container already handed off and counted four turns
					stored, _ := attributevalue.MarshalMap(models.Conversation{
						Key:              "k",
						TakenOverByAgent: true,
						MessageCount:     5,
					})
					return &dynamodb.UpdateItemOutput{Attributes: stored}, nil
				},
			}

			conv := models.NewConversation("conn-1", "U1", "slack")
			conv.UpdatedAt = time.Time{}
			conv.TakenOverByAgent = tt.takenOver
			conv.RecordTurn("greeting", "")
			if err := NewConversationRepository(api, "conversations").Save(context.Background(), conv); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			expr := *input.UpdateExpression
			if !strings.Contains(expr, tt.wantTakeover) {
				t.Errorf("UpdateExpression = %q, want %q", expr, tt.wantTakeover)
			}
			if !strings.HasSuffix(expr, "ADD message_count :turns") {
				t.Errorf("UpdateExpression = %q, want ADD message_count", expr)
			}
			if strings.Contains(expr, "last_provider") {
				t.Errorf("empty provider should not be written: %q", expr)
			}
			if n := input.ExpressionAttributeValues[":turns"].(*types.AttributeValueMemberN).Value; n != "1" {
				t.Errorf(":turns = %s, want 1", n)
			}
			if key := input.Key["conversation_key"].(*types.AttributeValueMemberS).Value; key != conv.Key {
				t.Errorf("conversation_key = %q, want %q", key, conv.Key)
			}
			if conv.UpdatedAt.IsZero() {
				t.Error("expected UpdatedAt to be set")
			}
			if !conv.TakenOverByAgent || conv.MessageCount != 5 || conv.UnsavedTurns() != 0 {
				t.Errorf("conversation not refreshed from store: %+v", conv)
			}
		})
	}
}

func TestConversationSetTakeover(t *testing.T) {
	stored := models.NewConversation("conn-1", "U1", "slack")
	stored.TakenOverByAgent = true
	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tests := []struct {
		name      string
		items     []map[string]types.AttributeValue
		updateErr error
		wantErr   error
	}{
		{name: "released", items: []map[string]types.AttributeValue{item}},
		{name: "unknown conversation", wantErr: models.ErrNotFound},
		{name: "deleted between read and write", items: []map[string]types.AttributeValue{item}, updateErr: conditionFailed(), wantErr: models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &MockAPI{
				QueryFunc: func(ctx context.Context, params *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
					if *params.IndexName != ConversationIDIndex {
						t.Errorf("IndexName = %q", *params.IndexName)
					}
					if id := params.ExpressionAttributeValues[":id"].(*types.AttributeValueMemberS).Value; id != stored.ConversationID {
						t.Errorf(":id = %q", id)
					}
					return &dynamodb.QueryOutput{Items: tt.items}, nil
				},
				UpdateItemFunc: func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
					if key := params.Key["conversation_key"].(*types.AttributeValueMemberS).Value; key != stored.Key {
						t.Errorf("conversation_key = %q", key)
					}
					if v := params.ExpressionAttributeValues[":t"].(*types.AttributeValueMemberBOOL).Value; v {
						t.Error(":t should be false")
					}
					return &dynamodb.UpdateItemOutput{}, tt.updateErr
				},
			}

			got, err := NewConversationRepository(api, "conversations").SetTakeover(context.Background(), stored.ConversationID, false)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SetTakeover() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got.TakenOverByAgent {
				t.Error("conversation should be released")
			}
		})
	}
}

func TestMessageRepository(t *testing.T) {
	var stored []map[string]types.AttributeValue
	api := &MockAPI{
		PutItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			stored = append(stored, params.Item)
			return &dynamodb.PutItemOutput{}, nil
		},
		QueryFunc: func(ctx context.Context, params *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			id := params.ExpressionAttributeValues[":convId"].(*types.AttributeValueMemberS).Value
			if id != "conv-1" {
				t.Errorf("conversation id = %q", id)
			}
			return &dynamodb.QueryOutput{Items: stored}, nil
		},
	}

	repo := NewMessageRepository(api, "messages")
	msg := &models.Message{ConversationID: "conv-1", Sender: models.SenderUser, Content: "xin chào", Type: models.MessageTypeText}
	if err := repo.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	if msg.MessageID == "" {
		t.Error("expected message id to be assigned")
	}

	got, err := repo.ListMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "xin chào" {
		t.Errorf("ListMessages() = %+v", got)
	}
}

func TestQueryAllFollowsPages(t *testing.T) {
	rule := func(id string) map[string]types.AttributeValue {
		item, err := attributevalue.MarshalMap(models.Rule{RuleID: id, BotID: "bot-1"})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return item
	}

	var calls int
	api := &MockAPI{
		QueryFunc: func(ctx context.Context, params *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			calls++
			if calls == 1 {
				return &dynamodb.QueryOutput{
					Items:            []map[string]types.AttributeValue{rule("r1")},
					LastEvaluatedKey: ruleKey("bot-1", "r1"),
				}, nil
			}
			if params.ExclusiveStartKey == nil {
				t.Error("expected ExclusiveStartKey on second page")
			}
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{rule("r2")}}, nil
		},
	}

	rules, err := NewRuleRepository(api, "rules").ListRules(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(rules) != 2 || rules[0].RuleID != "r1" || rules[1].RuleID != "r2" {
		t.Errorf("ListRules() = %+v", rules)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestIncrementRuleExecution(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "ok"},
		{name: "missing rule", err: conditionFailed(), wantErr: models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &MockAPI{
				UpdateItemFunc: func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
					if got := *params.UpdateExpression; got != "ADD execution_count :one SET last_executed_at = :now" {
						t.Errorf("UpdateExpression = %q", got)
					}
					if _, ok := params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS); !ok {
						t.Errorf("expected :now to be a string attribute")
					}
					return &dynamodb.UpdateItemOutput{}, tt.err
				},
			}

			err := NewRuleRepository(api, "rules").IncrementRuleExecution(context.Background(), "bot-1", "r1", time.Now())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("IncrementRuleExecution() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetMissingItems(t *testing.T) {
	api := &MockAPI{}

	if _, err := NewRuleRepository(api, "rules").GetRule(context.Background(), "bot-1", "r1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetRule() error = %v", err)
	}
	if _, err := NewTemplateRepository(api, "templates").GetTemplate(context.Background(), "bot-1", "t1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetTemplate() error = %v", err)
	}
	if _, err := NewSettingsRepository(api, "settings").GetSettings(context.Background(), "bot-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetSettings() error = %v", err)
	}
}

func TestIncrementTemplateUsage(t *testing.T) {
	api := &MockAPI{
		UpdateItemFunc: func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			id := params.Key["template_id"].(*types.AttributeValueMemberS).Value
			if id != "t1" {
				t.Errorf("template_id = %q", id)
			}
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	if err := NewTemplateRepository(api, "templates").IncrementTemplateUsage(context.Background(), "bot-1", "t1"); err != nil {
		t.Errorf("IncrementTemplateUsage() error = %v", err)
	}
}

func TestDedupStoreClaim(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		err     error
		want    bool
		wantErr bool
	}{
		{name: "first claim", want: true},
		{name: "already claimed", err: conditionFailed(), want: false},
		{name: "store failure", err: errors.New("boom"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &MockAPI{
				PutItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
					expires := params.Item["expires_at"].(*types.AttributeValueMemberN).Value
					if want := strconv.FormatInt(now.Add(time.Minute).Unix(), 10); expires != want {
						t.Errorf("expires_at = %s, want %s", expires, want)
					}
					cutoff := params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value
					if want := strconv.FormatInt(now.Unix(), 10); cutoff != want {
						t.Errorf(":now = %s, want %s", cutoff, want)
					}
					return &dynamodb.PutItemOutput{}, tt.err
				},
			}

			store := NewDedupStore(api, "dedup")
			store.now = func() time.Time { return now }

			got, err := store.Claim(context.Background(), "Ev1", time.Minute)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Claim() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Claim() = %v, want %v", got, tt.want)
			}
		})
	}
}

package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
)

// MockStore mocks the rule Store for testing
type MockStore struct {
	mu       sync.Mutex
	Rules    []models.Rule
	ListErr  error
	IncErr   error
	Executed []string
}

var _ Store = (*MockStore)(nil)

func (m *MockStore) ListRules(ctx context.Context, botID string) ([]models.Rule, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []models.Rule
	for _, r := range m.Rules {
		if r.BotID == botID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockStore) IncrementRuleExecution(ctx context.Context, botID, ruleID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executed = append(m.Executed, ruleID)
	return m.IncErr
}

// MockHooks mocks HookExecutor for testing
type MockHooks struct {
	ExecuteFunc func(ctx context.Context, req HookRequest) error
	Calls       []HookRequest
}

var _ HookExecutor = (*MockHooks)(nil)

func (m *MockHooks) Execute(ctx context.Context, req HookRequest) error {
	m.Calls = append(m.Calls, req)
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, req)
	}
	return nil
}

func rule(id string, trigger models.TriggerType, value string, priority int, text string) models.Rule {
	return models.Rule{
		RuleID:       id,
		BotID:        "bot-1",
		Name:         id,
		TriggerType:  trigger,
		TriggerValue: value,
		RuleType:     models.RuleResponse,
		Action:       models.RuleAction{Text: text},
		Priority:     priority,
		Active:       true,
	}
}

func TestEvaluateTriggers(t *testing.T) {
	tests := []struct {
		name   string
		rule   models.Rule
		in     Input
		wantOK bool
	}{
		{"intent match", rule("r", models.TriggerIntent, "greeting", 1, "hi"), Input{Intent: "greeting"}, true},
		{"intent mismatch", rule("r", models.TriggerIntent, "greeting", 1, "hi"), Input{Intent: "thanks"}, false},
		{"keyword case insensitive", rule("r", models.TriggerKeyword, "Ship", 1, "hi"), Input{Text: "phí SHIP bao nhiêu"}, true},
		{"keyword list", rule("r", models.TriggerKeyword, "refund, hoàn tiền", 1, "hi"), Input{Text: "tôi muốn hoàn tiền"}, true},
		{"keyword absent", rule("r", models.TriggerKeyword, "refund", 1, "hi"), Input{Text: "hello"}, false},
		{"regex", rule("r", models.TriggerRegex, `ORD\d+`, 1, "hi"), Input{Text: "đơn ORD123"}, true},
		{"regex miss", rule("r", models.TriggerRegex, `^ORD\d+$`, 1, "hi"), Input{Text: "đơn ORD123"}, false},
		{"invalid regex never matches", rule("r", models.TriggerRegex, `ORD(\d+`, 1, "hi"), Input{Text: "ORD1"}, false},
		{"condition", rule("r", models.TriggerCondition, "num(cart) > 2", 1, "hi"), Input{Vars: map[string]string{"cart": "3"}}, true},
		{"condition error never matches", rule("r", models.TriggerCondition, "num(cart) > 2", 1, "hi"), Input{Vars: map[string]string{"cart": "many"}}, false},
		{"always", rule("r", models.TriggerAlways, "", 1, "hi"), Input{}, true},
		{"unknown trigger", rule("r", models.TriggerType("SOMETIMES"), "", 1, "hi"), Input{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.BotID = "bot-1"
			e := NewEngine(&MockStore{Rules: []models.Rule{tt.rule}}, nil, nil, nil)
			got, err := e.Evaluate(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if (got != nil) != tt.wantOK {
				t.Errorf("Evaluate() matched = %v, want %v", got != nil, tt.wantOK)
			}
		})
	}
}

func TestEvaluatePriorityAndLiveness(t *testing.T) {
	low := rule("low", models.TriggerAlways, "", 1, "low")
	high := rule("high", models.TriggerAlways, "", 10, "high")
	inactive := rule("inactive", models.TriggerAlways, "", 100, "inactive")
	inactive.Active = false
	deleted := rule("deleted", models.TriggerAlways, "", 50, "deleted")
	deleted.Deleted = true
	broken := rule("broken", models.TriggerRegex, "(", 20, "broken")

	store := &MockStore{Rules: []models.Rule{low, inactive, broken, deleted, high}}
	e := NewEngine(store, nil, nil, nil)

	got, err := e.Evaluate(context.Background(), Input{BotID: "bot-1", Text: "x"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got == nil || got.Rule.RuleID != "high" {
		t.Fatalf("Evaluate() = %+v, want high", got)
	}
	if got.Replies[0].Content != "high" {
		t.Errorf("reply = %q, want high", got.Replies[0].Content)
	}
	if len(store.Executed) != 1 || store.Executed[0] != "high" {
		t.Errorf("executed = %v, want [high]", store.Executed)
	}
	if got.Rule.ExecutionCount != 1 || got.Rule.LastExecutedAt == nil {
		t.Errorf("winner counters not updated: %+v", got.Rule)
	}
}

func TestEvaluateEqualPriorityKeepsStoreOrder(t *testing.T) {
	store := &MockStore{Rules: []models.Rule{
		rule("first", models.TriggerAlways, "", 5, "first"),
		rule("second", models.TriggerAlways, "", 5, "second"),
	}}
	e := NewEngine(store, nil, nil, nil)

	got, err := e.Evaluate(context.Background(), Input{BotID: "bot-1"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Rule.RuleID != "first" {
		t.Errorf("Evaluate() = %s, want first", got.Rule.RuleID)
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	e := NewEngine(&MockStore{}, nil, nil, nil)
	got, err := e.Evaluate(context.Background(), Input{BotID: "bot-1", Text: "hi"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got != nil {
		t.Errorf("Evaluate() = %+v, want nil", got)
	}
}

func TestEvaluateStoreError(t *testing.T) {
	e := NewEngine(&MockStore{ListErr: errors.New("boom")}, nil, nil, nil)
	if _, err := e.Evaluate(context.Background(), Input{BotID: "bot-1"}); err == nil {
		t.Error("Evaluate() should return store errors")
	}
}

func TestEvaluateIncrementFailureStillMatches(t *testing.T) {
	store := &MockStore{
		Rules:  []models.Rule{rule("r", models.TriggerAlways, "", 1, "ok")},
		IncErr: errors.New("throttled"),
	}
	e := NewEngine(store, nil, nil, nil)

	got, err := e.Evaluate(context.Background(), Input{BotID: "bot-1"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got == nil || got.Replies[0].Content != "ok" {
		t.Errorf("Evaluate() = %+v", got)
	}
}

func TestEvaluatePanickingConditionIsSkipped(t *testing.T) {
	store := &MockStore{Rules: []models.Rule{
		rule("panics", models.TriggerCondition, "x", 10, "never"),
		rule("fallback", models.TriggerAlways, "", 1, "fallback"),
	}}
	conditions := ConditionFunc(func(string, map[string]string) (bool, error) {
		panic("bad evaluator")
	})
	e := NewEngine(store, conditions, nil, nil)

	got, err := e.Evaluate(context.Background(), Input{BotID: "bot-1"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got == nil || got.Rule.RuleID != "fallback" {
		t.Errorf("Evaluate() = %+v, want fallback", got)
	}
}

func TestEvaluateResponseInterpolates(t *testing.T) {
	r := rule("r", models.TriggerAlways, "", 1, "Chào {{name}}")
	r.Action.QuickReplies = []models.QuickReply{{Title: "Đơn {{order_id}}", Payload: "order:{{order_id}}"}}
	e := NewEngine(&MockStore{Rules: []models.Rule{r}}, nil, nil, nil)

	got, err := e.Evaluate(context.Background(), Input{
		BotID: "bot-1",
		Vars:  map[string]string{"name": "Ana", "order_id": "ORD9"},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Replies[0].Content != "Chào Ana" {
		t.Errorf("text = %q", got.Replies[0].Content)
	}
	if got.Replies[0].QuickReplies[0].Payload != "order:ORD9" {
		t.Errorf("payload = %q", got.Replies[0].QuickReplies[0].Payload)
	}
}

func TestEvaluateRedirect(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		text        string
		wantHandoff bool
		wantText    string
	}{
		{"to human", models.IntentHuman, "", true, DefaultRedirectText},
		{"to intent", "order_inquiry", "Kiểm tra đơn nhé", false, "Kiểm tra đơn nhé"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("r", models.TriggerAlways, "", 1, tt.text)
			r.RuleType = models.RuleRedirect
			r.Action.TargetIntent = tt.target
			e := NewEngine(&MockStore{Rules: []models.Rule{r}}, nil, nil, nil)

			got, err := e.Evaluate(context.Background(), Input{BotID: "bot-1"})
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got.Handoff != tt.wantHandoff {
				t.Errorf("Handoff = %v, want %v", got.Handoff, tt.wantHandoff)
			}
			if got.RedirectIntent != tt.target {
				t.Errorf("RedirectIntent = %q, want %q", got.RedirectIntent, tt.target)
			}
			if got.Replies[0].Content != tt.wantText {
				t.Errorf("text = %q, want %q", got.Replies[0].Content, tt.wantText)
			}
		})
	}
}

func TestEvaluateWebhookRunsHook(t *testing.T) {
	r := rule("r", models.TriggerAlways, "", 1, "")
	r.RuleType = models.RuleWebhook
	r.Action.Hook = "crm-sync"
	r.Action.Payload = map[string]any{"list": "vip"}

	hooks := &MockHooks{ExecuteFunc: func(ctx context.Context, req HookRequest) error {
		return errors.New("state machine unavailable")
	}}
	e := NewEngine(&MockStore{Rules: []models.Rule{r}}, nil, hooks, nil)

	got, err := e.Evaluate(context.Background(), Input{BotID: "bot-1", ConversationID: "conv-1", UserID: "U1", Text: "sync me"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Replies[0].Content != DefaultAckText {
		t.Errorf("text = %q, want ack", got.Replies[0].Content)
	}
	if len(hooks.Calls) != 1 {
		t.Fatalf("hook calls = %d, want 1", len(hooks.Calls))
	}
	call := hooks.Calls[0]
	if call.Hook != "crm-sync" || call.ConversationID != "conv-1" || call.Payload["list"] != "vip" {
		t.Errorf("hook request = %+v", call)
	}
}

func TestTestDoesNotRecord(t *testing.T) {
	r := rule("r", models.TriggerAlways, "", 1, "")
	r.RuleType = models.RuleScript
	store := &MockStore{Rules: []models.Rule{r}}
	hooks := &MockHooks{}
	e := NewEngine(store, nil, hooks, nil)

	got, err := e.Test(context.Background(), Input{BotID: "bot-1"})
	if err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if got == nil {
		t.Fatal("Test() should report the matching rule")
	}
	if len(store.Executed) != 0 {
		t.Errorf("Test() recorded executions: %v", store.Executed)
	}
	if len(hooks.Calls) != 0 {
		t.Errorf("Test() ran hooks: %d", len(hooks.Calls))
	}
}

func TestExprEvaluator(t *testing.T) {
	vars := map[string]string{
		"cart":    "3",
		"tier":    "gold",
		"city":    "Hà Nội",
		"message": "Giao Hàng nhanh",
		"note":    "a || b",
		"range":   "a>=b",
		"pair":    "x && y",
	}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{"cart != nil", true, false},
		{"coupon != nil", false, false},
		{"tier == 'gold'", true, false},
		{`tier != "silver"`, true, false},
		{"num(cart) > 2", true, false},
		{"num(cart) >= 3", true, false},
		{"num(cart) < 3", false, false},
		{"num(cart) <= 3", true, false},
		{"lower(message) contains 'giao hàng'", true, false},
		{"tier == 'gold' && num(cart) > 5", false, false},
		{"tier == 'silver' || num(cart) > 2", true, false},
		{"tier == 'silver' || num(cart) > 5 && city != nil", false, false},
		{"tier == 'gold' && num(cart) > 2 || nope != nil", true, false},
		{"note == 'a || b'", true, false},
		{"range == 'a>=b'", true, false},
		{`pair == "x && y" && tier == 'gold'`, true, false},
		{"note contains '||'", true, false},
		{"tier == 'a == b'", false, false},
		{"num(tier) > 2", false, true},
		{"num(coupon) > 2", false, true},
		{"tier > 2", false, true},
		{"", false, true},
		{"cart", false, true},
		{"num(cart) > 2 &&", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := (&ExprEvaluator{}).Evaluate(tt.expr, vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestExprEvaluatorCachesPrograms(t *testing.T) {
	e := &ExprEvaluator{}
	for _, cart := range []string{"1", "5"} {
		if _, err := e.Evaluate("num(cart) > 2", map[string]string{"cart": cart}); err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
	}
	n := 0
	e.programs.Range(func(any, any) bool { n++; return true })
	if n != 1 {
		t.Errorf("cached programs = %d, want 1", n)
	}
}

func TestEvaluateBadConditionDoesNotStopLoop(t *testing.T) {
	store := &MockStore{Rules: []models.Rule{
		rule("syntax", models.TriggerCondition, "num(cart) > 2 &&", 30, "never"),
		rule("runtime", models.TriggerCondition, "num(tier) > 2", 20, "never"),
		rule("quoted", models.TriggerCondition, "note == 'a || b'", 10, "quoted"),
		rule("fallback", models.TriggerAlways, "", 1, "fallback"),
	}}
	e := NewEngine(store, nil, nil, nil)

	got, err := e.Evaluate(context.Background(), Input{
		BotID: "bot-1",
		Vars:  map[string]string{"tier": "gold", "note": "a || b"},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got == nil || got.Rule.RuleID != "quoted" {
		t.Errorf("Evaluate() = %+v, want quoted", got)
	}
	if len(store.Executed) != 1 || store.Executed[0] != "quoted" {
		t.Errorf("Executed = %v, want [quoted]", store.Executed)
	}
}

package rules

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
	"github.com/savaki/replyrouter/pkg/templates"
	"go.uber.org/zap"
)

// Default transitional texts used when a rule action carries no text
const (
	DefaultRedirectText = "Mình chuyển bạn sang bộ phận phù hợp nhé."
	DefaultAckText      = "Đã nhận yêu cầu của bạn, vui lòng chờ trong giây lát."
)

// Store reads a bot's rules and records executions
type Store interface {
	ListRules(ctx context.Context, botID string) ([]models.Rule, error)
	IncrementRuleExecution(ctx context.Context, botID, ruleID string, at time.Time) error
}

// HookRequest describes the side effect of a WEBHOOK or SCRIPT rule
type HookRequest struct {
	BotID          string            `json:"botId"`
	RuleID         string            `json:"ruleId"`
	RuleType       models.RuleType   `json:"ruleType"`
	Hook           string            `json:"hook"`
	ConversationID string            `json:"conversationId"`
	UserID         string            `json:"userId"`
	Text           string            `json:"text"`
	Payload        map[string]any    `json:"payload,omitempty"`
	Vars           map[string]string `json:"vars,omitempty"`
}

// HookExecutor performs rule side effects outside the turn
type HookExecutor interface {
	Execute(ctx context.Context, req HookRequest) error
}

// Input is everything a rule can look at
type Input struct {
	BotID          string
	Intent         string
	Text           string
	Vars           map[string]string
	ConversationID string
	UserID         string
}

// Match is the winning rule and the output of its action
type Match struct {
	Rule           models.Rule
	Replies        models.ReplySet
	RedirectIntent string
	Handoff        bool
}

type triggerFunc func(r *models.Rule, in Input) (bool, error)

type actionFunc func(ctx context.Context, r *models.Rule, in Input, live bool) *Match

// Engine evaluates a bot's rules in priority order
type Engine struct {
	store      Store
	conditions ConditionEvaluator
	hooks      HookExecutor
	logger     *zap.Logger
	now        func() time.Time

	triggers map[models.TriggerType]triggerFunc
	actions  map[models.RuleType]actionFunc

	patterns sync.Map // pattern -> *regexp.Regexp
}

// NewEngine creates a rule engine. conditions defaults to ExprEvaluator; hooks may be nil.
func NewEngine(store Store, conditions ConditionEvaluator, hooks HookExecutor, logger *zap.Logger) *Engine {
	if conditions == nil {
		conditions = &ExprEvaluator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:      store,
		conditions: conditions,
		hooks:      hooks,
		logger:     logger,
		now:        time.Now,
	}
	e.triggers = map[models.TriggerType]triggerFunc{
		models.TriggerIntent:    matchIntent,
		models.TriggerKeyword:   matchKeyword,
		models.TriggerRegex:     e.matchRegex,
		models.TriggerCondition: e.matchCondition,
		models.TriggerAlways:    matchAlways,
	}
	e.actions = map[models.RuleType]actionFunc{
		models.RuleResponse: e.respond,
		models.RuleRedirect: e.redirect,
		models.RuleWebhook:  e.delegate,
		models.RuleScript:   e.delegate,
	}
	return e
}

// Evaluate returns the highest-priority matching rule's output, or nil when no rule matches.
// The winner's execution counter is incremented before returning.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Match, error) {
	return e.evaluate(ctx, in, true)
}

// Test evaluates like Evaluate but records nothing and runs no hooks
func (e *Engine) Test(ctx context.Context, in Input) (*Match, error) {
	return e.evaluate(ctx, in, false)
}

func (e *Engine) evaluate(ctx context.Context, in Input, live bool) (*Match, error) {
	all, err := e.store.ListRules(ctx, in.BotID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	candidates := make([]models.Rule, 0, len(all))
	for _, r := range all {
		if r.Live() {
			candidates = append(candidates, r)
		}
	}
	// stable: equal priorities keep store order
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	for i := range candidates {
		r := &candidates[i]
		ok, err := e.matches(r, in)
		if err != nil {
			e.logger.Warn("rule trigger failed, skipping",
				zap.String("bot_id", in.BotID),
				zap.String("rule_id", r.RuleID),
				zap.String("rule", r.Name),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		if live {
			at := e.now()
			if err := e.store.IncrementRuleExecution(ctx, r.BotID, r.RuleID, at); err != nil {
				e.logger.Warn("failed to increment rule execution count",
					zap.String("rule_id", r.RuleID),
					zap.Error(err),
				)
			} else {
				r.ExecutionCount++
				r.LastExecutedAt = &at
			}
		}

		action, found := e.actions[r.RuleType]
		if !found {
			e.logger.Warn("rule has unsupported type",
				zap.String("rule_id", r.RuleID),
				zap.String("rule_type", string(r.RuleType)),
			)
			return &Match{Rule: *r}, nil
		}

		e.logger.Debug("rule matched",
			zap.String("bot_id", in.BotID),
			zap.String("rule", r.Name),
			zap.Int("priority", r.Priority),
		)
		return action(ctx, r, in, live), nil
	}

	return nil, nil
}

// matches runs the rule's trigger; a panicking trigger counts as an error
func (e *Engine) matches(r *models.Rule, in Input) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("trigger panicked: %v", p)
		}
	}()

	trigger, found := e.triggers[r.TriggerType]
	if !found {
		return false, fmt.Errorf("unsupported trigger type %q", r.TriggerType)
	}
	return trigger(r, in)
}

func matchIntent(r *models.Rule, in Input) (bool, error) {
	return in.Intent != "" && r.TriggerValue == in.Intent, nil
}

// matchKeyword matches when any comma separated keyword is contained in the text, ignoring case
func matchKeyword(r *models.Rule, in Input) (bool, error) {
	text := strings.ToLower(in.Text)
	for _, kw := range strings.Split(r.TriggerValue, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true, nil
		}
	}
	return false, nil
}

func matchAlways(*models.Rule, Input) (bool, error) {
	return true, nil
}

func (e *Engine) matchRegex(r *models.Rule, in Input) (bool, error) {
	re, err := e.compile(r.TriggerValue)
	if err != nil {
		return false, err
	}
	return re.MatchString(in.Text), nil
}

func (e *Engine) matchCondition(r *models.Rule, in Input) (bool, error) {
	return e.conditions.Evaluate(r.TriggerValue, in.Vars)
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile regex: %w", err)
	}
	e.patterns.Store(pattern, re)
	return re, nil
}

func (e *Engine) respond(_ context.Context, r *models.Rule, in Input, _ bool) *Match {
	return &Match{Rule: *r, Replies: renderAction(r.Action, in.Vars)}
}

func (e *Engine) redirect(_ context.Context, r *models.Rule, in Input, _ bool) *Match {
	text := templates.Interpolate(r.Action.Text, in.Vars)
	if text == "" {
		text = DefaultRedirectText
	}
	return &Match{
		Rule:           *r,
		Replies:        models.TextReply(text),
		RedirectIntent: r.Action.TargetIntent,
		Handoff:        r.Action.TargetIntent == models.IntentHuman,
	}
}

// delegate hands WEBHOOK and SCRIPT rules to the hook executor and acknowledges locally
func (e *Engine) delegate(ctx context.Context, r *models.Rule, in Input, live bool) *Match {
	if live && e.hooks != nil {
		req := HookRequest{
			BotID:          r.BotID,
			RuleID:         r.RuleID,
			RuleType:       r.RuleType,
			Hook:           r.Action.Hook,
			ConversationID: in.ConversationID,
			UserID:         in.UserID,
			Text:           in.Text,
			Payload:        r.Action.Payload,
			Vars:           in.Vars,
		}
		if err := e.hooks.Execute(ctx, req); err != nil {
			e.logger.Error("rule hook failed",
				zap.String("rule_id", r.RuleID),
				zap.String("hook", r.Action.Hook),
				zap.Error(err),
			)
		}
	}

	text := templates.Interpolate(r.Action.Text, in.Vars)
	if text == "" {
		text = DefaultAckText
	}
	return &Match{Rule: *r, Replies: models.TextReply(text)}
}

func renderAction(a models.RuleAction, vars map[string]string) models.ReplySet {
	quickReplies := make([]models.QuickReply, 0, len(a.QuickReplies))
	for _, qr := range a.QuickReplies {
		quickReplies = append(quickReplies, models.QuickReply{
			Title:   templates.Interpolate(qr.Title, vars),
			Payload: templates.Interpolate(qr.Payload, vars),
		})
	}
	attachments := make([]models.Attachment, 0, len(a.Attachments))
	for _, att := range a.Attachments {
		att.URL = templates.Interpolate(att.URL, vars)
		attachments = append(attachments, att)
	}
	return models.BuildReplySet(templates.Interpolate(a.Text, vars), quickReplies, attachments)
}

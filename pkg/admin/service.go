// Package admin manages a bot's rules, templates and settings.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
	"github.com/savaki/replyrouter/pkg/rules"
	"github.com/savaki/replyrouter/pkg/templates"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateName is returned when an active rule with the same name exists
	ErrDuplicateName = errors.New("rule name already in use")

	// ErrInvalid wraps validation failures
	ErrInvalid = errors.New("invalid input")
)

// RuleStore reads and writes rules
type RuleStore interface {
	rules.Store
	GetRule(ctx context.Context, botID, ruleID string) (*models.Rule, error)
	PutRule(ctx context.Context, rule *models.Rule) error
}

// TemplateStore reads and writes templates
type TemplateStore interface {
	templates.Store
	GetTemplate(ctx context.Context, botID, templateID string) (*models.ResponseTemplate, error)
	PutTemplate(ctx context.Context, tmpl *models.ResponseTemplate) error
}

// SettingsStore reads and writes bot settings
type SettingsStore interface {
	GetSettings(ctx context.Context, botID string) (*models.BotSettings, error)
	PutSettings(ctx context.Context, settings *models.BotSettings) error
}

// ConversationStore looks conversations up and moves them between agents and automation
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	SetTakeover(ctx context.Context, conversationID string, taken bool) (*models.Conversation, error)
}

// Service implements the admin operations
type Service struct {
	rules         RuleStore
	templates     TemplateStore
	settings      SettingsStore
	conversations ConversationStore
	ruleTest      *rules.Engine
	tmplTest      *templates.Engine
	logger        *zap.Logger
	now           func() time.Time
}

// NewService creates an admin service
func NewService(ruleStore RuleStore, templateStore TemplateStore, settingsStore SettingsStore, conversationStore ConversationStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		rules:         ruleStore,
		templates:     templateStore,
		settings:      settingsStore,
		conversations: conversationStore,
		ruleTest:      rules.NewEngine(ruleStore, nil, nil, logger),
		tmplTest:      templates.NewEngine(templateStore, logger),
		logger:        logger,
		now:           time.Now,
	}
}

// Rules

// ListRules returns the bot's rules that are not deleted, highest priority first
func (s *Service) ListRules(ctx context.Context, botID string) ([]models.Rule, error) {
	all, err := s.rules.ListRules(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]models.Rule, 0, len(all))
	for _, r := range all {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// CreateRule validates and stores a new rule
func (s *Service) CreateRule(ctx context.Context, botID string, rule models.Rule) (*models.Rule, error) {
	now := s.now()
	rule.BotID = botID
	rule.RuleID = models.NewRuleID()
	rule.Deleted = false
	rule.ExecutionCount = 0
	rule.LastExecutedAt = nil
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.checkRule(ctx, &rule); err != nil {
		return nil, err
	}
	if err := s.rules.PutRule(ctx, &rule); err != nil {
		return nil, fmt.Errorf("put rule: %w", err)
	}
	s.logger.Info("rule created", zap.String("bot_id", botID), zap.String("rule_id", rule.RuleID), zap.String("name", rule.Name))
	return &rule, nil
}

// UpdateRule replaces the editable fields of an existing rule
func (s *Service) UpdateRule(ctx context.Context, botID, ruleID string, rule models.Rule) (*models.Rule, error) {
	existing, err := s.liveRule(ctx, botID, ruleID)
	if err != nil {
		return nil, err
	}

	rule.BotID = botID
	rule.RuleID = ruleID
	rule.Deleted = false
	rule.ExecutionCount = existing.ExecutionCount
	rule.LastExecutedAt = existing.LastExecutedAt
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()

	if err := s.checkRule(ctx, &rule); err != nil {
		return nil, err
	}
	if err := s.rules.PutRule(ctx, &rule); err != nil {
		return nil, fmt.Errorf("put rule: %w", err)
	}
	return &rule, nil
}

// DeleteRule soft-deletes a rule so its history survives
func (s *Service) DeleteRule(ctx context.Context, botID, ruleID string) error {
	rule, err := s.liveRule(ctx, botID, ruleID)
	if err != nil {
		return err
	}
	rule.Deleted = true
	rule.Active = false
	rule.UpdatedAt = s.now()
	if err := s.rules.PutRule(ctx, rule); err != nil {
		return fmt.Errorf("put rule: %w", err)
	}
	s.logger.Info("rule deleted", zap.String("bot_id", botID), zap.String("rule_id", ruleID))
	return nil
}

func (s *Service) liveRule(ctx context.Context, botID, ruleID string) (*models.Rule, error) {
	rule, err := s.rules.GetRule(ctx, botID, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Deleted {
		return nil, models.ErrNotFound
	}
	return rule, nil
}

// checkRule validates the rule and enforces unique names among active rules
func (s *Service) checkRule(ctx context.Context, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !rule.Active {
		return nil
	}

	all, err := s.rules.ListRules(ctx, rule.BotID)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	for _, other := range all {
		if other.RuleID == rule.RuleID || !other.Live() {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(other.Name), strings.TrimSpace(rule.Name)) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, rule.Name)
		}
	}
	return nil
}

// RuleTest is a dry-run input for the rule engine
type RuleTest struct {
	Text   string            `json:"text"`
	Intent string            `json:"intent"`
	Vars   map[string]string `json:"vars,omitempty"`
}

// RuleTestResult reports the rule that would fire
type RuleTestResult struct {
	Matched        bool            `json:"matched"`
	RuleID         string          `json:"ruleId,omitempty"`
	RuleName       string          `json:"ruleName,omitempty"`
	Replies        models.ReplySet `json:"replies,omitempty"`
	RedirectIntent string          `json:"redirectIntent,omitempty"`
	Handoff        bool            `json:"handoff,omitempty"`
}

// TestRules evaluates the bot's rules without recording executions or running hooks
func (s *Service) TestRules(ctx context.Context, botID string, in RuleTest) (*RuleTestResult, error) {
	match, err := s.ruleTest.Test(ctx, rules.Input{
		BotID:  botID,
		Intent: in.Intent,
		Text:   in.Text,
		Vars:   in.Vars,
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return &RuleTestResult{}, nil
	}
	return &RuleTestResult{
		Matched:        true,
		RuleID:         match.Rule.RuleID,
		RuleName:       match.Rule.Name,
		Replies:        match.Replies,
		RedirectIntent: match.RedirectIntent,
		Handoff:        match.Handoff,
	}, nil
}

// Templates

// ListTemplates returns the bot's templates that are not deleted
func (s *Service) ListTemplates(ctx context.Context, botID string) ([]models.ResponseTemplate, error) {
	all, err := s.templates.ListTemplates(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make([]models.ResponseTemplate, 0, len(all))
	for _, t := range all {
		if !t.Deleted {
			out = append(out, t)
		}
	}
	return out, nil
}

// CreateTemplate validates and stores a new template
func (s *Service) CreateTemplate(ctx context.Context, botID string, tmpl models.ResponseTemplate) (*models.ResponseTemplate, error) {
	now := s.now()
	tmpl.BotID = botID
	tmpl.TemplateID = models.NewTemplateID()
	tmpl.Deleted = false
	tmpl.UsageCount = 0
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	if tmpl.TemplateType == "" {
		tmpl.TemplateType = models.TemplateText
	}

	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.templates.PutTemplate(ctx, &tmpl); err != nil {
		return nil, fmt.Errorf("put template: %w", err)
	}
	return &tmpl, nil
}

// UpdateTemplate replaces the editable fields of an existing template
func (s *Service) UpdateTemplate(ctx context.Context, botID, templateID string, tmpl models.ResponseTemplate) (*models.ResponseTemplate, error) {
	existing, err := s.liveTemplate(ctx, botID, templateID)
	if err != nil {
		return nil, err
	}

	tmpl.BotID = botID
	tmpl.TemplateID = templateID
	tmpl.Deleted = false
	tmpl.UsageCount = existing.UsageCount
	tmpl.CreatedAt = existing.CreatedAt
	tmpl.UpdatedAt = s.now()
	if tmpl.TemplateType == "" {
		tmpl.TemplateType = existing.TemplateType
	}

	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.templates.PutTemplate(ctx, &tmpl); err != nil {
		return nil, fmt.Errorf("put template: %w", err)
	}
	return &tmpl, nil
}

// DeleteTemplate soft-deletes a template
func (s *Service) DeleteTemplate(ctx context.Context, botID, templateID string) error {
	tmpl, err := s.liveTemplate(ctx, botID, templateID)
	if err != nil {
		return err
	}
	tmpl.Deleted = true
	tmpl.Active = false
	tmpl.UpdatedAt = s.now()
	if err := s.templates.PutTemplate(ctx, tmpl); err != nil {
		return fmt.Errorf("put template: %w", err)
	}
	return nil
}

func (s *Service) liveTemplate(ctx context.Context, botID, templateID string) (*models.ResponseTemplate, error) {
	tmpl, err := s.templates.GetTemplate(ctx, botID, templateID)
	if err != nil {
		return nil, err
	}
	if tmpl.Deleted {
		return nil, models.ErrNotFound
	}
	return tmpl, nil
}

// TemplateTest is a dry-run input for template selection
type TemplateTest struct {
	Intent   string            `json:"intent"`
	Language string            `json:"language"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// TemplateTestResult reports the template that would be used
type TemplateTestResult struct {
	Matched    bool            `json:"matched"`
	TemplateID string          `json:"templateId,omitempty"`
	Replies    models.ReplySet `json:"replies,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// TestTemplates selects and renders a template without recording usage
func (s *Service) TestTemplates(ctx context.Context, botID string, in TemplateTest) (*TemplateTestResult, error) {
	if in.Intent == "" {
		return nil, fmt.Errorf("%w: intent is required", ErrInvalid)
	}
	language := in.Language
	if language == "" {
		language = s.defaultLanguage(ctx, botID)
	}

	tmpl, err := s.tmplTest.SelectBest(ctx, botID, in.Intent, language)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return &TemplateTestResult{}, nil
	}

	result := &TemplateTestResult{Matched: true, TemplateID: tmpl.TemplateID}
	replies, err := templates.Build(tmpl, in.Vars)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Replies = replies
	return result, nil
}

// Settings

// GetSettings returns the bot's settings, or the defaults when none are stored
func (s *Service) GetSettings(ctx context.Context, botID string) (*models.BotSettings, error) {
	settings, err := s.settings.GetSettings(ctx, botID)
	if errors.Is(err, models.ErrNotFound) {
		return models.DefaultBotSettings(botID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}

// SetCustomLogic turns rule and template processing on or off for a bot
func (s *Service) SetCustomLogic(ctx context.Context, botID string, enabled bool) (*models.BotSettings, error) {
	settings, err := s.GetSettings(ctx, botID)
	if err != nil {
		return nil, err
	}
	settings.CustomLogicEnabled = enabled
	settings.UpdatedAt = s.now()
	if err := s.settings.PutSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("put settings: %w", err)
	}
	s.logger.Info("custom logic toggled", zap.String("bot_id", botID), zap.Bool("enabled", enabled))
	return settings, nil
}

func (s *Service) defaultLanguage(ctx context.Context, botID string) string {
	settings, err := s.GetSettings(ctx, botID)
	if err != nil || settings.DefaultLanguage == "" {
		return "vi"
	}
	return settings.DefaultLanguage
}

// Conversations

// GetConversation returns the conversation with the given id
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// SetTakeover hands a conversation to live agents, or releases it back to
// automation when taken is false
func (s *Service) SetTakeover(ctx context.Context, conversationID string, taken bool) (*models.Conversation, error) {
	conv, err := s.conversations.SetTakeover(ctx, conversationID, taken)
	if err != nil {
		return nil, fmt.Errorf("set takeover: %w", err)
	}
	s.logger.Info("conversation takeover changed",
		zap.String("conversation_id", conversationID),
		zap.Bool("taken_over", taken),
	)
	return conv, nil
}

// Package memstore keeps every router collection in process memory. It backs
// tests and `routerctl serve --memory`.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
)

// Store is an in-memory implementation of the conversation, message, rule,
// template, settings and dedup stores
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation // by identity key
	messages      map[string][]models.Message     // by conversation id
	rules         map[string][]*models.Rule       // by bot id, insertion order
	templates     map[string][]*models.ResponseTemplate
	settings      map[string]models.BotSettings
	claims        map[string]time.Time
	now           func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]models.Message{},
		rules:         map[string][]*models.Rule{},
		templates:     map[string][]*models.ResponseTemplate{},
		settings:      map[string]models.BotSettings{},
		claims:        map[string]time.Time{},
		now:           time.Now,
	}
}

// Conversations

// FindOrCreate returns the conversation for the identity, creating it under the store lock
func (s *Store) FindOrCreate(ctx context.Context, connectionID, externalUserID, channel string) (*models.Conversation, error) {
	key := models.IdentityKey(connectionID, externalUserID, channel)

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[key]
	if !ok {
		conv = models.NewConversation(connectionID, externalUserID, channel)
		s.conversations[key] = conv
	}
	return cloneConversation(conv), nil
}

// Save writes the conversation. Unsaved turns are added to the stored count and
// takeover is only ever raised; SetTakeover clears it.
func (s *Store) Save(ctx context.Context, conv *models.Conversation) error {
	if conv.Key == "" {
		return fmt.Errorf("save conversation: missing key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneConversation(conv)
	if stored, ok := s.conversations[conv.Key]; ok {
		next.MessageCount = stored.MessageCount + conv.UnsavedTurns()
		next.TakenOverByAgent = stored.TakenOverByAgent || conv.TakenOverByAgent
	}
	next.MarkSaved()
	s.conversations[conv.Key] = next

	conv.MessageCount = next.MessageCount
	conv.TakenOverByAgent = next.TakenOverByAgent
	conv.MarkSaved()
	return nil
}

// GetConversation looks a conversation up by id
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv := s.findByID(conversationID); conv != nil {
		return cloneConversation(conv), nil
	}
	return nil, models.ErrNotFound
}

// SetTakeover hands a conversation to live agents or back to automation
func (s *Store) SetTakeover(ctx context.Context, conversationID string, taken bool) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findByID(conversationID)
	if conv == nil {
		return nil, models.ErrNotFound
	}
	conv.TakenOverByAgent = taken
	conv.UpdatedAt = time.Now()
	return cloneConversation(conv), nil
}

func (s *Store) findByID(conversationID string) *models.Conversation {
	for _, conv := range s.conversations {
		if conv.ConversationID == conversationID {
			return conv
		}
	}
	return nil
}

// ConversationCount returns the number of stored conversations
func (s *Store) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.SessionData = maps.Clone(c.SessionData)
	out.UserData = maps.Clone(c.UserData)
	return &out
}

// Messages

// SaveMessage appends a message to its conversation
func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *msg
	m.Metadata = maps.Clone(msg.Metadata)
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], m)
	return nil
}

// ListMessages returns a conversation's messages in insertion order
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[conversationID]), nil
}

// Rules

// ListRules returns every rule of a bot, soft-deleted ones included, in insertion order
func (s *Store) ListRules(ctx context.Context, botID string) ([]models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Rule, 0, len(s.rules[botID]))
	for _, r := range s.rules[botID] {
		out = append(out, cloneRule(r))
	}
	return out, nil
}

// GetRule returns a single rule
func (s *Store) GetRule(ctx context.Context, botID, ruleID string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules[botID] {
		if r.RuleID == ruleID {
			out := cloneRule(r)
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

// PutRule inserts or replaces a rule, keeping its original position
func (s *Store) PutRule(ctx context.Context, rule *models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := cloneRule(rule)
	for i, existing := range s.rules[rule.BotID] {
		if existing.RuleID == rule.RuleID {
			s.rules[rule.BotID][i] = &r
			return nil
		}
	}
	s.rules[rule.BotID] = append(s.rules[rule.BotID], &r)
	return nil
}

// IncrementRuleExecution bumps the execution counter and timestamp
func (s *Store) IncrementRuleExecution(ctx context.Context, botID, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules[botID] {
		if r.RuleID == ruleID {
			r.ExecutionCount++
			executed := at
			r.LastExecutedAt = &executed
			return nil
		}
	}
	return models.ErrNotFound
}

func cloneRule(r *models.Rule) models.Rule {
	out := *r
	out.Action.QuickReplies = slices.Clone(r.Action.QuickReplies)
	out.Action.Attachments = slices.Clone(r.Action.Attachments)
	out.Action.Payload = maps.Clone(r.Action.Payload)
	if r.LastExecutedAt != nil {
		at := *r.LastExecutedAt
		out.LastExecutedAt = &at
	}
	return out
}

// Templates

// ListTemplates returns every template of a bot, soft-deleted ones included
func (s *Store) ListTemplates(ctx context.Context, botID string) ([]models.ResponseTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ResponseTemplate, 0, len(s.templates[botID]))
	for _, t := range s.templates[botID] {
		out = append(out, cloneTemplate(t))
	}
	return out, nil
}

// GetTemplate returns a single template
func (s *Store) GetTemplate(ctx context.Context, botID, templateID string) (*models.ResponseTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.templates[botID] {
		if t.TemplateID == templateID {
			out := cloneTemplate(t)
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

// PutTemplate inserts or replaces a template
func (s *Store) PutTemplate(ctx context.Context, tmpl *models.ResponseTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := cloneTemplate(tmpl)
	for i, existing := range s.templates[tmpl.BotID] {
		if existing.TemplateID == tmpl.TemplateID {
			s.templates[tmpl.BotID][i] = &t
			return nil
		}
	}
	s.templates[tmpl.BotID] = append(s.templates[tmpl.BotID], &t)
	return nil
}

// IncrementTemplateUsage bumps the usage counter
func (s *Store) IncrementTemplateUsage(ctx context.Context, botID, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates[botID] {
		if t.TemplateID == templateID {
			t.UsageCount++
			return nil
		}
	}
	return models.ErrNotFound
}

func cloneTemplate(t *models.ResponseTemplate) models.ResponseTemplate {
	out := *t
	out.QuickReplies = slices.Clone(t.QuickReplies)
	out.Attachments = slices.Clone(t.Attachments)
	return out
}

// Settings

// GetSettings returns models.ErrNotFound when the bot has no stored settings
func (s *Store) GetSettings(ctx context.Context, botID string) (*models.BotSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[botID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &settings, nil
}

// PutSettings stores a bot's settings
func (s *Store) PutSettings(ctx context.Context, settings *models.BotSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.BotID] = *settings
	return nil
}

// Dedup

// Claim records id for ttl; it returns false while an unexpired claim exists
func (s *Store) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if expires, ok := s.claims[id]; ok && now.Before(expires) {
		return false, nil
	}
	s.claims[id] = now.Add(ttl)
	return true, nil
}

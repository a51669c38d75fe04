package router

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/savaki/replyrouter/pkg/dedup"
	"github.com/savaki/replyrouter/pkg/dispatch"
	"github.com/savaki/replyrouter/pkg/intent"
	"github.com/savaki/replyrouter/pkg/models"
	"github.com/savaki/replyrouter/pkg/provider"
	"github.com/savaki/replyrouter/pkg/rules"
	"github.com/savaki/replyrouter/pkg/templates"
	"go.uber.org/zap"
)

// DefaultHumanRequiredMessage is sent when a turn is handed to a person without a custom text
const DefaultHumanRequiredMessage = "Cảm ơn bạn! Nhân viên hỗ trợ sẽ phản hồi trong giây lát."

// ConversationStore finds, creates and saves conversations.
// FindOrCreate must be atomic per identity triple.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, connectionID, externalUserID, channel string) (*models.Conversation, error)
	Save(ctx context.Context, conv *models.Conversation) error
}

// MessageStore persists conversation lines
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
}

// SettingsStore reads per-bot settings; models.ErrNotFound means defaults
type SettingsStore interface {
	GetSettings(ctx context.Context, botID string) (*models.BotSettings, error)
}

// ConnectionResolver maps a connection id to its bot; models.ErrNotFound drops the event
type ConnectionResolver interface {
	Resolve(ctx context.Context, connectionID string) (*models.Connection, error)
}

// LiveAgentNotifier forwards traffic to the human agents
type LiveAgentNotifier interface {
	Notify(ctx context.Context, msg models.LiveAgentMessage) error
}

// Escalation describes a turn handed over to humans
type Escalation struct {
	ConversationID string
	BotID          string
	UserID         string
	ChannelID      string
	Reason         string
	Text           string
}

// Escalator opens a human follow-up for a handed over conversation
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// Analyzer produces intent analysis; *intent.Classifier implements it
type Analyzer interface {
	Analyze(text, previousIntent string) models.AnalysisResult
}

// ReplyDispatcher delivers reply sets; *dispatch.Dispatcher implements it
type ReplyDispatcher interface {
	Dispatch(ctx context.Context, target dispatch.Target, replies models.ReplySet) []dispatch.PartResult
}

// Outcome is how a turn ended
type Outcome string

const (
	OutcomeIgnored       Outcome = "ignored"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeDropped       Outcome = "dropped"
	OutcomeLiveAgent     Outcome = "live_agent"
	OutcomeReplied       Outcome = "replied"
	OutcomeHandoff       Outcome = "handoff"
	OutcomeHumanRequired Outcome = "human_required"
)

// Reasons passed to the live-agent notifier and escalator
const (
	ReasonTakeover      = "takeover"
	ReasonRedirect      = "redirect"
	ReasonHumanRequired = "human_required"
)

// TurnResult reports what the router did with one inbound event
type TurnResult struct {
	Outcome        Outcome
	ConversationID string
	BotID          string
	Intent         string
	Analysis       *models.AnalysisResult
	RuleID         string
	TemplateID     string
	Provider       string
	Parts          []dispatch.PartResult
}

// Params holds the router collaborators. Messages, Settings, Analyzer and
// Escalator are optional.
type Params struct {
	Conversations ConversationStore
	Messages      MessageStore
	Settings      SettingsStore
	Resolver      ConnectionResolver
	Gate          *dedup.Gate
	Analyzer      Analyzer
	Rules         *rules.Engine
	Templates     *templates.Engine
	Providers     *provider.Chain
	Dispatcher    ReplyDispatcher
	Notifier      LiveAgentNotifier
	Escalator     Escalator
	Logger        *zap.Logger

	DefaultLanguage      string
	HumanRequiredMessage string
	MessageTTL           time.Duration
}

// Router runs the decision pipeline for inbound events
type Router struct {
	conversations ConversationStore
	messages      MessageStore
	settings      SettingsStore
	resolver      ConnectionResolver
	gate          *dedup.Gate
	analyzer      Analyzer
	rules         *rules.Engine
	templates     *templates.Engine
	providers     *provider.Chain
	dispatcher    ReplyDispatcher
	notifier      LiveAgentNotifier
	escalator     Escalator
	logger        *zap.Logger

	defaultLanguage      string
	humanRequiredMessage string
	messageTTL           time.Duration

	turns *turnQueue
}

// New creates a router
func New(p Params) (*Router, error) {
	switch {
	case p.Conversations == nil:
		return nil, fmt.Errorf("conversation store is required")
	case p.Resolver == nil:
		return nil, fmt.Errorf("connection resolver is required")
	case p.Gate == nil:
		return nil, fmt.Errorf("dedup gate is required")
	case p.Rules == nil || p.Templates == nil:
		return nil, fmt.Errorf("rule and template engines are required")
	case p.Providers == nil:
		return nil, fmt.Errorf("provider chain is required")
	case p.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case p.Notifier == nil:
		return nil, fmt.Errorf("live-agent notifier is required")
	}

	r := &Router{
		conversations:        p.Conversations,
		messages:             p.Messages,
		settings:             p.Settings,
		resolver:             p.Resolver,
		gate:                 p.Gate,
		analyzer:             p.Analyzer,
		rules:                p.Rules,
		templates:            p.Templates,
		providers:            p.Providers,
		dispatcher:           p.Dispatcher,
		notifier:             p.Notifier,
		escalator:            p.Escalator,
		logger:               p.Logger,
		defaultLanguage:      p.DefaultLanguage,
		humanRequiredMessage: p.HumanRequiredMessage,
		messageTTL:           p.MessageTTL,
		turns:                newTurnQueue(),
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.defaultLanguage == "" {
		r.defaultLanguage = "vi"
	}
	if r.analyzer == nil {
		r.analyzer = intent.NewClassifier(intent.WithDefaultLanguage(r.defaultLanguage))
	}
	if r.humanRequiredMessage == "" {
		r.humanRequiredMessage = DefaultHumanRequiredMessage
	}
	return r, nil
}

// Route finds or creates the conversation for the identity triple
func (r *Router) Route(ctx context.Context, connectionID, externalUserID, channel string) (*models.Conversation, error) {
	if connectionID == "" || externalUserID == "" {
		return nil, fmt.Errorf("route: connection and user are required")
	}
	conv, err := r.conversations.FindOrCreate(ctx, connectionID, externalUserID, channel)
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return conv, nil
}

// HandleEvent runs one turn. Turns for the same identity run one at a time in
// arrival order; turns for different identities run concurrently. A cancelled
// ctx stops the turn before anything is dispatched and returns ctx.Err().
func (r *Router) HandleEvent(ctx context.Context, evt models.InboundEvent) (*TurnResult, error) {
	logger := r.logger.With(
		zap.String("message_id", evt.MessageID),
		zap.String("connection_id", evt.ConnectionID),
		zap.String("user_id", evt.SenderID),
	)

	if !evt.Kind.Processable() {
		logger.Debug("ignoring event", zap.String("kind", string(evt.Kind)))
		return &TurnResult{Outcome: OutcomeIgnored}, nil
	}
	if evt.ConnectionID == "" || evt.SenderID == "" {
		logger.Warn("dropping event without identity")
		return &TurnResult{Outcome: OutcomeDropped}, nil
	}

	release, err := r.turns.acquire(ctx, models.IdentityKey(evt.ConnectionID, evt.SenderID, evt.Channel))
	if err != nil {
		return nil, err
	}
	defer release()

	admitted, err := r.gate.AdmitContext(ctx, evt.MessageID)
	if err != nil {
		return nil, err
	}
	if !admitted {
		logger.Info("duplicate event ignored")
		return &TurnResult{Outcome: OutcomeDuplicate}, nil
	}

	conn, err := r.resolver.Resolve(ctx, evt.ConnectionID)
	if errors.Is(err, models.ErrNotFound) {
		logger.Warn("dropping event for unknown connection")
		return &TurnResult{Outcome: OutcomeDropped}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	conv, err := r.Route(ctx, evt.ConnectionID, evt.SenderID, evt.Channel)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("conversation_id", conv.ConversationID), zap.String("bot_id", conn.BotID))
	result := &TurnResult{ConversationID: conv.ConversationID, BotID: conn.BotID}

	r.saveInbound(ctx, logger, conv, evt)

	if conv.TakenOverByAgent {
		r.notify(ctx, logger, conv, evt, ReasonTakeover)
		conv.RecordTurn("", "")
		r.save(ctx, logger, conv)
		result.Outcome = OutcomeLiveAgent
		return result, nil
	}

	replies, handoffReason, err := r.decide(ctx, logger, conv, conn, evt, result)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		logger.Info("turn cancelled before dispatch", zap.Error(err))
		return nil, err
	}

	result.Outcome = OutcomeReplied
	if handoffReason != "" {
		replies = r.handoff(ctx, logger, conv, conn, evt, replies, handoffReason)
		result.Outcome = OutcomeHandoff
		if handoffReason == ReasonHumanRequired {
			result.Outcome = OutcomeHumanRequired
		}
	}

	result.Parts = r.dispatcher.Dispatch(ctx, targetFor(conv, evt), replies)
	if failures := dispatch.Failures(result.Parts); len(failures) > 0 {
		logger.Warn("partial delivery", zap.Int("failed_parts", len(failures)), zap.Int("parts", len(result.Parts)))
	}

	conv.RecordTurn(result.Intent, result.Provider)
	r.save(ctx, logger, conv)

	logger.Info("turn complete",
		zap.String("outcome", string(result.Outcome)),
		zap.String("intent", result.Intent),
		zap.String("rule_id", result.RuleID),
		zap.String("template_id", result.TemplateID),
		zap.String("provider", result.Provider),
	)
	return result, nil
}

// decide runs rules, templates and providers. It returns the replies and, when
// the turn must go to a human, the handoff reason.
func (r *Router) decide(ctx context.Context, logger *zap.Logger, conv *models.Conversation, conn *models.Connection, evt models.InboundEvent, result *TurnResult) (models.ReplySet, string, error) {
	settings := r.settingsFor(ctx, logger, conn.BotID)
	language := r.defaultLanguage
	if settings.DefaultLanguage != "" {
		language = settings.DefaultLanguage
	}

	identity := conv.IdentityVars()
	identity["bot_id"] = conn.BotID
	vars := templates.MergeVars(identity, evt.Metadata, conv.UserData, conv.SessionData)

	if settings.CustomLogicEnabled {
		analysis := r.analyze(evt, conv, language)
		result.Analysis = &analysis
		result.Intent = analysis.PrimaryIntent
		if analysis.Language != "" {
			language = analysis.Language
		}
		vars = templates.MergeVars(identity, evt.Metadata, analysis.Entities, conv.UserData, conv.SessionData)

		match, err := r.rules.Evaluate(ctx, rules.Input{
			BotID:          conn.BotID,
			Intent:         analysis.PrimaryIntent,
			Text:           evt.Content(),
			Vars:           vars,
			ConversationID: conv.ConversationID,
			UserID:         evt.SenderID,
		})
		if err != nil {
			logger.Warn("rule evaluation failed", zap.Error(err))
		}
		if match != nil {
			result.RuleID = match.Rule.RuleID
			if match.RedirectIntent != "" {
				result.Intent = match.RedirectIntent
			}
			if match.Handoff {
				return match.Replies, ReasonRedirect, nil
			}
			if !match.Replies.Empty() {
				return match.Replies, "", nil
			}
		}

		replies, ok := r.renderTemplate(ctx, logger, conn.BotID, analysis.PrimaryIntent, language, vars, result)
		if ok {
			return replies, "", nil
		}
	} else {
		logger.Debug("custom logic disabled, skipping rules and templates")
	}

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	res, err := r.callProviders(ctx, conv, conn, evt, language, vars, result.Intent)
	if err != nil {
		return nil, "", err
	}
	if res.HumanRequired {
		logger.Error("every provider failed, handing over to a human", zap.Int("attempts", res.Attempts))
		return nil, ReasonHumanRequired, nil
	}
	result.Provider = res.Provider
	return res.Replies, "", nil
}

func (r *Router) renderTemplate(ctx context.Context, logger *zap.Logger, botID, intentName, language string, vars map[string]string, result *TurnResult) (models.ReplySet, bool) {
	tmpl, err := r.templates.SelectBest(ctx, botID, intentName, language)
	if err != nil {
		logger.Warn("template selection failed", zap.Error(err))
		return nil, false
	}
	if tmpl == nil {
		return nil, false
	}

	replies, err := r.templates.Render(ctx, tmpl, vars)
	if err != nil {
		logger.Warn("template render failed, falling through to providers",
			zap.String("template_id", tmpl.TemplateID),
			zap.Error(err),
		)
		return nil, false
	}
	result.TemplateID = tmpl.TemplateID
	return replies, true
}

func (r *Router) callProviders(ctx context.Context, conv *models.Conversation, conn *models.Connection, evt models.InboundEvent, language string, vars map[string]string, intentName string) (*provider.Result, error) {
	isEvent := evt.Kind == models.KindPostback || evt.Kind == models.KindQuickReply
	if isEvent && evt.Payload != "" {
		return r.providers.DispatchEvent(ctx, provider.EventRequest{
			BotID:          conn.BotID,
			UserID:         evt.SenderID,
			ConversationID: conv.ConversationID,
			EventName:      string(evt.Kind),
			Payload:        evt.Payload,
			Vars:           vars,
		})
	}
	return r.providers.Dispatch(ctx, provider.Request{
		BotID:          conn.BotID,
		UserID:         evt.SenderID,
		ConversationID: conv.ConversationID,
		Text:           evt.Content(),
		Intent:         intentName,
		Language:       language,
		Vars:           vars,
	})
}

// analyze classifies text; button payloads are taken as the intent directly
func (r *Router) analyze(evt models.InboundEvent, conv *models.Conversation, language string) models.AnalysisResult {
	if (evt.Kind == models.KindPostback || evt.Kind == models.KindQuickReply) && evt.Payload != "" {
		name := strings.TrimPrefix(evt.Payload, "/")
		return models.AnalysisResult{
			PrimaryIntent: name,
			Confidence:    1,
			AllIntents:    []string{name},
			Entities:      map[string]string{},
			MessageType:   string(evt.Kind),
			Complexity:    models.ComplexityLow,
			Language:      language,
		}
	}
	return r.analyzer.Analyze(evt.Content(), conv.LastIntent)
}

// handoff marks the conversation as taken over and alerts the humans
func (r *Router) handoff(ctx context.Context, logger *zap.Logger, conv *models.Conversation, conn *models.Connection, evt models.InboundEvent, replies models.ReplySet, reason string) models.ReplySet {
	if replies.Empty() {
		replies = models.TextReply(r.humanRequiredMessage)
	}
	conv.TakenOverByAgent = true
	r.notify(ctx, logger, conv, evt, reason)

	if r.escalator != nil {
		err := r.escalator.Escalate(ctx, Escalation{
			ConversationID: conv.ConversationID,
			BotID:          conn.BotID,
			UserID:         evt.SenderID,
			ChannelID:      evt.Channel,
			Reason:         reason,
			Text:           evt.Content(),
		})
		if err != nil {
			logger.Error("escalation failed", zap.String("reason", reason), zap.Error(err))
		}
	}
	return replies
}

func (r *Router) notify(ctx context.Context, logger *zap.Logger, conv *models.Conversation, evt models.InboundEvent, reason string) {
	err := r.notifier.Notify(ctx, models.LiveAgentMessage{
		ConversationID: conv.ConversationID,
		Sender:         evt.SenderID,
		Content:        evt.Content(),
		Timestamp:      evt.Timestamp,
		Reason:         reason,
	})
	if err != nil {
		logger.Error("failed to notify live agents", zap.String("reason", reason), zap.Error(err))
	}
}

func (r *Router) settingsFor(ctx context.Context, logger *zap.Logger, botID string) *models.BotSettings {
	if r.settings == nil {
		return models.DefaultBotSettings(botID)
	}
	settings, err := r.settings.GetSettings(ctx, botID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.Warn("failed to load bot settings, using defaults", zap.Error(err))
		}
		return models.DefaultBotSettings(botID)
	}
	return settings
}

func (r *Router) saveInbound(ctx context.Context, logger *zap.Logger, conv *models.Conversation, evt models.InboundEvent) {
	if r.messages == nil {
		return
	}

	metadata := maps.Clone(evt.Metadata)
	if evt.Payload != "" {
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata["payload"] = evt.Payload
	}

	msg := &models.Message{
		ConversationID: conv.ConversationID,
		MessageID:      evt.MessageID,
		Sender:         models.SenderUser,
		Content:        evt.Content(),
		Type:           messageType(evt.Kind),
		Metadata:       metadata,
		CreatedAt:      evt.Timestamp,
	}
	if msg.MessageID == "" {
		msg.MessageID = models.NewMessageID()
	}
	if r.messageTTL > 0 {
		msg.TTL = time.Now().Add(r.messageTTL).Unix()
	}
	if err := r.messages.SaveMessage(ctx, msg); err != nil {
		logger.Warn("failed to save inbound message", zap.Error(err))
	}
}

func (r *Router) save(ctx context.Context, logger *zap.Logger, conv *models.Conversation) {
	if err := r.conversations.Save(ctx, conv); err != nil {
		logger.Error("failed to save conversation", zap.Error(err))
	}
}

func messageType(kind models.EventKind) string {
	switch kind {
	case models.KindQuickReply:
		return models.MessageTypeQuickReply
	case models.KindPostback:
		return models.MessageTypePostback
	case models.KindAttachment:
		return models.MessageTypeAttachment
	default:
		return models.MessageTypeText
	}
}

func targetFor(conv *models.Conversation, evt models.InboundEvent) dispatch.Target {
	return dispatch.Target{
		ConversationID: conv.ConversationID,
		ChannelID:      evt.Channel,
		UserID:         evt.SenderID,
		ThreadTS:       evt.Metadata["thread_ts"],
	}
}

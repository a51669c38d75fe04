package templates

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/savaki/replyrouter/pkg/models"
	"go.uber.org/zap"
)

// ErrMalformedTemplate is returned when a template renders to nothing deliverable
var ErrMalformedTemplate = errors.New("malformed template")

// Store reads templates and records their usage
type Store interface {
	ListTemplates(ctx context.Context, botID string) ([]models.ResponseTemplate, error)
	IncrementTemplateUsage(ctx context.Context, botID, templateID string) error
}

// Engine selects and renders response templates
type Engine struct {
	store  Store
	logger *zap.Logger
}

// NewEngine creates a template engine
func NewEngine(store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// SelectBest returns the best live template for the intent and language, or nil.
// Candidates match the language exactly or use the "all" wildcard; ordering is
// priority, then newest creation, then id so the choice is deterministic.
func (e *Engine) SelectBest(ctx context.Context, botID, intent, language string) (*models.ResponseTemplate, error) {
	all, err := e.store.ListTemplates(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	var candidates []models.ResponseTemplate
	for _, t := range all {
		if !t.Live() || t.Intent != intent {
			continue
		}
		if t.Language != language && t.Language != models.LanguageAll {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.TemplateID > b.TemplateID
	})

	best := candidates[0]
	return &best, nil
}

// Render substitutes vars into the template and records one usage.
// Usage is only counted when the render produced deliverable content.
func (e *Engine) Render(ctx context.Context, tmpl *models.ResponseTemplate, vars map[string]string) (models.ReplySet, error) {
	replies, err := Build(tmpl, vars)
	if err != nil {
		return nil, err
	}

	if err := e.store.IncrementTemplateUsage(ctx, tmpl.BotID, tmpl.TemplateID); err != nil {
		e.logger.Warn("failed to increment template usage",
			zap.String("bot_id", tmpl.BotID),
			zap.String("template_id", tmpl.TemplateID),
			zap.Error(err),
		)
	}

	return replies, nil
}

// Build renders a template without side effects
func Build(tmpl *models.ResponseTemplate, vars map[string]string) (models.ReplySet, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("%w: nil template", ErrMalformedTemplate)
	}

	quickReplies := make([]models.QuickReply, 0, len(tmpl.QuickReplies))
	for _, qr := range tmpl.QuickReplies {
		quickReplies = append(quickReplies, models.QuickReply{
			Title:   Interpolate(qr.Title, vars),
			Payload: Interpolate(qr.Payload, vars),
		})
	}
	attachments := make([]models.Attachment, 0, len(tmpl.Attachments))
	for _, a := range tmpl.Attachments {
		a.URL = Interpolate(a.URL, vars)
		attachments = append(attachments, a)
	}

	replies := models.BuildReplySet(Interpolate(tmpl.Text, vars), quickReplies, attachments)
	if replies.Empty() {
		return nil, fmt.Errorf("%w: template %s has no content", ErrMalformedTemplate, tmpl.TemplateID)
	}
	return replies, nil
}

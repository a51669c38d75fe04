package models

import (
	"fmt"
	"time"
)

// LanguageAll is the wildcard language matching every request
const LanguageAll = "all"

// ResponseTemplate is a parameterized response bound to an intent and language
type ResponseTemplate struct {
	TemplateID   string       `dynamodbav:"template_id" json:"id" yaml:"id"`
	BotID        string       `dynamodbav:"bot_id" json:"botId" yaml:"botId"`
	Name         string       `dynamodbav:"name,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
	Intent       string       `dynamodbav:"intent" json:"intent" yaml:"intent"`
	Language     string       `dynamodbav:"language" json:"language" yaml:"language"`
	TemplateType string       `dynamodbav:"template_type" json:"templateType" yaml:"templateType"`
	Text         string       `dynamodbav:"text" json:"text" yaml:"text"`
	QuickReplies []QuickReply `dynamodbav:"quick_replies,omitempty" json:"quickReplies,omitempty" yaml:"quickReplies,omitempty"`
	Attachments  []Attachment `dynamodbav:"attachments,omitempty" json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Priority     int          `dynamodbav:"priority" json:"priority" yaml:"priority"`
	Active       bool         `dynamodbav:"active" json:"active" yaml:"active"`
	Deleted      bool         `dynamodbav:"deleted" json:"-" yaml:"-"`
	UsageCount   int64        `dynamodbav:"usage_count" json:"usageCount" yaml:"-"`
	CreatedAt    time.Time    `dynamodbav:"created_at" json:"createdAt" yaml:"createdAt"`
	UpdatedAt    time.Time    `dynamodbav:"updated_at" json:"updatedAt" yaml:"updatedAt"`
}

// Template types
const (
	TemplateText       = "text"
	TemplateQuickReply = "quick_reply"
	TemplateMedia      = "media"
)

// NewTemplateID generates an identifier for a template
func NewTemplateID() string {
	return generateID("tpl-")
}

// Validate checks the template has enough content to render
func (t *ResponseTemplate) Validate() error {
	if t.BotID == "" {
		return fmt.Errorf("bot id is required")
	}
	if t.Intent == "" {
		return fmt.Errorf("intent is required")
	}
	if t.Language == "" {
		return fmt.Errorf("language is required")
	}
	if t.Text == "" && len(t.Attachments) == 0 {
		return fmt.Errorf("template needs text or attachments")
	}
	return nil
}

// Live reports whether the template takes part in selection
func (t *ResponseTemplate) Live() bool {
	return t.Active && !t.Deleted
}

// BotBundle is the export/import document for a bot's full rule and template set
type BotBundle struct {
	Version    int                `json:"version" yaml:"version"`
	BotID      string             `json:"botId" yaml:"botId"`
	ExportedAt time.Time          `json:"exportedAt" yaml:"exportedAt"`
	Rules      []Rule             `json:"rules" yaml:"rules"`
	Templates  []ResponseTemplate `json:"templates" yaml:"templates"`
}

// BundleVersion is the current export format version
const BundleVersion = 1

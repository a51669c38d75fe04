package models

import (
	"fmt"
	"regexp"
	"time"
)

// TriggerType selects how a rule decides whether it matches a message
type TriggerType string

const (
	TriggerIntent    TriggerType = "INTENT"
	TriggerKeyword   TriggerType = "KEYWORD"
	TriggerRegex     TriggerType = "REGEX"
	TriggerCondition TriggerType = "CONDITION"
	TriggerAlways    TriggerType = "ALWAYS"
)

// TriggerTypes lists every supported trigger type
var TriggerTypes = []TriggerType{TriggerIntent, TriggerKeyword, TriggerRegex, TriggerCondition, TriggerAlways}

// Valid reports whether t is one of the supported trigger types
func (t TriggerType) Valid() bool {
	for _, v := range TriggerTypes {
		if t == v {
			return true
		}
	}
	return false
}

// RuleType selects what a matched rule does
type RuleType string

const (
	RuleResponse RuleType = "RESPONSE"
	RuleRedirect RuleType = "REDIRECT"
	RuleWebhook  RuleType = "WEBHOOK"
	RuleScript   RuleType = "SCRIPT"
)

// RuleTypes lists every supported rule type
var RuleTypes = []RuleType{RuleResponse, RuleRedirect, RuleWebhook, RuleScript}

// Valid reports whether t is one of the supported rule types
func (t RuleType) Valid() bool {
	for _, v := range RuleTypes {
		if t == v {
			return true
		}
	}
	return false
}

// IntentHuman is the redirect target that hands the conversation to a live agent
const IntentHuman = "human"

// QuickReply is a suggested answer rendered as a button
type QuickReply struct {
	Title   string `dynamodbav:"title" json:"title" yaml:"title"`
	Payload string `dynamodbav:"payload" json:"payload" yaml:"payload"`
}

// RuleAction is the structured payload executed when a rule wins
type RuleAction struct {
	Text         string         `dynamodbav:"text,omitempty" json:"text,omitempty" yaml:"text,omitempty"`
	QuickReplies []QuickReply   `dynamodbav:"quick_replies,omitempty" json:"quickReplies,omitempty" yaml:"quickReplies,omitempty"`
	Attachments  []Attachment   `dynamodbav:"attachments,omitempty" json:"attachments,omitempty" yaml:"attachments,omitempty"`
	TargetIntent string         `dynamodbav:"target_intent,omitempty" json:"targetIntent,omitempty" yaml:"targetIntent,omitempty"`
	Hook         string         `dynamodbav:"hook,omitempty" json:"hook,omitempty" yaml:"hook,omitempty"`
	Payload      map[string]any `dynamodbav:"payload,omitempty" json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Rule is an admin-configured trigger/action pair owned by a bot
type Rule struct {
	RuleID         string      `dynamodbav:"rule_id" json:"id" yaml:"id"`
	BotID          string      `dynamodbav:"bot_id" json:"botId" yaml:"botId"`
	Name           string      `dynamodbav:"name" json:"name" yaml:"name"`
	Description    string      `dynamodbav:"description,omitempty" json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType    TriggerType `dynamodbav:"trigger_type" json:"triggerType" yaml:"triggerType"`
	TriggerValue   string      `dynamodbav:"trigger_value" json:"triggerValue" yaml:"triggerValue"`
	RuleType       RuleType    `dynamodbav:"rule_type" json:"ruleType" yaml:"ruleType"`
	Action         RuleAction  `dynamodbav:"action" json:"action" yaml:"action"`
	Priority       int         `dynamodbav:"priority" json:"priority" yaml:"priority"`
	Active         bool        `dynamodbav:"active" json:"active" yaml:"active"`
	Deleted        bool        `dynamodbav:"deleted" json:"-" yaml:"-"`
	ExecutionCount int64       `dynamodbav:"execution_count" json:"executionCount" yaml:"-"`
	LastExecutedAt *time.Time  `dynamodbav:"last_executed_at,omitempty" json:"lastExecutedAt,omitempty" yaml:"-"`
	CreatedAt      time.Time   `dynamodbav:"created_at" json:"createdAt" yaml:"createdAt"`
	UpdatedAt      time.Time   `dynamodbav:"updated_at" json:"updatedAt" yaml:"updatedAt"`
}

// NewRuleID generates an identifier for a rule
func NewRuleID() string {
	return generateID("rule-")
}

// Validate checks the rule's closed enums and trigger value
func (r *Rule) Validate() error {
	if r.BotID == "" {
		return fmt.Errorf("bot id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !r.TriggerType.Valid() {
		return fmt.Errorf("unknown trigger type %q", r.TriggerType)
	}
	if !r.RuleType.Valid() {
		return fmt.Errorf("unknown rule type %q", r.RuleType)
	}
	if r.TriggerType != TriggerAlways && r.TriggerValue == "" {
		return fmt.Errorf("trigger value is required for %s triggers", r.TriggerType)
	}
	if r.TriggerType == TriggerRegex {
		if _, err := regexp.Compile(r.TriggerValue); err != nil {
			return fmt.Errorf("invalid regex trigger: %w", err)
		}
	}
	if r.RuleType == RuleRedirect && r.Action.TargetIntent == "" {
		return fmt.Errorf("redirect rules need a target intent")
	}
	return nil
}

// Live reports whether the rule takes part in evaluation
func (r *Rule) Live() bool {
	return r.Active && !r.Deleted
}

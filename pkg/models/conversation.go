package models

import (
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned by stores when the requested record does not exist
var ErrNotFound = errors.New("not found")

// Conversation is the routing state for one (connection, external user, channel) identity
type Conversation struct {
	ConversationID   string            `dynamodbav:"conversation_id" json:"conversationId"`
	Key              string            `dynamodbav:"conversation_key" json:"key"`
	ConnectionID     string            `dynamodbav:"connection_id" json:"connectionId"`
	ExternalUserID   string            `dynamodbav:"external_user_id" json:"externalUserId"`
	Channel          string            `dynamodbav:"channel" json:"channel"`
	TakenOverByAgent bool              `dynamodbav:"taken_over_by_agent" json:"takenOverByAgent"`
	LastIntent       string            `dynamodbav:"last_intent,omitempty" json:"lastIntent,omitempty"`
	LastProvider     string            `dynamodbav:"last_provider,omitempty" json:"lastProvider,omitempty"`
	MessageCount     int               `dynamodbav:"message_count" json:"messageCount"`
	SessionData      map[string]string `dynamodbav:"session_data,omitempty" json:"sessionData,omitempty"`
	UserData         map[string]string `dynamodbav:"user_data,omitempty" json:"userData,omitempty"`
	CreatedAt        time.Time         `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt        time.Time         `dynamodbav:"updated_at" json:"updatedAt"`

	unsavedTurns int
}

// IdentityKey builds the unique key for a conversation identity triple.
// Components are joined with '#', which never appears in Slack ids.
func IdentityKey(connectionID, externalUserID, channel string) string {
	return strings.Join([]string{connectionID, channel, externalUserID}, "#")
}

// NewConversation creates a conversation for the identity triple with a generated ID
func NewConversation(connectionID, externalUserID, channel string) *Conversation {
	now := time.Now()
	return &Conversation{
		ConversationID: generateID("conv-"),
		Key:            IdentityKey(connectionID, externalUserID, channel),
		ConnectionID:   connectionID,
		ExternalUserID: externalUserID,
		Channel:        channel,
		SessionData:    map[string]string{},
		UserData:       map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RecordTurn updates the conversation after an automated turn.
// Empty values keep the previous intent/provider.
func (c *Conversation) RecordTurn(intent, provider string) {
	if intent != "" {
		c.LastIntent = intent
	}
	if provider != "" {
		c.LastProvider = provider
	}
	c.MessageCount++
	c.unsavedTurns++
	c.UpdatedAt = time.Now()
}

// UnsavedTurns is the number of turns recorded since the conversation was loaded or saved.
// Stores add it to the persisted count instead of overwriting MessageCount.
func (c *Conversation) UnsavedTurns() int {
	return c.unsavedTurns
}

// MarkSaved resets the unsaved turn count after a successful save
func (c *Conversation) MarkSaved() {
	c.unsavedTurns = 0
}

// IdentityVars returns the identity fields exposed to response templates
func (c *Conversation) IdentityVars() map[string]string {
	return map[string]string{
		"conversation_id": c.ConversationID,
		"connection_id":   c.ConnectionID,
		"user_id":         c.ExternalUserID,
		"channel":         c.Channel,
	}
}

// generateID creates a prefixed ULID
func generateID(prefix string) string {
	id, _ := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	return prefix + id.String()
}

// NewMessageID generates an identifier for a persisted message
func NewMessageID() string {
	return generateID("msg-")
}

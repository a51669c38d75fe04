package models

import "time"

// Sender identifies who produced a persisted message
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// Persisted message types
const (
	MessageTypeText       = "text"
	MessageTypeImage      = "image"
	MessageTypeQuickReply = "quick_reply"
	MessageTypePostback   = "postback"
	MessageTypeAttachment = "attachment"
	MessageTypeEvent      = "event"
)

// Message is a single persisted line of a conversation
type Message struct {
	ConversationID string            `dynamodbav:"conversation_id" json:"conversationId"`
	MessageID      string            `dynamodbav:"message_id" json:"messageId"`
	Sender         Sender            `dynamodbav:"sender" json:"sender"`
	Content        string            `dynamodbav:"content" json:"content"`
	Type           string            `dynamodbav:"type" json:"type"`
	Metadata       map[string]string `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time         `dynamodbav:"created_at" json:"createdAt"`
	TTL            int64             `dynamodbav:"ttl,omitempty" json:"-"`
}

// LiveAgentMessage is what the live-agent notifier receives for a taken-over turn
type LiveAgentMessage struct {
	ConversationID string
	Sender         string
	Content        string
	Timestamp      time.Time
	Reason         string
}

// Connection is the resolved owner of an inbound connection (workspace/app)
type Connection struct {
	ConnectionID string
	BotID        string
	Channel      string
}

// BotSettings holds per-bot switches managed from the admin surface
type BotSettings struct {
	BotID              string    `dynamodbav:"bot_id" json:"botId" yaml:"botId"`
	CustomLogicEnabled bool      `dynamodbav:"custom_logic_enabled" json:"customLogicEnabled" yaml:"customLogicEnabled"`
	DefaultLanguage    string    `dynamodbav:"default_language,omitempty" json:"defaultLanguage,omitempty" yaml:"defaultLanguage,omitempty"`
	UpdatedAt          time.Time `dynamodbav:"updated_at" json:"updatedAt" yaml:"updatedAt"`
}

// DefaultBotSettings is used when a bot has no stored settings
func DefaultBotSettings(botID string) *BotSettings {
	return &BotSettings{BotID: botID, CustomLogicEnabled: true}
}

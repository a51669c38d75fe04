package models

import (
	"maps"
	"slices"
	"time"
)

// EventKind classifies a normalized inbound event
type EventKind string

const (
	KindText       EventKind = "text"
	KindAttachment EventKind = "attachment"
	KindQuickReply EventKind = "quick_reply"
	KindPostback   EventKind = "postback"
	KindReaction   EventKind = "reaction"
	KindRead       EventKind = "read"
	KindDelivery   EventKind = "delivery"
	KindEcho       EventKind = "echo"
	KindUnknown    EventKind = "unknown"
)

// Processable reports whether events of this kind can produce a reply
func (k EventKind) Processable() bool {
	switch k {
	case KindText, KindAttachment, KindQuickReply, KindPostback:
		return true
	default:
		return false
	}
}

// Attachment describes a file or media item carried by an event or reply
type Attachment struct {
	Type string `dynamodbav:"type" json:"type" yaml:"type"` // image, file, video, audio
	URL  string `dynamodbav:"url" json:"url" yaml:"url"`
	Name string `dynamodbav:"name,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
}

// InboundEvent is the channel-agnostic envelope for one inbound event
type InboundEvent struct {
	MessageID    string
	SenderID     string
	ConnectionID string
	Channel      string
	Kind         EventKind
	Text         string
	Payload      string
	Attachments  []Attachment
	Metadata     map[string]string
	Timestamp    time.Time
}

// NewInboundEvent copies the mutable fields so later changes by the caller don't leak in
func NewInboundEvent(e InboundEvent) InboundEvent {
	e.Attachments = slices.Clone(e.Attachments)
	e.Metadata = maps.Clone(e.Metadata)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return e
}

// Content returns the user-visible content of the event for persistence
func (e InboundEvent) Content() string {
	switch e.Kind {
	case KindQuickReply, KindPostback:
		if e.Text != "" {
			return e.Text
		}
		return e.Payload
	case KindAttachment:
		if e.Text != "" {
			return e.Text
		}
		if len(e.Attachments) > 0 {
			return e.Attachments[0].URL
		}
	}
	return e.Text
}

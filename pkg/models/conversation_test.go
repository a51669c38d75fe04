package models

import (
	"strings"
	"testing"
	"time"
)

func TestNewConversation(t *testing.T) {
	conv := NewConversation("T123", "U789ABC", "slack")

	if conv.ConnectionID != "T123" {
		t.Errorf("ConnectionID = %s, want T123", conv.ConnectionID)
	}

	if conv.ExternalUserID != "U789ABC" {
		t.Errorf("ExternalUserID = %s, want U789ABC", conv.ExternalUserID)
	}

	if conv.Key != IdentityKey("T123", "U789ABC", "slack") {
		t.Errorf("Key = %s, want identity key", conv.Key)
	}

	if !strings.HasPrefix(conv.ConversationID, "conv-") {
		t.Errorf("ConversationID should start with 'conv-', got %s", conv.ConversationID)
	}

	if conv.TakenOverByAgent {
		t.Error("new conversation should not be taken over")
	}

	if conv.CreatedAt.IsZero() || conv.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	if conv.SessionData == nil || conv.UserData == nil {
		t.Error("data bags should be initialized")
	}
}

func TestIdentityKey(t *testing.T) {
	tests := []struct {
		name string
		a, b [3]string
		same bool
	}{
		{"identical triples", [3]string{"T1", "U1", "slack"}, [3]string{"T1", "U1", "slack"}, true},
		{"different user", [3]string{"T1", "U1", "slack"}, [3]string{"T1", "U2", "slack"}, false},
		{"different channel", [3]string{"T1", "U1", "slack"}, [3]string{"T1", "U1", "web"}, false},
		{"different connection", [3]string{"T1", "U1", "slack"}, [3]string{"T2", "U1", "slack"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := IdentityKey(tt.a[0], tt.a[1], tt.a[2])
			kb := IdentityKey(tt.b[0], tt.b[1], tt.b[2])
			if (ka == kb) != tt.same {
				t.Errorf("IdentityKey equality = %v, want %v (%s vs %s)", ka == kb, tt.same, ka, kb)
			}
		})
	}
}

func TestConversationRecordTurn(t *testing.T) {
	conv := NewConversation("T1", "U1", "slack")
	before := conv.UpdatedAt
	time.Sleep(10 * time.Millisecond)

	conv.RecordTurn("price_inquiry", "rasa")
	if conv.LastIntent != "price_inquiry" {
		t.Errorf("LastIntent = %s, want price_inquiry", conv.LastIntent)
	}
	if conv.LastProvider != "rasa" {
		t.Errorf("LastProvider = %s, want rasa", conv.LastProvider)
	}
	if conv.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", conv.MessageCount)
	}
	if !conv.UpdatedAt.After(before) {
		t.Error("UpdatedAt should advance")
	}

	conv.RecordTurn("", "")
	if conv.LastIntent != "price_inquiry" || conv.LastProvider != "rasa" {
		t.Error("empty values should keep previous intent and provider")
	}
	if conv.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", conv.MessageCount)
	}
	if conv.UnsavedTurns() != 2 {
		t.Errorf("UnsavedTurns() = %d, want 2", conv.UnsavedTurns())
	}
	conv.MarkSaved()
	if conv.UnsavedTurns() != 0 {
		t.Errorf("UnsavedTurns() after MarkSaved = %d, want 0", conv.UnsavedTurns())
	}
}

func TestConversationUniqueIDs(t *testing.T) {
	conv1 := NewConversation("T1", "U1", "slack")
	conv2 := NewConversation("T1", "U1", "slack")

	if conv1.ConversationID == conv2.ConversationID {
		t.Error("ConversationIDs should be unique")
	}
}

func TestIdentityVars(t *testing.T) {
	conv := NewConversation("T1", "U1", "slack")
	vars := conv.IdentityVars()

	want := map[string]string{
		"conversation_id": conv.ConversationID,
		"connection_id":   "T1",
		"user_id":         "U1",
		"channel":         "slack",
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("IdentityVars()[%s] = %s, want %s", k, vars[k], v)
		}
	}
}

func TestEventKindProcessable(t *testing.T) {
	tests := []struct {
		kind EventKind
		want bool
	}{
		{KindText, true},
		{KindAttachment, true},
		{KindQuickReply, true},
		{KindPostback, true},
		{KindReaction, false},
		{KindRead, false},
		{KindDelivery, false},
		{KindEcho, false},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		if got := tt.kind.Processable(); got != tt.want {
			t.Errorf("%s.Processable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestNewInboundEventCopiesMutableFields(t *testing.T) {
	meta := map[string]string{"team": "T1"}
	atts := []Attachment{{Type: "image", URL: "https://example.com/a.png"}}

	evt := NewInboundEvent(InboundEvent{MessageID: "m1", Kind: KindAttachment, Metadata: meta, Attachments: atts})
	meta["team"] = "changed"
	atts[0].URL = "changed"

	if evt.Metadata["team"] != "T1" {
		t.Error("Metadata should be copied")
	}
	if evt.Attachments[0].URL != "https://example.com/a.png" {
		t.Error("Attachments should be copied")
	}
	if evt.Timestamp.IsZero() {
		t.Error("Timestamp should default to now")
	}
	if evt.Content() != "https://example.com/a.png" {
		t.Errorf("Content() = %s, want attachment url", evt.Content())
	}
}

func TestRuleValidate(t *testing.T) {
	base := func() Rule {
		return Rule{
			BotID:        "bot-1",
			Name:         "greeting",
			TriggerType:  TriggerKeyword,
			TriggerValue: "hello",
			RuleType:     RuleResponse,
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr bool
	}{
		{"valid keyword rule", func(r *Rule) {}, false},
		{"missing name", func(r *Rule) { r.Name = "" }, true},
		{"unknown trigger", func(r *Rule) { r.TriggerType = "FUZZY" }, true},
		{"unknown rule type", func(r *Rule) { r.RuleType = "EMAIL" }, true},
		{"always needs no value", func(r *Rule) { r.TriggerType = TriggerAlways; r.TriggerValue = "" }, false},
		{"bad regex", func(r *Rule) { r.TriggerType = TriggerRegex; r.TriggerValue = "([a-z" }, true},
		{"redirect without target", func(r *Rule) { r.RuleType = RuleRedirect }, true},
		{"redirect with target", func(r *Rule) { r.RuleType = RuleRedirect; r.Action.TargetIntent = IntentHuman }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildReplySet(t *testing.T) {
	set := BuildReplySet("Hello", []QuickReply{{Title: "Yes", Payload: "yes"}}, []Attachment{
		{Type: "image", URL: "https://example.com/a.png"},
		{Type: "file", URL: "https://example.com/b.pdf"},
		{Type: "image"},
	})

	if len(set) != 3 {
		t.Fatalf("len(set) = %d, want 3", len(set))
	}
	if set[0].Type != PartText || len(set[0].QuickReplies) != 1 {
		t.Errorf("first part = %+v, want text with quick replies", set[0])
	}
	if set[1].Type != PartImage {
		t.Errorf("second part type = %s, want image", set[1].Type)
	}
	if set.Empty() {
		t.Error("set should not be empty")
	}
	if !(ReplySet{{Type: PartText}}).Empty() {
		t.Error("set with blank content should be empty")
	}
}

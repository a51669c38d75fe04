package handler

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
)

const messageCallback = `{
	"token": "ignored",
	"team_id": "T1",
	"api_app_id": "A1",
	"type": "event_callback",
	"event_id": "Ev123",
	"event_time": 1700000000,
	"event": {
		"type": "message",
		"client_msg_id": "c-1",
		"user": "U1",
		"text": "tôi muốn kiểm tra đơn hàng",
		"ts": "1700000000.000100",
		"channel": "D1",
		"channel_type": "im"
	}
}`

func callback(event string) []byte {
	return []byte(`{"team_id":"T1","api_app_id":"A1","type":"event_callback","event_id":"Ev9","event":` + event + `}`)
}

func TestNormalizeEventsAPI(t *testing.T) {
	tests := []struct {
		name      string
		body      []byte
		opts      NormalizeOptions
		wantErr   error
		challenge string
		wantKind  models.EventKind
		check     func(t *testing.T, evt models.InboundEvent)
	}{
		{
			name:      "url verification",
			body:      []byte(`{"token":"x","challenge":"abc123","type":"url_verification"}`),
			challenge: "abc123",
		},
		{
			name:     "direct message",
			body:     []byte(messageCallback),
			wantKind: models.KindText,
			check: func(t *testing.T, evt models.InboundEvent) {
				if evt.MessageID != "Ev123" || evt.ConnectionID != "T1" || evt.SenderID != "U1" || evt.Channel != "D1" {
					t.Errorf("identity = %+v", evt)
				}
				if evt.Text != "tôi muốn kiểm tra đơn hàng" {
					t.Errorf("Text = %q", evt.Text)
				}
				if want := time.Unix(1700000000, 100*int64(time.Microsecond)); !evt.Timestamp.Equal(want) {
					t.Errorf("Timestamp = %v, want %v", evt.Timestamp, want)
				}
				if evt.Metadata["channel_type"] != "im" || evt.Metadata["api_app_id"] != "A1" {
					t.Errorf("Metadata = %v", evt.Metadata)
				}
				if _, ok := evt.Metadata["thread_ts"]; ok {
					t.Errorf("unexpected thread_ts for top-level message")
				}
			},
		},
		{
			name:     "bot message is an echo",
			body:     callback(`{"type":"message","bot_id":"B1","text":"hi","ts":"1.1","channel":"D1"}`),
			wantKind: models.KindEcho,
		},
		{
			name:     "own user is an echo",
			body:     callback(`{"type":"message","user":"UBOT","text":"hi","ts":"1.1","channel":"D1"}`),
			opts:     NormalizeOptions{BotUserID: "UBOT"},
			wantKind: models.KindEcho,
		},
		{
			name:     "edited message is unknown",
			body:     callback(`{"type":"message","subtype":"message_changed","ts":"1.1","channel":"D1"}`),
			wantKind: models.KindUnknown,
		},
		{
			name:     "file share",
			body:     callback(`{"type":"message","subtype":"file_share","user":"U1","ts":"1.1","channel":"D1","files":[{"id":"F1","name":"a.png","mimetype":"image/png","url_private":"https://files.slack.com/a.png"}]}`),
			wantKind: models.KindAttachment,
			check: func(t *testing.T, evt models.InboundEvent) {
				if len(evt.Attachments) != 1 || evt.Attachments[0].Type != "image" || evt.Attachments[0].URL != "https://files.slack.com/a.png" {
					t.Errorf("Attachments = %+v", evt.Attachments)
				}
			},
		},
		{
			name:     "threaded message keeps thread",
			body:     callback(`{"type":"message","user":"U1","text":"còn hàng không","ts":"2.2","thread_ts":"1.1","channel":"C1"}`),
			wantKind: models.KindText,
			check: func(t *testing.T, evt models.InboundEvent) {
				if evt.Metadata["thread_ts"] != "1.1" {
					t.Errorf("thread_ts = %q", evt.Metadata["thread_ts"])
				}
			},
		},
		{
			name:     "app mention strips mention and threads reply",
			body:     callback(`{"type":"app_mention","user":"U1","text":"<@UBOT> giá bao nhiêu","ts":"3.3","channel":"C1"}`),
			wantKind: models.KindText,
			check: func(t *testing.T, evt models.InboundEvent) {
				if evt.Text != "giá bao nhiêu" {
					t.Errorf("Text = %q", evt.Text)
				}
				if evt.Metadata["thread_ts"] != "3.3" {
					t.Errorf("thread_ts = %q", evt.Metadata["thread_ts"])
				}
			},
		},
		{
			name:     "reaction",
			body:     callback(`{"type":"reaction_added","user":"U1","reaction":"thumbsup","item":{"type":"message","channel":"D1","ts":"1.1"}}`),
			wantKind: models.KindReaction,
		},
		{
			name:     "unmodelled inner event",
			body:     callback(`{"type":"some_future_event"}`),
			wantKind: models.KindUnknown,
		},
		{
			name:    "invalid json",
			body:    []byte(`{not json`),
			wantErr: ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := NormalizeEventsAPI(tt.body, tt.opts)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NormalizeEventsAPI() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeEventsAPI() error = %v", err)
			}
			if envelope.Challenge != tt.challenge {
				t.Errorf("Challenge = %q, want %q", envelope.Challenge, tt.challenge)
			}
			if tt.challenge != "" {
				return
			}
			if envelope.Event.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", envelope.Event.Kind, tt.wantKind)
			}
			if tt.check != nil {
				tt.check(t, envelope.Event)
			}
		})
	}
}

func interactionBody(payload string) []byte {
	return []byte(url.Values{"payload": {payload}}.Encode())
}

func TestNormalizeInteraction(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		wantErr     bool
		wantKind    models.EventKind
		wantPayload string
	}{
		{
			name: "quick reply button",
			body: interactionBody(`{
				"type": "block_actions",
				"trigger_id": "trig-1",
				"team": {"id": "T1"},
				"user": {"id": "U1"},
				"channel": {"id": "D1"},
				"container": {"type": "message", "message_ts": "5.5", "channel_id": "D1"},
				"actions": [{"action_id": "quick_reply_0", "block_id": "quick_replies_0", "type": "button", "value": "ORDER_STATUS", "text": {"type": "plain_text", "text": "Xem đơn hàng"}, "action_ts": "6.6"}]
			}`),
			wantKind:    models.KindQuickReply,
			wantPayload: "ORDER_STATUS",
		},
		{
			name: "other block action is a postback",
			body: interactionBody(`{
				"type": "block_actions",
				"trigger_id": "trig-2",
				"team": {"id": "T1"},
				"user": {"id": "U1"},
				"channel": {"id": "D1"},
				"actions": [{"action_id": "menu", "block_id": "b1", "type": "button", "value": "MENU", "action_ts": "7.7"}]
			}`),
			wantKind:    models.KindPostback,
			wantPayload: "MENU",
		},
		{
			name:     "view submission is unknown",
			body:     interactionBody(`{"type": "view_submission", "team": {"id": "T1"}, "user": {"id": "U1"}}`),
			wantKind: models.KindUnknown,
		},
		{
			name:    "missing payload",
			body:    []byte("foo=bar"),
			wantErr: true,
		},
		{
			name:    "bad payload json",
			body:    interactionBody(`{nope`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := NormalizeInteraction(tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeInteraction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPayload) {
					t.Errorf("error = %v, want ErrMalformedPayload", err)
				}
				return
			}
			evt := envelope.Event
			if evt.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", evt.Kind, tt.wantKind)
			}
			if evt.Payload != tt.wantPayload {
				t.Errorf("Payload = %q, want %q", evt.Payload, tt.wantPayload)
			}
			if evt.ConnectionID != "T1" || evt.SenderID != "U1" {
				t.Errorf("identity = %+v", evt)
			}
			if tt.wantKind.Processable() && evt.MessageID == "" {
				t.Error("expected a message id for dedup")
			}
		})
	}
}

func TestParseTS(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"1700000000.000100", time.Unix(1700000000, 100000)},
		{"1700000000", time.Unix(1700000000, 0)},
		{"", time.Time{}},
		{"garbage", time.Time{}},
	}
	for _, tt := range tests {
		if got := parseTS(tt.in); !got.Equal(tt.want) {
			t.Errorf("parseTS(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

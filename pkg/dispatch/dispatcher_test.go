package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
)

// MockSender mocks Sender for testing
type MockSender struct {
	SendTextFunc  func(ctx context.Context, target Target, text string, quickReplies []models.QuickReply) error
	SendImageFunc func(ctx context.Context, target Target, url string) error
	Sent          []string
}

var _ Sender = (*MockSender)(nil)

func (m *MockSender) SendText(ctx context.Context, target Target, text string, quickReplies []models.QuickReply) error {
	if m.SendTextFunc != nil {
		if err := m.SendTextFunc(ctx, target, text, quickReplies); err != nil {
			return err
		}
	}
	m.Sent = append(m.Sent, text)
	return nil
}

func (m *MockSender) SendImage(ctx context.Context, target Target, url string) error {
	if m.SendImageFunc != nil {
		if err := m.SendImageFunc(ctx, target, url); err != nil {
			return err
		}
	}
	m.Sent = append(m.Sent, url)
	return nil
}

// MockMessageStore mocks MessageStore for testing
type MockMessageStore struct {
	Err      error
	Messages []*models.Message
}

var _ MessageStore = (*MockMessageStore)(nil)

func (m *MockMessageStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msg)
	return nil
}

var target = Target{ConversationID: "conv-1", ChannelID: "D1", UserID: "U1"}

func TestDispatchInOrder(t *testing.T) {
	sender := &MockSender{}
	store := &MockMessageStore{}
	d := NewDispatcher(sender, store, 24*time.Hour, nil)

	replies := models.ReplySet{
		{Type: models.PartText, Content: "Xin chào", QuickReplies: []models.QuickReply{{Title: "Đơn hàng", Payload: "order"}}},
		{Type: models.PartImage, Content: "https://cdn.example.com/a.png"},
		{Type: models.PartText, Content: "Bạn cần gì thêm?"},
	}

	results := d.Dispatch(context.Background(), target, replies)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.Status != StatusSent {
			t.Errorf("part %d status = %s, want sent", i, r.Status)
		}
		if r.Index != i {
			t.Errorf("part %d index = %d", i, r.Index)
		}
	}
	want := []string{"Xin chào", "https://cdn.example.com/a.png", "Bạn cần gì thêm?"}
	for i := range want {
		if sender.Sent[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, sender.Sent[i], want[i])
		}
	}

	if len(store.Messages) != 3 {
		t.Fatalf("stored = %d, want 3", len(store.Messages))
	}
	first := store.Messages[0]
	if first.Sender != models.SenderBot || first.ConversationID != "conv-1" {
		t.Errorf("stored message = %+v", first)
	}
	if first.Type != models.MessageTypeQuickReply {
		t.Errorf("type = %s, want quick_reply", first.Type)
	}
	if store.Messages[1].Type != models.MessageTypeImage {
		t.Errorf("type = %s, want image", store.Messages[1].Type)
	}
	if first.TTL == 0 {
		t.Error("TTL should be set")
	}
}

func TestDispatchSkipsDuplicateText(t *testing.T) {
	sender := &MockSender{}
	d := NewDispatcher(sender, nil, 0, nil)

	results := d.Dispatch(context.Background(), target, models.ReplySet{
		{Type: models.PartText, Content: "Cảm ơn bạn"},
		{Type: models.PartImage, Content: "https://cdn.example.com/a.png"},
		{Type: models.PartText, Content: "Cảm ơn bạn"},
		{Type: models.PartImage, Content: "https://cdn.example.com/a.png"},
		{Type: models.PartText, Content: ""},
	})

	wantStatus := []PartStatus{StatusSent, StatusSent, StatusSkipped, StatusSent, StatusSkipped}
	for i, want := range wantStatus {
		if results[i].Status != want {
			t.Errorf("part %d status = %s, want %s", i, results[i].Status, want)
		}
	}
	if len(sender.Sent) != 3 {
		t.Errorf("sent = %v, want 3 parts", sender.Sent)
	}
}

func TestDispatchPartialFailure(t *testing.T) {
	sender := &MockSender{
		SendTextFunc: func(ctx context.Context, target Target, text string, qrs []models.QuickReply) error {
			if text == "broken" {
				return errors.New("channel_not_found")
			}
			return nil
		},
	}
	store := &MockMessageStore{}
	d := NewDispatcher(sender, store, 0, nil)

	results := d.Dispatch(context.Background(), target, models.ReplySet{
		{Type: models.PartText, Content: "one"},
		{Type: models.PartText, Content: "broken"},
		{Type: models.PartText, Content: "three"},
	})

	if results[1].Status != StatusFailed || results[1].Err == nil {
		t.Errorf("part 1 = %+v, want failed", results[1])
	}
	if results[2].Status != StatusSent {
		t.Errorf("part 2 status = %s, want sent", results[2].Status)
	}
	if len(store.Messages) != 2 {
		t.Errorf("stored = %d, want 2", len(store.Messages))
	}
	if !Delivered(results) {
		t.Error("Delivered() = false")
	}
	if f := Failures(results); len(f) != 1 || f[0].Index != 1 {
		t.Errorf("Failures() = %+v", f)
	}
}

func TestDispatchPersistFailureStillSent(t *testing.T) {
	d := NewDispatcher(&MockSender{}, &MockMessageStore{Err: errors.New("throttled")}, 0, nil)

	results := d.Dispatch(context.Background(), target, models.TextReply("hi"))
	if results[0].Status != StatusSent {
		t.Errorf("status = %s, want sent", results[0].Status)
	}
	if results[0].PersistErr == nil {
		t.Error("PersistErr should be recorded")
	}
}

func TestDispatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &MockSender{
		SendTextFunc: func(ctx context.Context, target Target, text string, qrs []models.QuickReply) error {
			cancel()
			return nil
		},
	}
	d := NewDispatcher(sender, nil, 0, nil)

	results := d.Dispatch(ctx, target, models.ReplySet{
		{Type: models.PartText, Content: "first"},
		{Type: models.PartText, Content: "second"},
	})

	if results[0].Status != StatusSent {
		t.Errorf("first status = %s, want sent", results[0].Status)
	}
	if results[1].Status != StatusFailed || !errors.Is(results[1].Err, context.Canceled) {
		t.Errorf("second = %+v, want failed with context.Canceled", results[1])
	}
	if Delivered(nil) {
		t.Error("Delivered(nil) = true")
	}
}

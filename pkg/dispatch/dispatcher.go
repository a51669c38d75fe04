package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
	"go.uber.org/zap"
)

// Target identifies where a reply goes
type Target struct {
	ConversationID string
	ChannelID      string
	UserID         string
	ThreadTS       string
}

// Sender delivers reply parts to the outbound channel
type Sender interface {
	SendText(ctx context.Context, target Target, text string, quickReplies []models.QuickReply) error
	SendImage(ctx context.Context, target Target, url string) error
}

// MessageStore persists delivered parts
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
}

// PartStatus is the delivery outcome of one part
type PartStatus string

const (
	StatusSent    PartStatus = "sent"
	StatusSkipped PartStatus = "skipped"
	StatusFailed  PartStatus = "failed"
)

// PartResult reports what happened to one reply part
type PartResult struct {
	Index      int
	Part       models.ReplyPart
	Status     PartStatus
	Err        error
	PersistErr error
}

// Dispatcher sends reply sets part by part
type Dispatcher struct {
	sender Sender
	store  MessageStore
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. Messages are stored with the given ttl; zero keeps them forever.
func NewDispatcher(sender Sender, store MessageStore, ttl time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender: sender,
		store:  store,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Dispatch sends each part in order. Text parts identical to one already sent
// in this call are skipped. A failing part is recorded and the rest still go out.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, replies models.ReplySet) []PartResult {
	results := make([]PartResult, 0, len(replies))
	sent := map[string]struct{}{}

	for i, part := range replies {
		result := PartResult{Index: i, Part: part}

		if err := ctx.Err(); err != nil {
			result.Status = StatusFailed
			result.Err = err
			results = append(results, result)
			continue
		}

		if part.Content == "" {
			result.Status = StatusSkipped
			results = append(results, result)
			continue
		}

		if part.Type == models.PartText {
			if _, dup := sent[part.Content]; dup {
				result.Status = StatusSkipped
				results = append(results, result)
				continue
			}
		}

		if err := d.send(ctx, target, part); err != nil {
			d.logger.Error("failed to send reply part",
				zap.String("conversation_id", target.ConversationID),
				zap.Int("part", i),
				zap.String("type", string(part.Type)),
				zap.Error(err),
			)
			result.Status = StatusFailed
			result.Err = err
			results = append(results, result)
			continue
		}

		result.Status = StatusSent
		if part.Type == models.PartText {
			sent[part.Content] = struct{}{}
		}

		if err := d.persist(ctx, target, part); err != nil {
			d.logger.Warn("failed to save outgoing message",
				zap.String("conversation_id", target.ConversationID),
				zap.Int("part", i),
				zap.Error(err),
			)
			result.PersistErr = err
		}
		results = append(results, result)
	}

	return results
}

func (d *Dispatcher) send(ctx context.Context, target Target, part models.ReplyPart) error {
	switch part.Type {
	case models.PartText:
		return d.sender.SendText(ctx, target, part.Content, part.QuickReplies)
	case models.PartImage:
		return d.sender.SendImage(ctx, target, part.Content)
	default:
		return fmt.Errorf("unsupported part type %q", part.Type)
	}
}

func (d *Dispatcher) persist(ctx context.Context, target Target, part models.ReplyPart) error {
	if d.store == nil {
		return nil
	}

	now := d.now()
	msg := &models.Message{
		ConversationID: target.ConversationID,
		MessageID:      models.NewMessageID(),
		Sender:         models.SenderBot,
		Content:        part.Content,
		Type:           string(part.Type),
		CreatedAt:      now,
	}
	if len(part.QuickReplies) > 0 {
		msg.Type = models.MessageTypeQuickReply
		msg.Metadata = map[string]string{"quick_replies": fmt.Sprint(len(part.QuickReplies))}
	}
	if d.ttl > 0 {
		msg.TTL = now.Add(d.ttl).Unix()
	}
	return d.store.SaveMessage(ctx, msg)
}

// Delivered reports whether at least one part was sent
func Delivered(results []PartResult) bool {
	for _, r := range results {
		if r.Status == StatusSent {
			return true
		}
	}
	return false
}

// Failures returns the parts that could not be sent
func Failures(results []PartResult) []PartResult {
	var out []PartResult
	for _, r := range results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

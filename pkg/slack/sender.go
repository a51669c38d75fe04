package slack

import (
	"context"
	"fmt"

	"github.com/savaki/replyrouter/pkg/dispatch"
	"github.com/savaki/replyrouter/pkg/models"
	"github.com/slack-go/slack"
)

// QuickReplyActionPrefix prefixes the action id of quick reply buttons so
// interaction payloads can be told apart from other block actions
const QuickReplyActionPrefix = "quick_reply_"

// maxButtonsPerBlock is Slack's limit on elements in one actions block
const maxButtonsPerBlock = 25

// Poster posts chat messages; *Client implements it
type Poster interface {
	PostMessage(ctx context.Context, channelID string, opts ...slack.MsgOption) (string, error)
}

var _ Poster = (*Client)(nil)

// Sender delivers reply parts to Slack
type Sender struct {
	poster Poster
}

var _ dispatch.Sender = (*Sender)(nil)

// NewSender creates a sender
func NewSender(poster Poster) *Sender {
	return &Sender{poster: poster}
}

// SendText posts text as a section block, with quick replies as buttons
func (s *Sender) SendText(ctx context.Context, target dispatch.Target, text string, quickReplies []models.QuickReply) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(TextBlocks(text, quickReplies)...),
	}
	if target.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(target.ThreadTS))
	}

	if _, err := s.poster.PostMessage(ctx, target.ChannelID, opts...); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// SendImage posts an image block
func (s *Sender) SendImage(ctx context.Context, target dispatch.Target, url string) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(url, false),
		slack.MsgOptionBlocks(slack.NewImageBlock(url, "image", "", nil)),
	}
	if target.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(target.ThreadTS))
	}

	if _, err := s.poster.PostMessage(ctx, target.ChannelID, opts...); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

// TextBlocks renders text and quick replies as Block Kit blocks
func TextBlocks(text string, quickReplies []models.QuickReply) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}

	var buttons []slack.BlockElement
	for i, qr := range quickReplies {
		if qr.Title == "" {
			continue
		}
		value := qr.Payload
		if value == "" {
			value = qr.Title
		}
		buttons = append(buttons, slack.NewButtonBlockElement(
			fmt.Sprintf("%s%d", QuickReplyActionPrefix, i),
			value,
			slack.NewTextBlockObject(slack.PlainTextType, qr.Title, false, false),
		))
	}

	for start := 0; start < len(buttons); start += maxButtonsPerBlock {
		end := min(start+maxButtonsPerBlock, len(buttons))
		blocks = append(blocks, slack.NewActionBlock(fmt.Sprintf("quick_replies_%d", start/maxButtonsPerBlock), buttons[start:end]...))
	}
	return blocks
}

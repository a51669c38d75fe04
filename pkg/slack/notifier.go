package slack

import (
	"context"
	"fmt"

	"github.com/savaki/replyrouter/pkg/models"
	"github.com/slack-go/slack"
)

// AgentNotifier mirrors live-agent traffic into a Slack channel watched by the support team
type AgentNotifier struct {
	poster    Poster
	channelID string
}

// NewAgentNotifier creates a notifier posting to channelID
func NewAgentNotifier(poster Poster, channelID string) *AgentNotifier {
	return &AgentNotifier{poster: poster, channelID: channelID}
}

// Notify posts the message with its conversation and reason
func (n *AgentNotifier) Notify(ctx context.Context, msg models.LiveAgentMessage) error {
	if n.channelID == "" {
		return fmt.Errorf("notify: no agent channel configured")
	}

	if _, err := n.poster.PostMessage(ctx, n.channelID, slack.MsgOptionText(FormatAgentMessage(msg), false)); err != nil {
		return fmt.Errorf("notify agents: %w", err)
	}
	return nil
}

// FormatAgentMessage renders a live-agent message for the agent channel
func FormatAgentMessage(msg models.LiveAgentMessage) string {
	return fmt.Sprintf("[%s] conversation `%s` from <@%s>:\n>%s", msg.Reason, msg.ConversationID, msg.Sender, msg.Content)
}

package handler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/savaki/replyrouter/pkg/router"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackClientInterface defines the interface for Slack operations
type SlackClientInterface interface {
	CreateConversation(ctx context.Context, channelName string) (string, error)
	InviteUsersToConversation(ctx context.Context, channelID string, userIDs ...string) error
	PostMessage(ctx context.Context, channelID string, opts ...slack.MsgOption) (string, error)
}

// Escalator opens a private handoff channel for conversations handed to humans
// and invites the on-call agents
type Escalator struct {
	slackClient SlackClientInterface
	agents      []string
	logger      *zap.Logger
	now         func() time.Time
}

var _ router.Escalator = (*Escalator)(nil)

// NewEscalator creates a new escalator
func NewEscalator(slackClient SlackClientInterface, agents []string, logger *zap.Logger) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalator{
		slackClient: slackClient,
		agents:      agents,
		logger:      logger,
		now:         time.Now,
	}
}

// Escalate creates the handoff channel, invites agents and posts the summary.
// Invite and summary failures are logged; only channel creation is fatal.
func (e *Escalator) Escalate(ctx context.Context, esc router.Escalation) error {
	channelName := generateChannelName(e.now())
	logger := e.logger.With(
		zap.String("conversation_id", esc.ConversationID),
		zap.String("channel_name", channelName),
	)

	channelID, err := e.slackClient.CreateConversation(ctx, channelName)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	logger.Info("handoff channel created", zap.String("channel_id", channelID))

	if len(e.agents) > 0 {
		if err := e.slackClient.InviteUsersToConversation(ctx, channelID, e.agents...); err != nil {
			logger.Warn("failed to invite agents to handoff channel", zap.Error(err))
		}
	}

	if _, err := e.slackClient.PostMessage(ctx, channelID, slack.MsgOptionText(escalationSummary(esc), false)); err != nil {
		logger.Warn("failed to post handoff summary", zap.Error(err))
	}

	return nil
}

func escalationSummary(esc router.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation `%s` needs a human (%s).\n", esc.ConversationID, esc.Reason)
	fmt.Fprintf(&b, "Bot: %s, customer: <@%s> in <#%s>\n", esc.BotID, esc.UserID, esc.ChannelID)
	if esc.Text != "" {
		fmt.Fprintf(&b, "Last message:\n>%s", esc.Text)
	}
	return b.String()
}

// generateChannelName creates a unique channel name
// Format: handoff-YYYYMMDD-HHMMSS-XXXX
func generateChannelName(now time.Time) string {
	timestamp := now.Format("20060102-150405")
	// random suffix for channels created in the same second
	randomSuffix := rand.Intn(10000)
	return fmt.Sprintf("handoff-%s-%04d", timestamp, randomSuffix)
}

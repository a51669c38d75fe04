package slack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// maxRateLimitWait is the longest Retry-After a post waits out before giving up
const maxRateLimitWait = 3 * time.Second

// API is the subset of the Slack Web API used by the router
type API interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	CreateConversationContext(ctx context.Context, params slack.CreateConversationParams) (*slack.Channel, error)
	InviteUsersToConversationContext(ctx context.Context, channelID string, users ...string) (*slack.Channel, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

var _ API = (*slack.Client)(nil)

// Client posts replies, opens handoff channels and identifies the bot user
type Client struct {
	api    API
	logger *zap.Logger
}

// NewClient creates a Slack client for the bot token
func NewClient(botToken string, logger *zap.Logger) *Client {
	return NewClientWithAPI(slack.New(botToken), logger)
}

// NewClientWithAPI creates a client over an existing API implementation
func NewClientWithAPI(api API, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, logger: logger}
}

// PostMessage posts to a channel and returns the message timestamp.
// A rate-limited post is retried once when Slack asks for a short wait.
func (c *Client) PostMessage(ctx context.Context, channelID string, opts ...slack.MsgOption) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, channelID, opts...)

	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle.RetryAfter <= maxRateLimitWait {
		c.logger.Warn("slack rate limited, retrying post",
			zap.String("channel_id", channelID),
			zap.Duration("retry_after", rle.RetryAfter),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(rle.RetryAfter):
		}
		_, ts, err = c.api.PostMessageContext(ctx, channelID, opts...)
	}
	if err != nil {
		return "", fmt.Errorf("post message to %s: %w", channelID, err)
	}
	return ts, nil
}

// CreateConversation creates a private channel and returns its id
func (c *Client) CreateConversation(ctx context.Context, channelName string) (string, error) {
	ch, err := c.api.CreateConversationContext(ctx, slack.CreateConversationParams{
		ChannelName: channelName,
		IsPrivate:   true,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation %s: %w", channelName, err)
	}
	return ch.ID, nil
}

// InviteUsersToConversation adds users to a channel
func (c *Client) InviteUsersToConversation(ctx context.Context, channelID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if _, err := c.api.InviteUsersToConversationContext(ctx, channelID, userIDs...); err != nil {
		return fmt.Errorf("invite users to %s: %w", channelID, err)
	}
	return nil
}

// GetBotUserID returns the bot's own user id so its messages can be recognised as echoes
func (c *Client) GetBotUserID(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth test: %w", err)
	}
	return resp.UserID, nil
}

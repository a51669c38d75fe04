package router

import (
	"context"
	"fmt"
	"maps"

	"github.com/savaki/replyrouter/pkg/models"
)

// StaticResolver resolves connections from a fixed connection id -> bot id table
type StaticResolver struct {
	bots    map[string]string
	channel string
}

var _ ConnectionResolver = (*StaticResolver)(nil)

// NewStaticResolver creates a resolver for the given messaging channel (e.g. "slack")
func NewStaticResolver(channel string, bots map[string]string) *StaticResolver {
	return &StaticResolver{bots: maps.Clone(bots), channel: channel}
}

// Resolve returns models.ErrNotFound for unknown connections
func (r *StaticResolver) Resolve(ctx context.Context, connectionID string) (*models.Connection, error) {
	botID, ok := r.bots[connectionID]
	if !ok || botID == "" {
		return nil, fmt.Errorf("connection %s: %w", connectionID, models.ErrNotFound)
	}
	return &models.Connection{
		ConnectionID: connectionID,
		BotID:        botID,
		Channel:      r.channel,
	}, nil
}

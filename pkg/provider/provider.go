package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/savaki/replyrouter/pkg/models"
)

// Request is a free-text message forwarded to a provider
type Request struct {
	BotID          string
	UserID         string
	ConversationID string
	Text           string
	Intent         string
	Language       string
	Vars           map[string]string
}

// EventRequest is a postback or quick-reply event forwarded to a provider
type EventRequest struct {
	BotID          string
	UserID         string
	ConversationID string
	EventName      string
	Payload        string
	Vars           map[string]string
}

// Provider is an external automated conversational system. Implementations
// translate their own response shape into a ReplySet.
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (models.ReplySet, error)
	SendEvent(ctx context.Context, req EventRequest) (models.ReplySet, error)
}

// Error is a provider failure carrying its retry classification
type Error struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewStatusError classifies a failure by HTTP status: 5xx and 429 are retryable, other 4xx are not
func NewStatusError(provider string, statusCode int, err error) *Error {
	if err == nil {
		err = errors.New(http.StatusText(statusCode))
	}
	return &Error{
		Provider:   provider,
		StatusCode: statusCode,
		Retryable:  RetryableStatus(statusCode),
		Err:        err,
	}
}

// RetryableStatus reports whether an HTTP status is worth retrying
func RetryableStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether err should be retried against the same provider.
// Timeouts and errors flagged Retryable are; everything else advances the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

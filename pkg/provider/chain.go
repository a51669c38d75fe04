package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
	"go.uber.org/zap"
)

const (
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultBackoffMax  = 5 * time.Second
)

// errEmptyReply marks a provider that answered with nothing deliverable
var errEmptyReply = errors.New("empty reply")

// Entry is one provider in the chain with its call policy
type Entry struct {
	Provider   Provider
	Timeout    time.Duration
	MaxRetries int
}

// Result is the outcome of a chain dispatch
type Result struct {
	Replies       models.ReplySet
	Provider      string
	HumanRequired bool
	Attempts      int
	Errors        []error
}

// Chain tries providers in order until one answers
type Chain struct {
	entries     []Entry
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *zap.Logger
}

// Option configures a Chain
type Option func(*Chain)

// WithBackoff sets the retry backoff base and cap
func WithBackoff(base, max time.Duration) Option {
	return func(c *Chain) {
		c.backoffBase = base
		c.backoffMax = max
	}
}

// WithLogger sets the chain logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChain creates a fallback chain over entries, tried in the given order
func NewChain(entries []Entry, opts ...Option) *Chain {
	c := &Chain{
		entries:     entries,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Providers returns the provider names in chain order
func (c *Chain) Providers() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.Provider.Name())
	}
	return names
}

// Dispatch forwards a text message through the chain. When every provider
// fails the result has HumanRequired set. A cancelled ctx returns ctx.Err().
func (c *Chain) Dispatch(ctx context.Context, req Request) (*Result, error) {
	return c.run(ctx, func(ctx context.Context, p Provider) (models.ReplySet, error) {
		return p.Send(ctx, req)
	})
}

// DispatchEvent forwards a postback event through the chain
func (c *Chain) DispatchEvent(ctx context.Context, req EventRequest) (*Result, error) {
	return c.run(ctx, func(ctx context.Context, p Provider) (models.ReplySet, error) {
		return p.SendEvent(ctx, req)
	})
}

type callFunc func(ctx context.Context, p Provider) (models.ReplySet, error)

func (c *Chain) run(ctx context.Context, call callFunc) (*Result, error) {
	result := &Result{}

	for _, entry := range c.entries {
		name := entry.Provider.Name()

		for attempt := 0; attempt <= entry.MaxRetries; attempt++ {
			if attempt > 0 {
				if err := sleep(ctx, c.backoff(attempt-1)); err != nil {
					return nil, err
				}
			}

			result.Attempts++
			replies, err := c.attempt(ctx, entry, call)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err == nil && replies.Empty() {
				err = &Error{Provider: name, Err: errEmptyReply}
			}
			if err == nil {
				result.Replies = replies
				result.Provider = name
				return result, nil
			}

			result.Errors = append(result.Errors, err)
			retryable := IsRetryable(err)
			c.logger.Warn("provider call failed",
				zap.String("provider", name),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", entry.MaxRetries+1),
				zap.Bool("retryable", retryable),
				zap.Error(err),
			)
			if !retryable {
				break
			}
		}
	}

	c.logger.Error("all providers failed, human required",
		zap.Strings("providers", c.Providers()),
		zap.Int("attempts", result.Attempts),
	)
	result.HumanRequired = true
	return result, nil
}

// attempt runs one provider call under the entry timeout. The call runs in its
// own goroutine so a provider that ignores ctx cannot hold the caller.
func (c *Chain) attempt(ctx context.Context, entry Entry, call callFunc) (models.ReplySet, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if entry.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, entry.Timeout)
	}
	defer cancel()

	type outcome struct {
		replies models.ReplySet
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("provider panicked: %v", p)}
			}
		}()
		replies, err := call(callCtx, entry.Provider)
		done <- outcome{replies: replies, err: err}
	}()

	select {
	case o := <-done:
		return o.replies, o.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &Error{
			Provider:  entry.Provider.Name(),
			Retryable: true,
			Err:       fmt.Errorf("timed out after %s: %w", entry.Timeout, context.DeadlineExceeded),
		}
	}
}

// backoff returns base * 2^n capped at the configured maximum
func (c *Chain) backoff(n int) time.Duration {
	d := c.backoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if c.backoffMax > 0 && d >= c.backoffMax {
			return c.backoffMax
		}
	}
	if c.backoffMax > 0 && d > c.backoffMax {
		return c.backoffMax
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

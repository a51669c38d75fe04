package dedup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxEntries is the tracked-id count above which eviction is considered
	DefaultMaxEntries = 10000

	// DefaultEvictionInterval is the minimum time between evictions and the retention window
	DefaultEvictionInterval = time.Hour
)

// Store is a dedup record shared between processes.
// Claim returns true when the caller is the first to present id within ttl.
type Store interface {
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// Gate admits each inbound message id at most once within the retention window
type Gate struct {
	mu           sync.Mutex
	seen         map[string]time.Time
	maxEntries   int
	interval     time.Duration
	lastEviction time.Time
	now          func() time.Time
	shared       Store
	logger       *zap.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithMaxEntries sets the eviction threshold
func WithMaxEntries(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxEntries = n
		}
	}
}

// WithEvictionInterval sets the minimum time between evictions
func WithEvictionInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithStore adds a shared store consulted after the local set admits an id
func WithStore(s Store) Option {
	return func(g *Gate) {
		g.shared = s
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGate creates a gate with the given options applied over the defaults
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		seen:       make(map[string]time.Time),
		maxEntries: DefaultMaxEntries,
		interval:   DefaultEvictionInterval,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lastEviction = g.now()
	return g
}

// Admit returns true the first time id is presented and false on every later
// presentation within the retention window. Empty ids are always admitted.
func (g *Gate) Admit(id string) bool {
	if id == "" {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if _, exists := g.seen[id]; exists {
		return false
	}
	g.maybeEvict(now)
	g.seen[id] = now
	return true
}

// AdmitContext applies the local gate and then the shared store, if any.
// Shared store failures are logged and admit the message; the error return is
// reserved for a cancelled context.
func (g *Gate) AdmitContext(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !g.Admit(id) {
		return false, nil
	}
	if g.shared == nil || id == "" {
		return true, nil
	}

	ok, err := g.shared.Claim(ctx, id, g.interval)
	if err != nil {
		g.logger.Warn("shared dedup store failed, admitting message",
			zap.String("message_id", id),
			zap.Error(err),
		)
		return true, nil
	}
	return ok, nil
}

// Len returns the number of tracked ids
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// maybeEvict runs when the set is over the threshold and the interval has elapsed.
// Ids older than the interval are dropped; if that does not bring the set back under
// the threshold the whole set is cleared. Caller holds g.mu.
func (g *Gate) maybeEvict(now time.Time) {
	if len(g.seen) < g.maxEntries || now.Sub(g.lastEviction) < g.interval {
		return
	}

	before := len(g.seen)
	cutoff := now.Add(-g.interval)
	for id, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, id)
		}
	}
	if len(g.seen) >= g.maxEntries {
		clear(g.seen)
	}
	g.lastEviction = now

	g.logger.Info("dedup eviction",
		zap.Int("before", before),
		zap.Int("after", len(g.seen)),
	)
}

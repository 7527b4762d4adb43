package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/agentgraph/internal/telemetry"
)

// DefaultCacheTTL is how long a written session stays in the cache.
const DefaultCacheTTL = 30 * time.Minute

// Coordinator keeps the cache and the store consistent. Writes go to the
// cache and then the store; reads try the cache and fall back to the store,
// repopulating the cache. It does not order concurrent writers: the last
// Save wins.
type Coordinator struct {
	store     Store
	cache     Cache
	ttl       time.Duration
	keyPrefix string
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	loads     singleflight.Group
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCacheTTL sets the cache TTL.
func WithCacheTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithKeyPrefix sets the prefix of cache keys.
func WithKeyPrefix(prefix string) CoordinatorOption {
	return func(c *Coordinator) { c.keyPrefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator over store and cache.
func NewCoordinator(store Store, cache Cache, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		cache:     cache,
		ttl:       DefaultCacheTTL,
		keyPrefix: "session:",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) key(id string) string {
	return c.keyPrefix + id
}

// Save writes sess to the cache and then to the store. It succeeds only if
// both writes do.
func (c *Coordinator) Save(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := c.cache.Set(ctx, c.key(sess.ID), data, c.ttl); err != nil {
		return fmt.Errorf("cache session %s: %w", sess.ID, err)
	}
	if err := c.store.Put(ctx, sess); err != nil {
		// The cache must not run ahead of the store.
		if derr := c.cache.Del(context.WithoutCancel(ctx), c.key(sess.ID)); derr != nil {
			c.logger.Error("evict unsaved session from cache", "session_id", sess.ID, "error", derr)
		}
		return fmt.Errorf("store session %s: %w", sess.ID, err)
	}
	return nil
}

// Load returns the session, from the cache when possible. Concurrent misses
// for the same id share one store read. Returns ErrNotFound if the store has
// no such session.
func (c *Coordinator) Load(ctx context.Context, id string) (*Session, error) {
	data, err := c.cache.Get(ctx, c.key(id))
	switch {
	case err == nil:
		sess, derr := Decode(data)
		if derr == nil && sess.ID == id {
			c.metrics.RecordCache("hit")
			return sess, nil
		}
		c.logger.Warn("discarding undecodable cache entry", "session_id", id, "error", derr)
		c.metrics.RecordCache("error")
	case errors.Is(err, ErrCacheMiss):
		c.metrics.RecordCache("miss")
	default:
		c.logger.Warn("cache read failed", "session_id", id, "error", err)
		c.metrics.RecordCache("error")
	}

	v, err, _ := c.loads.Do(id, func() (any, error) {
		sess, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		data, err := Encode(sess)
		if err != nil {
			return nil, fmt.Errorf("encode session %s: %w", id, err)
		}
		if err := c.cache.Set(ctx, c.key(id), data, c.ttl); err != nil {
			c.logger.Warn("cache repopulate failed", "session_id", id, "error", err)
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return Decode(v.([]byte))
}

// Delete removes the session from the cache and the store.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if err := c.cache.Del(ctx, c.key(id)); err != nil {
		return fmt.Errorf("uncache session %s: %w", id, err)
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// FindByOwner looks up the session of an (owner, context) pair in the store.
func (c *Coordinator) FindByOwner(ctx context.Context, ownerID, contextID string) (*Session, error) {
	return c.store.FindByOwner(ctx, ownerID, contextID)
}

// ListByContext lists the sessions of a context from the store.
func (c *Coordinator) ListByContext(ctx context.Context, contextID string) ([]*Session, error) {
	return c.store.ListByContext(ctx, contextID)
}

// Package session persists graph sessions behind a fast cache and a durable
// store, and coordinates reads and writes across the two.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/szaher/agentgraph/internal/graph"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when another session already holds the
	// (owner, context) pair.
	ErrConflict = errors.New("session conflict")

	// ErrCacheMiss is returned by a Cache when a key is absent or expired.
	ErrCacheMiss = errors.New("cache miss")
)

// Session is the persisted state of one owner's workflow graph.
type Session struct {
	ID           string              `json:"id"`
	OwnerID      string              `json:"owner_id"`
	ContextID    string              `json:"context_id,omitempty"`
	Nodes        []graph.Node        `json:"nodes"`
	Edges        []graph.Edge        `json:"edges"`
	Status       graph.SessionStatus `json:"status"`
	Sentiment    int                 `json:"sentiment"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	LastSyncedAt *time.Time          `json:"last_synced_at,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.Nodes = graph.CloneNodes(s.Nodes)
	c.Edges = graph.CloneEdges(s.Edges)
	if s.LastSyncedAt != nil {
		t := *s.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return &c
}

// Encode serializes a session. Nil node and edge lists are written as empty
// arrays so the persisted form always carries both.
func Encode(s *Session) ([]byte, error) {
	c := *s
	if c.Nodes == nil {
		c.Nodes = []graph.Node{}
	}
	if c.Edges == nil {
		c.Edges = []graph.Edge{}
	}
	return json.Marshal(&c)
}

// Decode parses a session written by Encode.
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, errors.New("session record has no id")
	}
	return &s, nil
}

// Store is the durable, authoritative session store.
type Store interface {
	// Get retrieves a session by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Session, error)

	// Put creates or replaces a session. Returns ErrConflict if a different
	// session already exists for the same (owner, context) pair.
	Put(ctx context.Context, s *Session) error

	// Delete removes a session by ID. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// FindByOwner returns the session for an (owner, context) pair.
	// Returns ErrNotFound if absent.
	FindByOwner(ctx context.Context, ownerID, contextID string) (*Session, error)

	// ListByContext returns all sessions belonging to a context, oldest first.
	ListByContext(ctx context.Context, contextID string) ([]*Session, error)
}

// Cache is a volatile, TTL-bound byte cache.
type Cache interface {
	// Get returns the cached value or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes key.
	Del(ctx context.Context, key string) error
}

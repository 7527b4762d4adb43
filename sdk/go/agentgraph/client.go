// Package agentgraph provides a Go client for the agentgraph HTTP API.
//
// Usage:
//
//	client := agentgraph.NewClient("http://localhost:8080")
//	s, err := client.CreateSession(ctx, "user-1", "board-7")
//	_, err = client.SyncGraph(ctx, s.ID, agentgraph.SyncRequest{Nodes: nodes, Edges: edges})
//	res, err := client.Execute(ctx, s.ID)
package agentgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the mutable part of a node.
type NodeData struct {
	Input      string `json:"input"`
	Output     string `json:"output"`
	Confidence int    `json:"confidence"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Node is one agent in a workflow graph.
type Node struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Position *Position `json:"position"`
	Data     NodeData  `json:"data"`
}

// Edge is a dependency from Source to Target.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Tag    string `json:"tag,omitempty"`
}

// Session is a stored workflow graph.
type Session struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	ContextID    string     `json:"context_id,omitempty"`
	Nodes        []Node     `json:"nodes"`
	Edges        []Edge     `json:"edges"`
	Status       string     `json:"status"`
	Sentiment    int        `json:"sentiment"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// SyncRequest replaces a session's graph.
type SyncRequest struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	Sentiment *int   `json:"sentiment,omitempty"`
}

// SyncResult is returned by SyncGraph.
type SyncResult struct {
	Status       string    `json:"status"`
	NodeCount    int       `json:"nodeCount"`
	EdgeCount    int       `json:"edgeCount"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// NodeResult is the outcome of one node in an execution.
type NodeResult struct {
	NodeID     string        `json:"node_id"`
	Type       string        `json:"type"`
	Status     string        `json:"status"`
	Confidence int           `json:"confidence"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// ExecuteResult is returned by Execute.
type ExecuteResult struct {
	ExecutedNodeCount int          `json:"executedNodeCount"`
	PerNodeResults    []NodeResult `json:"perNodeResults"`
	Status            string       `json:"status"`
}

// Judgment is the hallucination verdict for a node output.
type Judgment struct {
	IsHallucination bool   `json:"isHallucination"`
	Confidence      int    `json:"confidence"`
	Explanation     string `json:"explanation"`
	SuggestedFix    string `json:"suggestedFix,omitempty"`
	Degraded        bool   `json:"degraded,omitempty"`
}

// AuditRecord is a stored audit.
type AuditRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	NodeID    string    `json:"node_id"`
	NodeType  string    `json:"node_type"`
	Judgment  Judgment  `json:"judgment"`
	Flagged   bool      `json:"flagged"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthResponse is the response from the health check endpoint.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime"`
	Catalog []string `json:"catalog"`
	Version string   `json:"version"`
}

// APIError is an error response from the server.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
	Node       string `json:"node,omitempty"`

	// RetryAfter is set on rate limited syncs.
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	e, ok := err.(*APIError)
	return ok && e.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether err is a rejected, too frequent sync.
func IsRateLimited(err error) bool {
	e, ok := err.(*APIError)
	return ok && e.StatusCode == http.StatusTooManyRequests
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout. Execution waits for every node, so
// keep it generous.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithCorrelationID sends id with every request.
func WithCorrelationID(id string) Option {
	return func(c *Client) { c.correlationID = id }
}

// Client is the agentgraph API client.
type Client struct {
	baseURL       string
	correlationID string
	httpClient    *http.Client
}

// NewClient creates a new client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.correlationID != "" {
		req.Header.Set("X-Correlation-ID", c.correlationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			apiErr.ErrorCode = "unknown"
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		apiErr.StatusCode = resp.StatusCode
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, &apiErr
	}

	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

func sessionPath(id string, rest ...string) string {
	p := "/v1/sessions/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// Health checks the server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSession returns the session of (ownerID, contextID), creating it if
// needed.
func (c *Client) CreateSession(ctx context.Context, ownerID, contextID string) (*Session, error) {
	body := map[string]string{"owner_id": ownerID, "context_id": contextID}

	var result Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSession fetches a session.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var result Session
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SyncGraph replaces the session graph.
func (c *Client) SyncGraph(ctx context.Context, id string, req SyncRequest) (*SyncResult, error) {
	var result SyncResult
	if err := c.doJSON(ctx, http.MethodPut, sessionPath(id, "graph"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Execute runs the session graph and waits for it to finish.
func (c *Client) Execute(ctx context.Context, id string) (*ExecuteResult, error) {
	var result ExecuteResult
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(id, "execute"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AuditNode audits one node's output.
func (c *Client) AuditNode(ctx context.Context, id, nodeID string) (*Judgment, error) {
	var result Judgment
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(id, "nodes", url.PathEscape(nodeID), "audit"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Audits lists the stored audits of a session.
func (c *Client) Audits(ctx context.Context, id string) ([]AuditRecord, error) {
	var result struct {
		Records []AuditRecord `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(id, "audits"), nil, &result); err != nil {
		return nil, err
	}
	return result.Records, nil
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, sessionPath(id), nil, nil)
}

// DeleteContext deletes every session of a context and returns how many
// were removed.
func (c *Client) DeleteContext(ctx context.Context, contextID string) (int, error) {
	var result struct {
		Deleted int `json:"deleted"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/contexts/"+url.PathEscape(contextID), nil, &result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

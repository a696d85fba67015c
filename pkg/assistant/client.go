// Package assistant talks to an Assistants-style REST API (threads,
// messages and runs) and turns one contact's context into a summary.
package assistant

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-notes/internal/resilience"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Run statuses that end polling.
const (
	RunCompleted  = "completed"
	RunFailed     = "failed"
	RunCancelled  = "cancelled"
	RunExpired    = "expired"
	RunIncomplete = "incomplete"
)

// Thread is a conversation container.
type Thread struct {
	ID string `json:"id"`
}

// Run is one assistant execution over a thread.
type Run struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

// RunError is the failure detail of a run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether polling should stop.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	}
	return false
}

// Message is a thread message.
type Message struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one part of a message. Only text blocks are read.
type ContentBlock struct {
	Type string `json:"type"`
	Text *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
}

// Client is a thin REST client for threads, messages and runs.
type Client struct {
	req *resilience.Requester
}

// Option configures the Client.
type Option func(*resilience.Requester)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(r *resilience.Requester) { r.BaseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *resilience.Requester) { r.Client = hc }
}

// WithRateLimit sets the token bucket rate and capacity.
func WithRateLimit(perSec float64, burst int) Option {
	return func(r *resilience.Requester) { r.Bucket = resilience.NewBucket(perSec, burst) }
}

// WithRequestRetry sets the per-request attempt budget.
func WithRequestRetry(maxAttempts int, base, ceiling time.Duration) Option {
	return func(r *resilience.Requester) {
		r.MaxAttempts = maxAttempts
		r.BackoffBase = base
		r.BackoffCeiling = ceiling
	}
}

// NewClient creates a client authenticated with an API key.
func NewClient(apiKey string, opts ...Option) *Client {
	req := &resilience.Requester{
		Service:        "assistant",
		BaseURL:        defaultBaseURL,
		Client:         &http.Client{Timeout: 60 * time.Second},
		Bucket:         resilience.NewBucket(2, 4),
		MaxAttempts:    3,
		BackoffBase:    800 * time.Millisecond,
		BackoffCeiling: 20 * time.Second,
		Authorize:      resilience.BearerAuth(apiKey),
		Header:         http.Header{"OpenAI-Beta": []string{"assistants=v2"}},
	}
	for _, o := range opts {
		o(req)
	}
	return &Client{req: req}
}

// CreateThread starts an empty thread.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var th Thread
	if err := c.req.Do(ctx, http.MethodPost, "/threads", nil, struct{}{}, &th); err != nil {
		return nil, eris.Wrap(err, "assistant: create thread")
	}
	if th.ID == "" {
		return nil, eris.New("assistant: create thread: response has no id")
	}
	return &th, nil
}

// AddMessage appends a user message to a thread.
func (c *Client) AddMessage(ctx context.Context, threadID, content string) error {
	body := map[string]string{"role": "user", "content": content}
	if err := c.req.Do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", nil, body, nil); err != nil {
		return eris.Wrapf(err, "assistant: add message to %s", threadID)
	}
	return nil
}

// CreateRun starts the assistant on a thread.
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	var run Run
	body := map[string]string{"assistant_id": assistantID}
	if err := c.req.Do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", nil, body, &run); err != nil {
		return nil, eris.Wrapf(err, "assistant: create run on %s", threadID)
	}
	if run.ID == "" {
		return nil, eris.Errorf("assistant: create run on %s: response has no id", threadID)
	}
	return &run, nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.req.Do(ctx, http.MethodGet, path, nil, nil, &run); err != nil {
		return nil, eris.Wrapf(err, "assistant: get run %s", runID)
	}
	return &run, nil
}

// ListMessages returns up to limit thread messages, newest first.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("order", "desc")
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Data []Message `json:"data"`
	}
	if err := c.req.Do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages", q, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "assistant: list messages of %s", threadID)
	}
	return resp.Data, nil
}

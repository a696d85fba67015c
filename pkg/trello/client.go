// Package trello provides a read-only client for Trello cards, their
// comments and checklists.
package trello

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-notes/internal/resilience"
)

const defaultBaseURL = "https://api.trello.com/1"

// Client defines the Trello operations used by the pipeline.
type Client interface {
	GetCard(ctx context.Context, id string) (*Card, error)
	GetComments(ctx context.Context, id string) ([]Action, error)
	GetChecklists(ctx context.Context, id string) ([]Checklist, error)
}

// Card is the card metadata subset we request.
type Card struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Desc             string `json:"desc"`
	DateLastActivity string `json:"dateLastActivity"`
	URL              string `json:"url"`
	IDShort          int    `json:"idShort"`
}

// Action is a card action. Only commentCard actions are requested.
type Action struct {
	ID   string     `json:"id"`
	Type string     `json:"type"`
	Date string     `json:"date"`
	Data ActionData `json:"data"`
}

// ActionData carries the comment text.
type ActionData struct {
	Text string `json:"text"`
}

// Checklist is a named group of check items.
type Checklist struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	CheckItems []CheckItem `json:"checkItems"`
}

// CheckItem is one checklist entry; State is "complete" or "incomplete".
type CheckItem struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	State string  `json:"state"`
	Pos   float64 `json:"pos"`
}

// Option configures the Trello client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.req.BaseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.req.Client = hc
	}
}

// WithRateLimit sets the token bucket shared by every request.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) {
		c.req.Bucket = resilience.NewBucket(perSec, burst)
	}
}

// WithRetry sets the attempt budget and backoff curve.
func WithRetry(maxAttempts int, base, ceiling time.Duration) Option {
	return func(c *httpClient) {
		c.req.MaxAttempts = maxAttempts
		c.req.BackoffBase = base
		c.req.BackoffCeiling = ceiling
	}
}

// WithSleep replaces the wait between attempts (for testing).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *httpClient) {
		c.req.Sleep = fn
	}
}

type httpClient struct {
	req *resilience.Requester
}

// NewClient creates a Trello client authenticated with an API key and token.
func NewClient(key, token string, opts ...Option) Client {
	c := &httpClient{
		req: &resilience.Requester{
			Service:        "trello",
			BaseURL:        defaultBaseURL,
			Client:         &http.Client{Timeout: 30 * time.Second},
			Bucket:         resilience.NewBucket(5, 5),
			MaxAttempts:    8,
			BackoffBase:    500 * time.Millisecond,
			BackoffCeiling: 20 * time.Second,
			Authorize:      resilience.QueryAuth(map[string]string{"key": key, "token": token}),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) GetCard(ctx context.Context, id string) (*Card, error) {
	q := url.Values{}
	q.Set("fields", "name,desc,dateLastActivity,url,idShort")

	var card Card
	if err := c.req.Do(ctx, http.MethodGet, "/cards/"+url.PathEscape(id), q, nil, &card); err != nil {
		return nil, eris.Wrapf(err, "trello: get card %s", id)
	}
	return &card, nil
}

func (c *httpClient) GetComments(ctx context.Context, id string) ([]Action, error) {
	q := url.Values{}
	q.Set("filter", "commentCard")
	q.Set("limit", strconv.Itoa(1000))
	q.Set("fields", "type,date,data")

	var actions []Action
	if err := c.req.Do(ctx, http.MethodGet, "/cards/"+url.PathEscape(id)+"/actions", q, nil, &actions); err != nil {
		return nil, eris.Wrapf(err, "trello: get comments %s", id)
	}
	return actions, nil
}

func (c *httpClient) GetChecklists(ctx context.Context, id string) ([]Checklist, error) {
	q := url.Values{}
	q.Set("fields", "name")
	q.Set("checkItems", "all")
	q.Set("checkItem_fields", "name,state,pos")

	var lists []Checklist
	if err := c.req.Do(ctx, http.MethodGet, "/cards/"+url.PathEscape(id)+"/checklists", q, nil, &lists); err != nil {
		return nil, eris.Wrapf(err, "trello: get checklists %s", id)
	}
	return lists, nil
}

// ShortLink returns the browser link for a card id or short link.
func ShortLink(id string) string {
	return "https://trello.com/c/" + id
}

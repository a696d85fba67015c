// Package hubspot provides HubSpot CRM clients: a reader for contact
// activity (notes, calls, deals) and a writer that creates associated notes.
package hubspot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-notes/internal/resilience"
)

const defaultBaseURL = "https://api.hubapi.com"

// Object type names used in association and batch paths.
const (
	ObjectContacts = "contacts"
	ObjectNotes    = "notes"
	ObjectCalls    = "calls"
	ObjectDeals    = "deals"
)

type settings struct {
	baseURL     string
	httpClient  *http.Client
	ratePerSec  float64
	burst       int
	maxAttempts int
	backoff     time.Duration
	ceiling     time.Duration
	pageLimit   int
	batchSize   int
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Reader or Writer.
type Option func(*settings)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(s *settings) { s.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithRateLimit sets the token bucket rate and capacity.
func WithRateLimit(perSec float64, burst int) Option {
	return func(s *settings) {
		s.ratePerSec = perSec
		s.burst = burst
	}
}

// WithRetry sets the attempt budget and backoff curve.
func WithRetry(maxAttempts int, base, ceiling time.Duration) Option {
	return func(s *settings) {
		s.maxAttempts = maxAttempts
		s.backoff = base
		s.ceiling = ceiling
	}
}

// WithPageLimit sets the association page size.
func WithPageLimit(n int) Option {
	return func(s *settings) { s.pageLimit = n }
}

// WithBatchSize sets the batch read chunk size.
func WithBatchSize(n int) Option {
	return func(s *settings) { s.batchSize = n }
}

// WithSleep replaces the wait between attempts (for testing).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) { s.sleep = fn }
}

func newSettings(ratePerSec float64, burst int, opts []Option) settings {
	s := settings{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		ratePerSec:  ratePerSec,
		burst:       burst,
		maxAttempts: 6,
		backoff:     800 * time.Millisecond,
		ceiling:     30 * time.Second,
		pageLimit:   500,
		batchSize:   100,
	}
	for _, o := range opts {
		o(&s)
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.pageLimit <= 0 {
		s.pageLimit = 500
	}
	return s
}

func (s settings) requester(service, token string) *resilience.Requester {
	return &resilience.Requester{
		Service:        service,
		BaseURL:        s.baseURL,
		Client:         s.httpClient,
		Bucket:         resilience.NewBucket(s.ratePerSec, s.burst),
		MaxAttempts:    s.maxAttempts,
		BackoffBase:    s.backoff,
		BackoffCeiling: s.ceiling,
		Authorize:      resilience.BearerAuth(token),
		Sleep:          s.sleep,
	}
}

// Reader lists associations and batch-reads CRM objects.
type Reader struct {
	req       *resilience.Requester
	pageLimit int
	batchSize int
}

// NewReader creates a read client with the default 4 req/s bucket.
func NewReader(token string, opts ...Option) *Reader {
	s := newSettings(4, 4, opts)
	return &Reader{
		req:       s.requester("hubspot", token),
		pageLimit: s.pageLimit,
		batchSize: s.batchSize,
	}
}

type associationPage struct {
	Results []struct {
		ToObjectID json.Number `json:"toObjectId"`
	} `json:"results"`
	Paging *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// ListAssociatedIDs returns the ids of toType objects associated with a
// contact, following paging cursors until none is returned. Ids are
// de-duplicated in first-seen order.
func (r *Reader) ListAssociatedIDs(ctx context.Context, contactID, toType string) ([]string, error) {
	path := "/crm/v4/objects/contacts/" + url.PathEscape(contactID) + "/associations/" + url.PathEscape(toType)

	seen := make(map[string]bool)
	var ids []string
	after := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(r.pageLimit))
		if after != "" {
			q.Set("after", after)
		}

		var page associationPage
		if err := r.req.Do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, eris.Wrapf(err, "hubspot: list %s for contact %s", toType, contactID)
		}
		for _, res := range page.Results {
			id := res.ToObjectID.String()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}

		if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
			break
		}
		after = page.Paging.Next.After
	}
	return ids, nil
}

// Object is a CRM object as returned by batch read.
type Object struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type batchReadRequest struct {
	Properties []string         `json:"properties"`
	Inputs     []batchReadInput `json:"inputs"`
}

type batchReadInput struct {
	ID string `json:"id"`
}

type batchReadResponse struct {
	Results []Object `json:"results"`
}

// BatchRead fetches objects by id in fixed-size chunks and concatenates the
// results.
func (r *Reader) BatchRead(ctx context.Context, objectType string, ids, properties []string) ([]Object, error) {
	var out []Object
	path := "/crm/v3/objects/" + url.PathEscape(objectType) + "/batch/read"

	for start := 0; start < len(ids); start += r.batchSize {
		end := min(start+r.batchSize, len(ids))
		body := batchReadRequest{Properties: properties}
		for _, id := range ids[start:end] {
			body.Inputs = append(body.Inputs, batchReadInput{ID: id})
		}

		var resp batchReadResponse
		if err := r.req.Do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
			return nil, eris.Wrapf(err, "hubspot: batch read %s", objectType)
		}
		out = append(out, resp.Results...)
	}
	return out, nil
}

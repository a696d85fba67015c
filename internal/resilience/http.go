package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const maxResponseBytes = 32 << 20

// Requester sends JSON requests to one external API through a shared
// token bucket and a bounded retry loop. Network failures, timeouts, 408,
// 429 and 5xx responses share a single attempt counter; any other non-2xx
// status fails immediately with an *APIError.
type Requester struct {
	Service        string
	BaseURL        string
	Client         *http.Client
	Bucket         *Bucket
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration

	// Authorize adds credentials to every outgoing request.
	Authorize func(*http.Request)
	// Header is copied onto every outgoing request.
	Header http.Header
	// Sleep waits between attempts. Defaults to Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is used to resolve HTTP-date Retry-After values. Defaults to time.Now.
	Now func() time.Time
}

// BearerAuth returns an Authorize hook setting a bearer token.
func BearerAuth(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// QueryAuth returns an Authorize hook adding the given query parameters.
func QueryAuth(params map[string]string) func(*http.Request) {
	return func(req *http.Request) {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
}

// Do sends one logical request. body is JSON-encoded when non-nil and out,
// when non-nil, receives the decoded JSON response.
func (r *Requester) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return eris.Wrapf(err, "%s: marshal %s %s", r.Service, method, path)
		}
		payload = b
	}

	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	log := zap.L().With(
		zap.String("service", r.Service),
		zap.String("method", method),
		zap.String("path", path),
	)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := r.Bucket.Acquire(ctx, 1); err != nil {
			return eris.Wrapf(err, "%s: %s %s", r.Service, method, path)
		}

		wait, err := r.attempt(ctx, method, path, query, payload, out, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return eris.Wrapf(ctx.Err(), "%s: %s %s", r.Service, method, path)
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt >= maxAttempts-1 {
			break
		}
		log.Warn("request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("status", StatusCode(err)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return eris.Wrapf(err, "%s: %s %s", r.Service, method, path)
		}
	}

	return &ExhaustedError{Method: method, Path: path, Attempts: maxAttempts, Err: lastErr}
}

// attempt performs a single round trip. On a retryable failure it returns
// the delay to wait before the next attempt.
func (r *Requester) attempt(ctx context.Context, method, path string, query url.Values, payload []byte, out any, attempt int) (time.Duration, error) {
	backoff := Backoff(attempt, r.BackoffBase, r.BackoffCeiling)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(r.BaseURL, "/")+path, reader)
	if err != nil {
		return 0, eris.Wrapf(err, "%s: create request", r.Service)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if r.Authorize != nil {
		r.Authorize(req)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return backoff, NewTransientError(err, 0)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return backoff, NewTransientError(eris.Wrap(err, "read response"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return 0, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return 0, eris.Wrapf(err, "%s: decode %s %s", r.Service, method, path)
		}
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if d, ok := r.retryAfter(resp.Header.Get("Retry-After")); ok {
			backoff = d
		}
		return backoff, NewTransientError(eris.Errorf("http 429: %s", truncate(data)), resp.StatusCode)
	case IsTransientHTTPStatus(resp.StatusCode):
		return backoff, NewTransientError(eris.Errorf("http %d: %s", resp.StatusCode, truncate(data)), resp.StatusCode)
	default:
		return 0, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func (r *Requester) retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return Seconds(secs), true
	}
	if at, err := http.ParseTime(v); err == nil {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		d := at.Sub(now())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func truncate(b []byte) string {
	s := string(b)
	if len(s) > 300 {
		return s[:300]
	}
	return s
}

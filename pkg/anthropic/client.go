// Package anthropic wraps the Anthropic Messages API for single-shot
// formatting calls such as rendering a summary as a CRM note.
package anthropic

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// Client defines the Anthropic API operations used by the pipeline.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is one non-streaming Messages call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is a system prompt block. A non-empty Cache marks the prompt
// prefix ending at this block as cacheable.
type SystemBlock struct {
	Text  string
	Cache CacheTTL
}

// CacheTTL is the lifetime of a prompt cache entry.
type CacheTTL string

const (
	NoCache    CacheTTL = ""
	CacheShort CacheTTL = "5m"
	CacheLong  CacheTTL = "1h"
)

// ParseCacheTTL accepts "5m", "1h", or "", "off" and "none" to disable
// caching.
func ParseCacheTTL(s string) (CacheTTL, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return NoCache, nil
	case "5m":
		return CacheShort, nil
	case "1h":
		return CacheLong, nil
	}
	return NoCache, eris.Errorf("anthropic: unknown cache ttl %q", s)
}

// Message is a single conversational turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageResponse is the part of a Messages reply the pipeline reads.
type MessageResponse struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   string
	StopSequence string
	Usage        TokenUsage
}

// ContentBlock is one block of a reply.
type ContentBlock struct {
	Type string
	Text string
}

// Text joins the text blocks of the response.
func (r *MessageResponse) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

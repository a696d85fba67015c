package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/resilience"
	"github.com/sells-group/crm-notes/pkg/anthropic"
)

const renderSystemPrompt = `You are a sales data analyst. Turn a long customer history into an extremely compact "15-second overview" for sales staff.

Input: a JSON object with customer information distilled from Trello cards, comments and HubSpot calls.
Output: an HTML snippet (body content only) that is rendered inside a HubSpot note.

Strict formatting rules (HubSpot compatible):
1. Use ONLY these tags: <b>, <i>, <u>, <br>, <ul>, <li>, <p>, <hr>.
2. NO markdown code blocks (` + "```html" + `), no <html> or <body> tags.

Required structure:

<b>Engagement period & focus</b>
[Start date] - [End date] ([package/service])

<b>Initial challenge</b>
[One short sentence: what was the problem at the start?]

<b>Successes</b>
<ul>
    <li>[Success 1 (with numbers where possible)]</li>
    <li>[Success 2]</li>
</ul>

<b>Challenges at the end</b>
[What is stuck right now? What was not solved?]

<b>Reason for not renewing / risk</b>
[Why is the customer not renewing, or what is the biggest risk (e.g. liquidity, mindset)?]

<b>Personal situation & facts</b>
[Factual personal details from the conversations: mentioned holidays, family situation, explicitly stated wishes, hobbies or health topics.
IMPORTANT: no psychological interpretation or personality typing. Facts only.]

<hr>
<i>Data basis: last 90 days</i>

Rules:
- Be extremely brief. Bullet points, not prose.
- If a section (e.g. personal details) is not in the data, write "No personal details known".
- Infer the reason for not continuing when it is not explicit (look for liquidity problems, dissatisfaction, lack of execution).`

const renderUserPrefix = "Convert this JSON into a HubSpot note in HTML format:\n\n"

var allowedTags = map[string]bool{
	"b": true, "i": true, "u": true, "br": true, "ul": true, "li": true, "p": true, "hr": true,
}

// droppedTags are removed together with their content.
var droppedTags = map[string]bool{
	"script": true, "style": true, "iframe": true, "object": true, "head": true, "title": true,
}

// Renderer formats a summary as note HTML with a single model call.
type Renderer struct {
	Client      anthropic.Client
	ModelName   string
	MaxTokens   int64
	Temperature float64
	// Cache marks the fixed system prompt for prompt caching across the
	// contacts of a job.
	Cache       anthropic.CacheTTL
	Retry       resilience.RetryConfig
}

// NewRenderer returns a Renderer with temperature 0.3, a 5 minute prompt
// cache and the default retry policy.
func NewRenderer(client anthropic.Client, model string) *Renderer {
	return &Renderer{
		Client:      client,
		ModelName:   model,
		MaxTokens:   4096,
		Temperature: 0.3,
		Cache:       anthropic.CacheShort,
		Retry:       resilience.DefaultRetryConfig(),
	}
}

// Model returns the model name recorded in render artifacts.
func (r *Renderer) Model() string { return r.ModelName }

// Render asks the model for note HTML, removes code fences and reduces the
// markup to the allowed tags. Empty output is an error and is retried.
func (r *Renderer) Render(ctx context.Context, summary map[string]any) (string, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return "", eris.Wrap(err, "render: marshal summary")
	}
	temp := r.Temperature
	req := anthropic.MessageRequest{
		Model:       r.ModelName,
		MaxTokens:   r.MaxTokens,
		System:      []anthropic.SystemBlock{{Text: renderSystemPrompt, Cache: r.Cache}},
		Messages:    []anthropic.Message{{Role: "user", Content: renderUserPrefix + string(payload)}},
		Temperature: &temp,
	}

	retry := r.Retry
	retry.OnRetry = resilience.RetryLogger("anthropic", "render")
	html, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		resp, err := r.Client.CreateMessage(ctx, req)
		if err != nil {
			return "", err
		}
		resp.Usage.LogCost(r.ModelName, "render")
		out, err := Sanitize(StripFences(resp.Text()))
		if err != nil {
			return "", err
		}
		if out == "" {
			return "", eris.New("render: empty output from model")
		}
		return out, nil
	})
	if err != nil {
		return "", eris.Wrap(err, "render: failed after retries")
	}
	return html, nil
}

// StripFences removes markdown code fence markers.
func StripFences(s string) string {
	s = strings.ReplaceAll(s, "```html", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// Sanitize keeps only the allowed tags. Other elements are unwrapped so
// their text survives; script-like elements are dropped with their content
// and every attribute is removed.
func Sanitize(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", eris.Wrap(err, "render: parse html")
	}
	body := doc.Find("body")
	body.Find("*").Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		switch {
		case droppedTags[name]:
			s.Remove()
		case allowedTags[name]:
			for _, n := range s.Nodes {
				n.Attr = nil
			}
		default:
			if s.Contents().Length() == 0 {
				s.Remove()
				return
			}
			s.Contents().Unwrap()
		}
	})

	out, err := body.Html()
	if err != nil {
		return "", eris.Wrap(err, "render: serialize html")
	}
	out = strings.TrimSpace(out)
	if out != "" && out != fragment {
		zap.L().Debug("render: sanitized note html", zap.Int("in", len(fragment)), zap.Int("out", len(out)))
	}
	return out, nil
}

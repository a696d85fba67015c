package trello

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Bundle is everything fetched for one card.
type Bundle struct {
	CardID     string      `json:"trello_id"`
	Card       *Card       `json:"card"`
	Comments   []Action    `json:"comments"`
	Checklists []Checklist `json:"checklists"`
}

// FetchError records a card that could not be fetched.
type FetchError struct {
	CardID string `json:"trello_id"`
	Error  string `json:"error"`
}

// Merged is the combined result for every card matched to one contact.
type Merged struct {
	Text    string       `json:"-"`
	Bundles []Bundle     `json:"cards"`
	Errors  []FetchError `json:"errors"`
	CardIDs []string     `json:"trello_ids"`
}

// FetchBundle loads a card with its comments and checklists.
func FetchBundle(ctx context.Context, c Client, id string) (*Bundle, error) {
	card, err := c.GetCard(ctx, id)
	if err != nil {
		return nil, err
	}
	comments, err := c.GetComments(ctx, id)
	if err != nil {
		return nil, err
	}
	checklists, err := c.GetChecklists(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Bundle{CardID: id, Card: card, Comments: comments, Checklists: checklists}, nil
}

// FetchMerged fetches every card and joins their text into one block, each
// card wrapped in start/end markers naming its id. Individual failures are
// collected; an error is returned only when no card could be fetched.
func FetchMerged(ctx context.Context, c Client, ids []string) (*Merged, error) {
	m := &Merged{CardIDs: ids}
	var blocks []string

	for _, id := range ids {
		b, err := FetchBundle(ctx, c, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "trello: fetch merged")
			}
			zap.L().Warn("trello: card fetch failed", zap.String("card_id", id), zap.Error(err))
			m.Errors = append(m.Errors, FetchError{CardID: id, Error: err.Error()})
			continue
		}
		m.Bundles = append(m.Bundles, *b)
		blocks = append(blocks, CardBlock(id, CardText(b)))
	}

	if len(m.Bundles) == 0 && len(ids) > 0 {
		msgs := make([]string, 0, len(m.Errors))
		for _, e := range m.Errors {
			msgs = append(msgs, e.CardID+": "+e.Error)
		}
		return m, eris.Errorf("Trello fetch failed for all cards. errors=%s", strings.Join(msgs, "; "))
	}
	m.Text = strings.Join(blocks, "\n\n")
	return m, nil
}

// CardBlock wraps card text in the delimiters used in the combined context.
func CardBlock(id, text string) string {
	return fmt.Sprintf("===== TRELLO CARD START: %s =====\n%s\n===== TRELLO CARD END: %s =====", id, text, id)
}

// CardText flattens a bundle to plain text: a header with name, URL and last
// activity, then optional description, oldest-first comments and checklists.
func CardText(b *Bundle) string {
	var sb strings.Builder
	card := b.Card
	if card == nil {
		card = &Card{}
	}

	sb.WriteString("TRELLO_CARD:\n")
	fmt.Fprintf(&sb, "- Name: %s\n", card.Name)
	fmt.Fprintf(&sb, "- URL: %s\n", card.URL)
	fmt.Fprintf(&sb, "- LastActivity: %s\n", card.DateLastActivity)

	if desc := strings.TrimSpace(card.Desc); desc != "" {
		sb.WriteString("\nTRELLO_DESC:\n")
		sb.WriteString(desc)
		sb.WriteString("\n")
	}

	comments := sortedComments(b.Comments)
	if len(comments) > 0 {
		sb.WriteString("\nTRELLO_COMMENTS (timestamped):\n")
		for _, a := range comments {
			fmt.Fprintf(&sb, "- [%s] %s\n", a.Date, strings.TrimSpace(a.Data.Text))
		}
	}

	if len(b.Checklists) > 0 {
		sb.WriteString("\nTRELLO_CHECKLISTS:\n")
		for _, cl := range b.Checklists {
			fmt.Fprintf(&sb, "- Checklist: %s\n", cl.Name)
			items := slices.Clone(cl.CheckItems)
			slices.SortStableFunc(items, func(a, b CheckItem) int {
				switch {
				case a.Pos < b.Pos:
					return -1
				case a.Pos > b.Pos:
					return 1
				}
				return 0
			})
			for _, it := range items {
				fmt.Fprintf(&sb, "  - [%s] %s\n", it.State, it.Name)
			}
		}
	}

	return strings.TrimSpace(sb.String())
}

// sortedComments keeps comments with text, oldest first. Unparseable dates
// sort after parseable ones in their original order.
func sortedComments(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if strings.TrimSpace(a.Data.Text) != "" {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b Action) int {
		ta, errA := time.Parse(time.RFC3339, a.Date)
		tb, errB := time.Parse(time.RFC3339, b.Date)
		switch {
		case errA != nil && errB != nil:
			return strings.Compare(a.Date, b.Date)
		case errA != nil:
			return 1
		case errB != nil:
			return -1
		}
		return ta.Compare(tb)
	})
	return out
}

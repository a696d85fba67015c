package hubspot

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	noteProperties = []string{"hs_note_body", "hs_timestamp", "hs_createdate"}
	callProperties = []string{"hs_call_body", "hs_call_outcome", "hs_timestamp", "hs_createdate"}
)

// Entry is a normalized note or call.
type Entry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Body      string `json:"body"`
	Outcome   string `json:"outcome,omitempty"`
}

// ContactBundle is the CRM activity gathered for one contact.
type ContactBundle struct {
	ContactID string   `json:"hubspot_contact_id"`
	DealIDs   []string `json:"deal_ids"`
	Notes     []Entry  `json:"notes"`
	Calls     []Entry  `json:"calls"`
	Text      string   `json:"hubspot_text"`
}

// FetchContact collects a contact's associated deals, notes and calls.
// Bodies are reduced to plain text and both lists are sorted oldest first.
func (r *Reader) FetchContact(ctx context.Context, contactID string) (*ContactBundle, error) {
	noteIDs, err := r.ListAssociatedIDs(ctx, contactID, ObjectNotes)
	if err != nil {
		return nil, err
	}
	callIDs, err := r.ListAssociatedIDs(ctx, contactID, ObjectCalls)
	if err != nil {
		return nil, err
	}
	dealIDs, err := r.ListAssociatedIDs(ctx, contactID, ObjectDeals)
	if err != nil {
		return nil, err
	}

	notes, err := r.BatchRead(ctx, ObjectNotes, noteIDs, noteProperties)
	if err != nil {
		return nil, err
	}
	calls, err := r.BatchRead(ctx, ObjectCalls, callIDs, callProperties)
	if err != nil {
		return nil, err
	}

	b := &ContactBundle{
		ContactID: contactID,
		DealIDs:   dealIDs,
		Notes:     make([]Entry, 0, len(notes)),
		Calls:     make([]Entry, 0, len(calls)),
	}
	if b.DealIDs == nil {
		b.DealIDs = []string{}
	}
	for _, o := range notes {
		b.Notes = append(b.Notes, Entry{
			ID:        o.ID,
			Timestamp: entryTimestamp(o.Properties),
			Body:      StripMarkup(o.Properties["hs_note_body"]),
		})
	}
	for _, o := range calls {
		b.Calls = append(b.Calls, Entry{
			ID:        o.ID,
			Timestamp: entryTimestamp(o.Properties),
			Body:      StripMarkup(o.Properties["hs_call_body"]),
			Outcome:   strings.TrimSpace(o.Properties["hs_call_outcome"]),
		})
	}
	SortEntries(b.Notes)
	SortEntries(b.Calls)
	b.Text = ActivityText(b.Notes, b.Calls)
	return b, nil
}

// ActivityText renders notes and calls as timestamped lines. Notes without
// a body are skipped.
func ActivityText(notes, calls []Entry) string {
	var sb strings.Builder
	if len(notes) > 0 {
		sb.WriteString("HUBSPOT_NOTES (timestamped):\n")
		for _, n := range notes {
			if n.Body == "" {
				continue
			}
			fmt.Fprintf(&sb, "- [%s] %s\n", n.Timestamp, n.Body)
		}
		sb.WriteString("\n")
	}
	if len(calls) > 0 {
		sb.WriteString("HUBSPOT_CALLS (timestamped + outcome):\n")
		for _, c := range calls {
			fmt.Fprintf(&sb, "- [%s] OUTCOME=%s | %s\n", c.Timestamp, c.Outcome, c.Body)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// StripMarkup returns the text content of an HTML fragment with block
// elements and line breaks turned into newlines and blank lines dropped.
func StripMarkup(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6").AppendHtml("\n")

	var lines []string
	for line := range strings.Lines(doc.Text()) {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// ToISO converts a millisecond epoch (or an RFC 3339 value) to RFC 3339
// UTC. Anything else is returned unchanged.
func ToISO(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	return v
}

// SortEntries orders entries by timestamp, oldest first. Entries whose
// timestamp cannot be parsed keep their relative order at the end.
func SortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		ta, errA := time.Parse(time.RFC3339, a.Timestamp)
		tb, errB := time.Parse(time.RFC3339, b.Timestamp)
		switch {
		case errA != nil && errB != nil:
			return 0
		case errA != nil:
			return 1
		case errB != nil:
			return -1
		}
		return ta.Compare(tb)
	})
}

func entryTimestamp(props map[string]string) string {
	ts := props["hs_timestamp"]
	if strings.TrimSpace(ts) == "" {
		ts = props["hs_createdate"]
	}
	return ToISO(ts)
}

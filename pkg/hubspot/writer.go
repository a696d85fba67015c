package hubspot

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-notes/internal/config"
	"github.com/sells-group/crm-notes/internal/resilience"
)

// Writer creates notes associated to a contact and its deals.
type Writer struct {
	req           *resilience.Requester
	contactTypeID int
	dealTypeID    int
	now           func() time.Time
}

// NewWriter creates a write client with the default 2 req/s bucket. Both
// association type ids must be set; HubSpot silently drops an association
// created without one.
func NewWriter(token string, contactTypeID, dealTypeID int, opts ...Option) (*Writer, error) {
	var missing []string
	if token == "" {
		missing = append(missing, "hubspot.token")
	}
	if contactTypeID <= 0 {
		missing = append(missing, "hubspot.note_to_contact_type_id")
	}
	if dealTypeID <= 0 {
		missing = append(missing, "hubspot.note_to_deal_type_id")
	}
	if len(missing) > 0 {
		return nil, &config.Error{Component: "hubspot writer", Missing: missing}
	}

	s := newSettings(2, 2, opts)
	return &Writer{
		req:           s.requester("hubspot-write", token),
		contactTypeID: contactTypeID,
		dealTypeID:    dealTypeID,
		now:           time.Now,
	}, nil
}

// NoteRequest describes one note to create. Timestamp may be RFC 3339 or
// epoch milliseconds; empty means now.
type NoteRequest struct {
	HTMLBody  string
	Timestamp string
	ContactID string
	DealIDs   []string
}

type associationType struct {
	Category string `json:"associationCategory"`
	TypeID   int    `json:"associationTypeId"`
}

type association struct {
	To struct {
		ID string `json:"id"`
	} `json:"to"`
	Types []associationType `json:"types"`
}

type createNoteBody struct {
	Properties   map[string]string `json:"properties"`
	Associations []association     `json:"associations"`
}

type createNoteResponse struct {
	ID string `json:"id"`
}

// CreateNote creates the note and its associations in one request and
// returns the new note id.
func (w *Writer) CreateNote(ctx context.Context, n NoteRequest) (string, error) {
	if strings.TrimSpace(n.HTMLBody) == "" {
		return "", eris.New("hubspot: note body is empty")
	}
	if n.ContactID == "" {
		return "", eris.New("hubspot: note needs a contact id")
	}

	body := createNoteBody{
		Properties: map[string]string{
			"hs_note_body": n.HTMLBody,
			"hs_timestamp": w.timestamp(n.Timestamp),
		},
	}
	body.Associations = append(body.Associations, w.association(n.ContactID, w.contactTypeID))
	for _, id := range n.DealIDs {
		if id = strings.TrimSpace(id); id != "" {
			body.Associations = append(body.Associations, w.association(id, w.dealTypeID))
		}
	}

	var resp createNoteResponse
	if err := w.req.Do(ctx, http.MethodPost, "/crm/v3/objects/notes", nil, body, &resp); err != nil {
		return "", eris.Wrapf(err, "hubspot: create note for contact %s", n.ContactID)
	}
	if resp.ID == "" {
		return "", eris.Errorf("hubspot: create note for contact %s: response has no id", n.ContactID)
	}
	return resp.ID, nil
}

func (w *Writer) association(id string, typeID int) association {
	var a association
	a.To.ID = id
	a.Types = []associationType{{Category: "HUBSPOT_DEFINED", TypeID: typeID}}
	return a
}

func (w *Writer) timestamp(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return strconv.FormatInt(w.now().UnixMilli(), 10)
	}
	return v
}

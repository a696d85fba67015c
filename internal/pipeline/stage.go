// Package pipeline runs contacts through the board fetch, CRM fetch,
// summarize and render stages, and owns the rerun and write-back entry
// points that operate on persisted artifacts.
package pipeline

import (
	"context"
	"time"

	"github.com/sells-group/crm-notes/internal/model"
	"github.com/sells-group/crm-notes/pkg/hubspot"
)

// CRMSource loads a contact's CRM activity.
type CRMSource interface {
	FetchContact(ctx context.Context, contactID string) (*hubspot.ContactBundle, error)
}

// Summarizer turns combined context into raw structured-summary text.
type Summarizer interface {
	Summarize(ctx context.Context, text, instruction string) (string, error)
}

// NoteRenderer turns a validated summary into note HTML.
type NoteRenderer interface {
	Render(ctx context.Context, summary map[string]any) (string, error)
	Model() string
}

// NoteWriter creates a CRM note with its associations.
type NoteWriter interface {
	CreateNote(ctx context.Context, n hubspot.NoteRequest) (string, error)
}

// DefaultInstruction is prepended to the combined context when the job does
// not override it.
const DefaultInstruction = "Analyze the following Trello and HubSpot notes and return only JSON in the required schema."

// StageError is a per-contact failure at one stage. It is recorded on the
// contact and persisted; it never stops the job.
type StageError struct {
	Step    model.Step
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Step) + ": " + e.Message
	}
	return string(e.Step) + ": " + e.Message + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Cause is the underlying error text stored on the contact.
func (e *StageError) Cause() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Err.Error()
}

// errorRecord is the body of a <step>_error.json artifact.
type errorRecord struct {
	Error  string `json:"error"`
	Step   string `json:"step"`
	Reason string `json:"reason,omitempty"`
	TS     string `json:"ts"`
}

func isoNow(now func() time.Time) string {
	return now().UTC().Format(time.RFC3339)
}

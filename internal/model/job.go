package model

import (
	"slices"
	"time"

	"github.com/rotisserie/eris"
)

// Contact is the fixed-shape state of one contact within a job.
type Contact struct {
	ContactID string        `json:"hubspot_contact_id"`
	Email     string        `json:"email"`
	BoardIDs  []string      `json:"trello_ids"`
	Status    ContactStatus `json:"status"`
	Step      Step          `json:"step"`
	Message   string        `json:"last_message"`
	Error     string        `json:"error,omitempty"`
	Verified  bool          `json:"verified"`
	Duplicate bool          `json:"duplicate"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Validate rejects contacts with an empty id or unknown enum values.
func (c Contact) Validate() error {
	if c.ContactID == "" {
		return eris.New("model: contact id is required")
	}
	if !c.Status.Valid() {
		return eris.Errorf("model: unknown contact status %q", c.Status)
	}
	if !c.Step.Valid() {
		return eris.Errorf("model: unknown step %q", c.Step)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c Contact) Clone() Contact {
	c.BoardIDs = slices.Clone(c.BoardIDs)
	return c
}

// ContactPatch describes a partial contact update. Nil fields are left as is.
type ContactPatch struct {
	Email     *string
	BoardIDs  []string
	Status    *ContactStatus
	Step      *Step
	Message   *string
	Error     *string
	Verified  *bool
	Duplicate *bool
}

// Validate rejects patches carrying unknown enum values.
func (p ContactPatch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return eris.Errorf("model: unknown contact status %q", *p.Status)
	}
	if p.Step != nil && !p.Step.Valid() {
		return eris.Errorf("model: unknown step %q", *p.Step)
	}
	return nil
}

// Apply writes the patch onto c.
func (p ContactPatch) Apply(c *Contact) {
	if p.Email != nil {
		c.Email = *p.Email
	}
	if p.BoardIDs != nil {
		c.BoardIDs = slices.Clone(p.BoardIDs)
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.Step != nil {
		c.Step = *p.Step
	}
	if p.Message != nil {
		c.Message = *p.Message
	}
	if p.Error != nil {
		c.Error = *p.Error
	}
	if p.Verified != nil {
		c.Verified = *p.Verified
	}
	if p.Duplicate != nil {
		c.Duplicate = *p.Duplicate
	}
}

// Ref returns a pointer to v, for building patches.
func Ref[T any](v T) *T {
	return &v
}

// Progress holds the job counters.
type Progress struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	Errors     int `json:"errors"`
	Duplicates int `json:"duplicates"`
}

// JobMeta records the inputs and model settings a job was started with.
type JobMeta struct {
	ContactsFile   string `json:"contacts_file,omitempty"`
	BoardsFile     string `json:"boards_file,omitempty"`
	ContactsEmail  string `json:"contacts_email_col"`
	ContactsID     string `json:"contacts_id_col"`
	BoardsEmail    string `json:"boards_email_col"`
	BoardsID       string `json:"boards_id_col"`
	ExtraPrompt    string `json:"extra_prompt,omitempty"`
	AssistantID    string `json:"assistant_id,omitempty"`
	RenderModel    string `json:"render_model,omitempty"`
	ArtifactDriver string `json:"artifact_driver,omitempty"`
}

// JobSnapshot is a point-in-time copy of a job.
type JobSnapshot struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Meta      JobMeta   `json:"meta"`
	Progress  Progress  `json:"progress"`
	Contacts  []Contact `json:"contacts"`
}

// Contact returns the contact with the given id from the snapshot.
func (s JobSnapshot) Contact(contactID string) (Contact, bool) {
	for _, c := range s.Contacts {
		if c.ContactID == contactID {
			return c, true
		}
	}
	return Contact{}, false
}

// JobSummary is the list view of a job.
type JobSummary struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Progress  Progress  `json:"progress"`
}

// EventType names a live update kind.
type EventType string

const (
	EventJobStatus     EventType = "job_status"
	EventProgress      EventType = "progress"
	EventContactUpdate EventType = "contact_update"
	EventPing          EventType = "ping"
)

// Event is one live update for a job.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	Contact  *Contact  `json:"contact,omitempty"`
	TS       time.Time `json:"ts"`
}

package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/store"
	"github.com/sells-group/crm-notes/pkg/hubspot"
)

// Write-back failure codes.
const (
	ReasonMissingContactID = "missing_hubspot_contact_id"
	ReasonNotVerified      = "not_verified"
	ReasonMissingNote      = "missing_step4_note_html"
	ReasonAlreadyWritten   = "already_written"
)

// PushOptions tunes a write-back.
type PushOptions struct {
	// Force writes again even when a note id is already recorded.
	Force bool
}

// PushDetail is the per-contact write-back outcome.
type PushDetail struct {
	ContactID string `json:"contact_id"`
	NoteID    string `json:"note_id,omitempty"`
	DealCount int    `json:"deal_count"`
	Skipped   string `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PushSummary aggregates a batched write-back.
type PushSummary struct {
	Created int          `json:"created"`
	Skipped int          `json:"skipped"`
	Errors  int          `json:"errors"`
	Details []PushDetail `json:"details"`
}

// Add records one contact's outcome.
func (s *PushSummary) Add(d PushDetail) {
	switch {
	case d.Error != "":
		s.Errors++
	case d.Skipped != "":
		s.Skipped++
	default:
		s.Created++
	}
	s.Details = append(s.Details, d)
}

type verifiedRecord struct {
	Verified bool   `json:"verified"`
	TS       string `json:"ts"`
}

type writeRecord struct {
	OK        bool     `json:"ok"`
	TS        string   `json:"ts"`
	ContactID string   `json:"contact_id"`
	Email     string   `json:"email,omitempty"`
	NoteID    string   `json:"note_id,omitempty"`
	DealIDs   []string `json:"deal_ids,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Pusher writes rendered notes back to the CRM.
type Pusher struct {
	Writer NoteWriter
	Now    func() time.Time
}

func (p *Pusher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// WriteVerified persists the operator's verification flag.
func WriteVerified(ctx context.Context, ac *store.Contact, verified bool, now time.Time) error {
	return ac.PutJSON(ctx, store.Verified, verifiedRecord{Verified: verified, TS: now.UTC().Format(time.RFC3339)})
}

// IsVerified reads verified.json. A missing record means not verified.
func IsVerified(ctx context.Context, ac *store.Contact) (bool, error) {
	var v verifiedRecord
	err := ac.GetJSON(ctx, store.Verified, &v)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return v.Verified, err
}

// Push creates the note for one contact. Gate failures and CRM errors are
// reported in the detail and persisted to hubspot_write_error.json; the
// returned error is reserved for artifact store and locking failures.
func (p *Pusher) Push(ctx context.Context, ac *store.Contact, opts PushOptions) (PushDetail, error) {
	d := PushDetail{ContactID: ac.ContactID}
	if strings.TrimSpace(ac.ContactID) == "" {
		d.Error = ReasonMissingContactID
		return d, nil
	}

	unlock, err := lockContact(ac)
	if err != nil {
		return d, err
	}
	defer unlock()

	log := zap.L().With(zap.String("job_id", ac.JobID), zap.String("contact_id", ac.ContactID), zap.String("stage", "write"))
	meta := readMeta(ctx, ac)

	fail := func(msg string) (PushDetail, error) {
		d.Error = msg
		log.Warn("pipeline: write-back failed", zap.String("error", msg))
		return d, ac.PutJSON(ctx, store.WriteError, writeRecord{
			OK: false, TS: isoNow(p.now), ContactID: ac.ContactID, Email: meta.Email, Error: msg,
		})
	}

	verified, err := IsVerified(ctx, ac)
	if err != nil {
		return d, err
	}
	if !verified {
		return fail(ReasonNotVerified)
	}

	if !opts.Force {
		var prev writeRecord
		err := ac.GetJSON(ctx, store.WriteResult, &prev)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return d, err
		}
		if prev.NoteID != "" {
			d.NoteID = prev.NoteID
			d.DealCount = len(prev.DealIDs)
			d.Skipped = ReasonAlreadyWritten
			log.Info("pipeline: note already written", zap.String("note_id", prev.NoteID))
			return d, nil
		}
	}

	html, err := optionalText(ctx, ac, store.NoteHTML)
	if err != nil {
		return d, err
	}
	if html == "" {
		return fail(ReasonMissingNote)
	}

	dealIDs, err := dealIDs(ctx, ac)
	if err != nil {
		return d, err
	}
	d.DealCount = len(dealIDs)

	noteID, err := p.Writer.CreateNote(ctx, hubspot.NoteRequest{
		HTMLBody:  html,
		ContactID: ac.ContactID,
		DealIDs:   dealIDs,
	})
	if err != nil {
		return fail(err.Error())
	}

	d.NoteID = noteID
	log.Info("pipeline: note written", zap.String("note_id", noteID), zap.Int("deals", len(dealIDs)))
	return d, ac.PutJSON(ctx, store.WriteResult, writeRecord{
		OK: true, TS: isoNow(p.now), ContactID: ac.ContactID, Email: meta.Email, NoteID: noteID, DealIDs: dealIDs,
	})
}

// dealIDs reads the deal ids captured by the CRM fetch stage.
func dealIDs(ctx context.Context, ac *store.Contact) ([]string, error) {
	var b hubspot.ContactBundle
	err := ac.GetJSON(ctx, store.CRMData, &b)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(b.DealIDs))
	for _, id := range b.DealIDs {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

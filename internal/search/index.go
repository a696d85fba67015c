// Package search indexes persisted contact artifacts across all jobs so
// contacts from earlier runs can be found after the in-memory registry is
// gone. Step and status are inferred from which artifacts exist.
package search

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/crm-notes/internal/model"
	"github.com/sells-group/crm-notes/internal/store"
)

// ErrNotFound is returned by Find when a contact has no artifacts.
var ErrNotFound = errors.New("search: contact not found")

const (
	// DefaultTTL bounds how long a built index is served before a rebuild.
	DefaultTTL = 30 * time.Second
	// DefaultLimit caps search results when no limit is given.
	DefaultLimit = 50
)

// Entry describes one persisted contact of one job.
type Entry struct {
	JobID     string   `json:"job_id"`
	ContactID string   `json:"contact_id"`
	Email     string   `json:"email"`
	BoardIDs  []string `json:"board_ids"`
	Duplicate bool     `json:"duplicate"`

	HasBoards  bool `json:"has_step1"`
	HasCRM     bool `json:"has_step2"`
	HasSummary bool `json:"has_step3"`
	HasNote    bool `json:"has_step4"`

	Verified bool   `json:"verified"`
	Pushed   bool   `json:"pushed"`
	NoteID   string `json:"note_id,omitempty"`

	Status    model.ContactStatus `json:"status"`
	Step      model.Step          `json:"step"`
	Error     string              `json:"error,omitempty"`
	UpdatedAt time.Time           `json:"updated_at,omitzero"`
}

// Index caches entries for every job in a store.
type Index struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries []Entry
	built   time.Time
	group   singleflight.Group
}

// Option configures an Index.
type Option func(*Index)

// WithTTL sets how long a built index stays fresh. Zero rebuilds on every
// read.
func WithTTL(d time.Duration) Option {
	return func(ix *Index) { ix.ttl = d }
}

// WithClock overrides the clock used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// New creates an index over st.
func New(st store.Store, opts ...Option) *Index {
	ix := &Index{store: st, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Entries returns all entries, most recently updated first. A stale or
// missing index is rebuilt, as is any index when rebuild is set.
func (ix *Index) Entries(ctx context.Context, rebuild bool) ([]Entry, error) {
	if !rebuild {
		ix.mu.RLock()
		fresh := ix.entries != nil && ix.now().Sub(ix.built) < ix.ttl
		out := slices.Clone(ix.entries)
		ix.mu.RUnlock()
		if fresh {
			return out, nil
		}
	}
	return ix.Rebuild(ctx)
}

// Rebuild scans the store. Concurrent callers share one scan.
func (ix *Index) Rebuild(ctx context.Context) ([]Entry, error) {
	v, err, _ := ix.group.Do("rebuild", func() (any, error) {
		return ix.build(ctx)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]Entry)), nil
}

func (ix *Index) build(ctx context.Context) ([]Entry, error) {
	start := time.Now()
	jobIDs, err := ix.store.Jobs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "search: list jobs")
	}

	entries := make([]Entry, 0)
	for _, jobID := range jobIDs {
		contactIDs, err := ix.store.Contacts(ctx, jobID)
		if err != nil {
			return nil, eris.Wrapf(err, "search: list contacts of %s", jobID)
		}
		for _, contactID := range contactIDs {
			e, err := BuildEntry(ctx, store.NewContact(ix.store, "", jobID, contactID))
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Or(cmp.Compare(a.JobID, b.JobID), cmp.Compare(a.ContactID, b.ContactID))
	})

	ix.mu.Lock()
	ix.entries = entries
	ix.built = ix.now()
	ix.mu.Unlock()

	zap.L().Debug("search: index rebuilt",
		zap.Int("jobs", len(jobIDs)),
		zap.Int("contacts", len(entries)),
		zap.Duration("duration", time.Since(start)),
	)
	return entries, nil
}

// Search returns entries whose contact id, email, board id or note id
// contains query, ignoring case. An empty query returns the newest entries.
func (ix *Index) Search(ctx context.Context, query string, limit int, rebuild bool) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := ix.Entries(ctx, rebuild)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Entry, 0, min(limit, len(entries)))
	for _, e := range entries {
		if len(out) == limit {
			break
		}
		if q == "" || e.matches(q) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (e Entry) matches(q string) bool {
	if strings.Contains(strings.ToLower(e.ContactID), q) ||
		strings.Contains(strings.ToLower(e.Email), q) ||
		strings.Contains(strings.ToLower(e.NoteID), q) {
		return true
	}
	return slices.ContainsFunc(e.BoardIDs, func(id string) bool {
		return strings.Contains(strings.ToLower(id), q)
	})
}

// Find returns the entry for one contact. Contacts written after the last
// build are read directly from the store.
func (ix *Index) Find(ctx context.Context, jobID, contactID string) (Entry, error) {
	jobID, contactID = strings.TrimSpace(jobID), strings.TrimSpace(contactID)
	if jobID == "" || contactID == "" {
		return Entry{}, ErrNotFound
	}
	entries, err := ix.Entries(ctx, false)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.JobID == jobID && e.ContactID == contactID {
			return e, nil
		}
	}

	ac := store.NewContact(ix.store, "", jobID, contactID)
	names, err := ac.List(ctx)
	if err != nil {
		return Entry{}, eris.Wrapf(err, "search: list %s/%s", jobID, contactID)
	}
	if len(names) == 0 {
		return Entry{}, eris.Wrapf(ErrNotFound, "%s/%s", jobID, contactID)
	}
	return BuildEntry(ctx, ac)
}

// Records as the pipeline writes them. Only the fields the index reads.
type (
	metaRecord struct {
		Email     string `json:"email"`
		StartedAt string `json:"started_at"`
	}
	matchRecord struct {
		Status   string   `json:"status"`
		BoardIDs []string `json:"trello_ids"`
	}
	errorRecord struct {
		Error string `json:"error"`
		Step  string `json:"step"`
		TS    string `json:"ts"`
	}
	renderRecord struct {
		RenderedAt string `json:"rendered_at"`
	}
	verifiedRecord struct {
		Verified bool   `json:"verified"`
		TS       string `json:"ts"`
	}
	writeRecord struct {
		NoteID string `json:"note_id"`
		Error  string `json:"error"`
		TS     string `json:"ts"`
	}
)

// stageErrors lists error artifacts from the last stage backwards.
var stageErrors = []string{store.RenderError, store.SummaryError, store.CRMError, store.BoardError}

// BuildEntry derives an entry from one contact's artifacts. Unreadable
// JSON is treated as absent.
func BuildEntry(ctx context.Context, ac *store.Contact) (Entry, error) {
	e := Entry{JobID: ac.JobID, ContactID: ac.ContactID, BoardIDs: []string{}}

	names, err := ac.List(ctx)
	if err != nil {
		return e, eris.Wrapf(err, "search: list %s/%s", ac.JobID, ac.ContactID)
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	read := func(name string, v any) bool {
		if !have[name] {
			return false
		}
		if err := ac.GetJSON(ctx, name, v); err != nil {
			zap.L().Debug("search: skip unreadable artifact",
				zap.String("job_id", ac.JobID),
				zap.String("contact_id", ac.ContactID),
				zap.String("name", name),
				zap.Error(err),
			)
			return false
		}
		return true
	}
	var stamps []string

	var meta metaRecord
	if read(store.Meta, &meta) {
		e.Email = strings.TrimSpace(meta.Email)
		stamps = append(stamps, meta.StartedAt)
	}

	var match matchRecord
	if read(store.MatchResult, &match) {
		e.HasBoards = true
		e.Duplicate = match.Status == "multi" || match.Status == "duplicate"
		if match.BoardIDs != nil {
			e.BoardIDs = match.BoardIDs
		}
	}
	e.HasBoards = e.HasBoards || have[store.BoardCards] || have[store.BoardText]
	e.HasCRM = have[store.CRMData] || have[store.MergedContext]
	e.HasSummary = have[store.Summary]
	e.HasNote = have[store.NoteHTML]

	var render renderRecord
	if read(store.RenderStatus, &render) {
		stamps = append(stamps, render.RenderedAt)
	}

	var ver verifiedRecord
	if read(store.Verified, &ver) {
		e.Verified = ver.Verified
		stamps = append(stamps, ver.TS)
	}

	var wr writeRecord
	if read(store.WriteResult, &wr) && wr.NoteID != "" {
		e.Pushed = true
		e.NoteID = strings.TrimSpace(wr.NoteID)
		stamps = append(stamps, wr.TS)
	}

	var stageErr errorRecord
	for _, name := range stageErrors {
		if read(name, &stageErr) {
			stamps = append(stamps, stageErr.TS)
			break
		}
	}

	switch {
	case e.Pushed:
		e.Step, e.Status = model.StepWrite, model.ContactStatusDone
	case e.HasNote:
		e.Step, e.Status = model.StepRender, model.ContactStatusDone
		var we writeRecord
		if read(store.WriteError, &we) {
			e.Error = we.Error
			stamps = append(stamps, we.TS)
		}
	case stageErr.Step != "":
		e.Step, e.Status, e.Error = parseStep(stageErr.Step), model.ContactStatusError, stageErr.Error
	case match.Status == "no_match":
		e.Step, e.Status, e.Error = model.StepBoard, model.ContactStatusError, "no_trello_match"
	case e.HasSummary:
		e.Step, e.Status = model.StepSummary, model.ContactStatusRunning
	case e.HasCRM:
		e.Step, e.Status = model.StepCRM, model.ContactStatusRunning
	case e.HasBoards && e.Duplicate:
		e.Step, e.Status = model.StepBoard, model.ContactStatusDuplicate
	case e.HasBoards:
		e.Step, e.Status = model.StepBoard, model.ContactStatusRunning
	default:
		e.Step, e.Status = model.StepUnknown, model.ContactStatusQueued
	}

	e.UpdatedAt = latest(stamps)
	return e, nil
}

func parseStep(s string) model.Step {
	st, err := model.ParseStep(s)
	if err != nil {
		return model.StepUnknown
	}
	return st
}

func latest(stamps []string) time.Time {
	var t time.Time
	for _, s := range stamps {
		if ts, err := time.Parse(time.RFC3339, s); err == nil && ts.After(t) {
			t = ts
		}
	}
	return t
}

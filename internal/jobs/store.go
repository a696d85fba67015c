// Package jobs holds the in-memory registry of jobs and their contacts and
// fans out live updates to subscribers.
package jobs

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-notes/internal/model"
)

// DefaultIdle is how long a subscriber waits for an event before receiving
// a ping.
const DefaultIdle = 25 * time.Second

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("jobs: job not found")
	// ErrContactNotFound is returned for a contact id not registered in the job.
	ErrContactNotFound = errors.New("jobs: contact not found")
)

type job struct {
	id        string
	createdAt time.Time
	status    model.JobStatus
	meta      model.JobMeta
	progress  model.Progress
	contacts  map[string]*model.Contact
	order     []string
	subs      map[int]*subscriber
}

// Store is the authoritative registry of jobs. All job and contact state is
// guarded by one mutex that is never held across I/O.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	nextSub int

	idle time.Duration
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIdle sets the keep-alive window for subscribers.
func WithIdle(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idle = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs: make(map[string]*job),
		idle: DefaultIdle,
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewJobID returns a short random job id.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// CreateJob registers a new job in the created state and returns its id.
func (s *Store) CreateJob(meta model.JobMeta) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := NewJobID()
	for s.jobs[id] != nil {
		id = NewJobID()
	}
	s.jobs[id] = &job{
		id:        id,
		createdAt: s.now().UTC(),
		status:    model.JobStatusCreated,
		meta:      meta,
		contacts:  make(map[string]*model.Contact),
		subs:      make(map[int]*subscriber),
	}
	s.order = append(s.order, id)
	return id
}

// UpsertContact inserts c or replaces the stored contact with the same id.
// New contacts keep their insertion order.
func (s *Store) UpsertContact(jobID string, c model.Contact) (model.Contact, error) {
	if err := c.Validate(); err != nil {
		return model.Contact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return model.Contact{}, eris.Wrap(ErrJobNotFound, jobID)
	}
	c = c.Clone()
	c.UpdatedAt = s.now().UTC()
	if _, exists := j.contacts[c.ContactID]; !exists {
		j.order = append(j.order, c.ContactID)
	}
	j.contacts[c.ContactID] = &c

	out := c.Clone()
	s.publish(j, model.Event{Type: model.EventContactUpdate, Contact: &out})
	return c.Clone(), nil
}

// UpdateContact applies patch to an existing contact and returns the result.
func (s *Store) UpdateContact(jobID, contactID string, patch model.ContactPatch) (model.Contact, error) {
	if err := patch.Validate(); err != nil {
		return model.Contact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return model.Contact{}, eris.Wrap(ErrJobNotFound, jobID)
	}
	c, ok := j.contacts[contactID]
	if !ok {
		return model.Contact{}, eris.Wrapf(ErrContactNotFound, "%s/%s", jobID, contactID)
	}
	patch.Apply(c)
	c.UpdatedAt = s.now().UTC()

	out := c.Clone()
	s.publish(j, model.Event{Type: model.EventContactUpdate, Contact: &out})
	return c.Clone(), nil
}

// SetProgress replaces the job counters.
func (s *Store) SetProgress(jobID string, p model.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrap(ErrJobNotFound, jobID)
	}
	j.progress = p
	s.publish(j, model.Event{Type: model.EventProgress, Progress: &p})
	return nil
}

// SetStatus sets the job-level status.
func (s *Store) SetStatus(jobID string, status model.JobStatus) error {
	if !status.Valid() {
		return eris.Errorf("jobs: unknown job status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrap(ErrJobNotFound, jobID)
	}
	j.status = status
	s.publish(j, model.Event{Type: model.EventJobStatus, Status: status})
	return nil
}

// Snapshot returns a deep copy of the job with contacts in insertion order.
func (s *Store) Snapshot(jobID string) (model.JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return model.JobSnapshot{}, eris.Wrap(ErrJobNotFound, jobID)
	}
	snap := model.JobSnapshot{
		ID:        j.id,
		Status:    j.status,
		CreatedAt: j.createdAt,
		Meta:      j.meta,
		Progress:  j.progress,
		Contacts:  make([]model.Contact, 0, len(j.order)),
	}
	for _, id := range j.order {
		snap.Contacts = append(snap.Contacts, j.contacts[id].Clone())
	}
	return snap, nil
}

// Contact returns a copy of one contact.
func (s *Store) Contact(jobID, contactID string) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return model.Contact{}, eris.Wrap(ErrJobNotFound, jobID)
	}
	c, ok := j.contacts[contactID]
	if !ok {
		return model.Contact{}, eris.Wrapf(ErrContactNotFound, "%s/%s", jobID, contactID)
	}
	return c.Clone(), nil
}

// List returns all jobs, newest first.
func (s *Store) List() []model.JobSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.JobSummary, 0, len(s.order))
	for _, id := range slices.Backward(s.order) {
		j := s.jobs[id]
		out = append(out, model.JobSummary{ID: j.id, Status: j.status, CreatedAt: j.createdAt, Progress: j.progress})
	}
	return out
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/config"
	"github.com/sells-group/crm-notes/internal/input"
	"github.com/sells-group/crm-notes/internal/jobs"
	"github.com/sells-group/crm-notes/internal/model"
	"github.com/sells-group/crm-notes/internal/store"
	"github.com/sells-group/crm-notes/pkg/trello"
)

// ErrContactBusy is returned when an operation targets a contact that a job
// worker is still processing.
var ErrContactBusy = errors.New("pipeline: contact is still being processed")

// Service owns the job registry, the artifact store and the adapters, and
// exposes every operation the API and CLI need.
type Service struct {
	Jobs        *jobs.Store
	Artifacts   store.Store
	LockDir     string
	Boards      trello.Client
	CRM         CRMSource
	Summarizer  Summarizer
	Renderer    NoteRenderer
	Writer      NoteWriter // nil when write-back is not configured
	Instruction string
	Now         func() time.Time

	mu      sync.Mutex
	running map[string]chan struct{}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Contact returns the artifact view of one contact.
func (s *Service) Contact(jobID, contactID string) *store.Contact {
	return store.NewContact(s.Artifacts, s.LockDir, jobID, contactID)
}

func (s *Service) runner() *Runner {
	return &Runner{
		Jobs:        s.Jobs,
		Artifacts:   s.Artifacts,
		LockDir:     s.LockDir,
		Boards:      s.Boards,
		CRM:         s.CRM,
		Summarizer:  s.Summarizer,
		Renderer:    s.Renderer,
		Instruction: s.Instruction,
		Now:         s.Now,
	}
}

// StartJob registers a job and runs it on its own goroutine. ctx bounds
// the worker, not the caller's request.
func (s *Service) StartJob(ctx context.Context, job *input.Job, meta model.JobMeta) string {
	if meta.ExtraPrompt == "" {
		meta.ExtraPrompt = s.Instruction
	}
	if meta.RenderModel == "" && s.Renderer != nil {
		meta.RenderModel = s.Renderer.Model()
	}
	jobID := s.Jobs.CreateJob(meta)

	done := make(chan struct{})
	s.mu.Lock()
	if s.running == nil {
		s.running = make(map[string]chan struct{})
	}
	s.running[jobID] = done
	s.mu.Unlock()

	r := s.runner()
	if meta.ExtraPrompt != "" {
		r.Instruction = meta.ExtraPrompt
	}
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, jobID)
			s.mu.Unlock()
			close(done)
		}()
		if err := r.Run(ctx, jobID, job); err != nil {
			zap.L().Error("pipeline: job worker stopped", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return jobID
}

// Wait blocks until the job's worker exits or ctx is done.
func (s *Service) Wait(ctx context.Context, jobID string) error {
	s.mu.Lock()
	done, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idleContact returns the contact if no worker is acting on it.
func (s *Service) idleContact(jobID, contactID string) (model.Contact, error) {
	c, err := s.Jobs.Contact(jobID, contactID)
	if err != nil {
		return c, err
	}
	if !c.Status.Terminal() {
		return c, eris.Wrapf(ErrContactBusy, "%s/%s is %s", jobID, contactID, c.Status)
	}
	return c, nil
}

func (s *Service) rerunner() *Rerunner {
	return &Rerunner{Summarizer: s.Summarizer, Renderer: s.Renderer, Now: s.Now}
}

// RerunSummarize reruns step3 for a finished contact and posts the outcome
// as the contact's message.
func (s *Service) RerunSummarize(ctx context.Context, jobID, contactID, instruction string) (RerunResult, error) {
	if _, err := s.idleContact(jobID, contactID); err != nil {
		return RerunResult{}, err
	}
	if instruction == "" {
		instruction = s.Instruction
	}
	res, err := s.rerunner().Summarize(ctx, s.Contact(jobID, contactID), instruction)
	if err != nil {
		return res, err
	}
	return res, s.postRerun(jobID, contactID, res)
}

// RerunRender reruns step4 for a finished contact.
func (s *Service) RerunRender(ctx context.Context, jobID, contactID string) (RerunResult, error) {
	if _, err := s.idleContact(jobID, contactID); err != nil {
		return RerunResult{}, err
	}
	res, err := s.rerunner().Render(ctx, s.Contact(jobID, contactID))
	if err != nil {
		return res, err
	}
	return res, s.postRerun(jobID, contactID, res)
}

func (s *Service) postRerun(jobID, contactID string, res RerunResult) error {
	msg := string(res.Step) + " rerun ok"
	if !res.OK {
		msg = string(res.Step) + " rerun failed: " + res.Error
	}
	_, err := s.Jobs.UpdateContact(jobID, contactID, model.ContactPatch{Message: model.Ref(msg)})
	return err
}

// SetVerified records the operator's verification gate.
func (s *Service) SetVerified(ctx context.Context, jobID, contactID string, verified bool) (model.Contact, error) {
	if _, err := s.Jobs.Contact(jobID, contactID); err != nil {
		return model.Contact{}, err
	}
	if err := WriteVerified(ctx, s.Contact(jobID, contactID), verified, s.now()); err != nil {
		return model.Contact{}, err
	}
	msg := "Unverified"
	if verified {
		msg = "Verified"
	}
	return s.Jobs.UpdateContact(jobID, contactID, model.ContactPatch{
		Verified: model.Ref(verified),
		Message:  model.Ref(msg),
	})
}

func (s *Service) pusher() (*Pusher, error) {
	if s.Writer == nil {
		return nil, &config.Error{Component: "writeback", Missing: []string{"hubspot writer"}}
	}
	return &Pusher{Writer: s.Writer, Now: s.Now}, nil
}

// PushContact writes one contact's note back to the CRM.
func (s *Service) PushContact(ctx context.Context, jobID, contactID string, opts PushOptions) (PushDetail, error) {
	p, err := s.pusher()
	if err != nil {
		return PushDetail{}, err
	}
	if _, err := s.idleContact(jobID, contactID); err != nil {
		return PushDetail{}, err
	}
	return s.push(ctx, p, jobID, contactID, opts)
}

// PushJob writes back every verified contact in done status. Each contact
// is attempted independently.
func (s *Service) PushJob(ctx context.Context, jobID string, opts PushOptions) (PushSummary, error) {
	sum := PushSummary{Details: []PushDetail{}}
	p, err := s.pusher()
	if err != nil {
		return sum, err
	}
	snap, err := s.Jobs.Snapshot(jobID)
	if err != nil {
		return sum, err
	}

	for _, c := range snap.Contacts {
		if !c.Verified || c.Status != model.ContactStatusDone {
			continue
		}
		d, err := s.push(ctx, p, jobID, c.ContactID, opts)
		if err != nil {
			if ctx.Err() != nil {
				return sum, err
			}
			d.Error = err.Error()
		}
		sum.Add(d)
	}
	zap.L().Info("pipeline: push finished",
		zap.String("job_id", jobID),
		zap.Int("created", sum.Created),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
	)
	return sum, nil
}

func (s *Service) push(ctx context.Context, p *Pusher, jobID, contactID string, opts PushOptions) (PushDetail, error) {
	if _, err := s.Jobs.UpdateContact(jobID, contactID, model.ContactPatch{
		Step:    model.Ref(model.StepWrite),
		Message: model.Ref("Writing note to HubSpot…"),
	}); err != nil {
		return PushDetail{ContactID: contactID}, err
	}

	d, err := p.Push(ctx, s.Contact(jobID, contactID), opts)
	patch := model.ContactPatch{}
	switch {
	case err != nil:
		patch.Message, patch.Error = model.Ref("HubSpot write error"), model.Ref(err.Error())
	case d.Error != "":
		patch.Message, patch.Error = model.Ref("HubSpot write error"), model.Ref(d.Error)
	case d.Skipped != "":
		patch.Message = model.Ref("Note already written (note_id=" + d.NoteID + ")")
	default:
		patch.Message, patch.Error = model.Ref("Note written (note_id="+d.NoteID+")"), model.Ref("")
	}
	if _, uerr := s.Jobs.UpdateContact(jobID, contactID, patch); uerr != nil && err == nil {
		err = uerr
	}
	return d, err
}

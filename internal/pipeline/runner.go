package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/input"
	"github.com/sells-group/crm-notes/internal/jobs"
	"github.com/sells-group/crm-notes/internal/model"
	"github.com/sells-group/crm-notes/internal/store"
	"github.com/sells-group/crm-notes/internal/summary"
	"github.com/sells-group/crm-notes/pkg/trello"
)

// Runner processes the contacts of one job strictly in row order.
type Runner struct {
	Jobs       *jobs.Store
	Artifacts  store.Store
	LockDir    string
	Boards     trello.Client
	CRM        CRMSource
	Summarizer Summarizer
	Renderer   NoteRenderer

	// Instruction steers the summarizer. Empty uses DefaultInstruction.
	Instruction string

	Now func() time.Time
}

type matchRecord struct {
	Status   string   `json:"status"`
	BoardIDs []string `json:"trello_ids"`
	Links    []string `json:"links,omitempty"`
}

type metaRecord struct {
	Email     string `json:"email"`
	ContactID string `json:"hubspot_contact_id"`
	StartedAt string `json:"started_at"`
}

type renderStatus struct {
	RenderedAt string `json:"rendered_at"`
	Model      string `json:"model"`
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) instruction() string {
	if strings.TrimSpace(r.Instruction) != "" {
		return r.Instruction
	}
	return DefaultInstruction
}

// Run executes the job to completion. Stage failures are recorded per
// contact; only store errors and cancellation end the job early, in which
// case the job is marked error.
func (r *Runner) Run(ctx context.Context, jobID string, job *input.Job) (err error) {
	log := zap.L().With(zap.String("job_id", jobID))
	log.Info("pipeline: job starting", zap.Int("contacts", len(job.Contacts)))

	defer func() {
		status := model.JobStatusDone
		if err != nil {
			status = model.JobStatusError
			log.Error("pipeline: job failed", zap.Error(err))
		}
		if serr := r.Jobs.SetStatus(jobID, status); serr != nil && err == nil {
			err = serr
		}
	}()

	if err := r.Jobs.SetStatus(jobID, model.JobStatusRunning); err != nil {
		return err
	}
	progress := model.Progress{Total: len(job.Contacts)}
	if err := r.Jobs.SetProgress(jobID, progress); err != nil {
		return err
	}

	for _, row := range job.Contacts {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "pipeline: job cancelled")
		}

		ids := job.Boards[row.Email]
		if len(ids) > 1 {
			progress.Duplicates++
		}
		failed, err := r.processContact(ctx, jobID, row, ids, func() error {
			return r.Jobs.SetProgress(jobID, progress)
		})
		if err != nil {
			return err
		}
		if failed {
			progress.Errors++
		}
		progress.Done++
		if err := r.Jobs.SetProgress(jobID, progress); err != nil {
			return err
		}
	}

	log.Info("pipeline: job finished",
		zap.Int("done", progress.Done),
		zap.Int("errors", progress.Errors),
		zap.Int("duplicates", progress.Duplicates),
	)
	return nil
}

// processContact runs one contact through every stage. failed reports a
// recorded stage error; err is returned only for job-level failures.
func (r *Runner) processContact(ctx context.Context, jobID string, row input.ContactRow, ids []string, flushProgress func() error) (failed bool, err error) {
	log := zap.L().With(zap.String("job_id", jobID), zap.String("contact_id", row.ContactID))
	ac := store.NewContact(r.Artifacts, r.LockDir, jobID, row.ContactID)

	if _, err := r.Jobs.UpsertContact(jobID, model.Contact{
		ContactID: row.ContactID,
		Email:     row.Email,
		BoardIDs:  ids,
		Status:    model.ContactStatusRunning,
		Step:      model.StepBoard,
		Message:   "Matching board ids…",
	}); err != nil {
		return false, err
	}
	if err := ac.PutJSON(ctx, store.Meta, metaRecord{
		Email: row.Email, ContactID: row.ContactID, StartedAt: isoNow(r.now),
	}); err != nil {
		return r.fail(ctx, ac, &StageError{Step: model.StepBoard, Message: "Artifact write error", Err: err})
	}

	// Match.
	switch len(ids) {
	case 0:
		log.Info("pipeline: no board match", zap.String("email", row.Email))
		_, err := r.Jobs.UpdateContact(jobID, row.ContactID, model.ContactPatch{
			Status:  model.Ref(model.ContactStatusError),
			Step:    model.Ref(model.StepBoard),
			Message: model.Ref("No Trello match"),
			Error:   model.Ref("no_trello_match"),
		})
		if err != nil {
			return false, err
		}
		if err := ac.PutJSON(ctx, store.MatchResult, matchRecord{Status: "no_match", BoardIDs: []string{}}); err != nil {
			log.Warn("pipeline: write match artifact", zap.Error(err))
		}
		return true, nil
	case 1:
		if err := ac.PutJSON(ctx, store.MatchResult, matchRecord{Status: "single", BoardIDs: ids, Links: links(ids)}); err != nil {
			return r.fail(ctx, ac, &StageError{Step: model.StepBoard, Message: "Artifact write error", Err: err})
		}
	default:
		if _, err := r.Jobs.UpdateContact(jobID, row.ContactID, model.ContactPatch{
			Status:    model.Ref(model.ContactStatusDuplicate),
			Duplicate: model.Ref(true),
			Message:   model.Ref(fmt.Sprintf("%d board ids found, processing all", len(ids))),
		}); err != nil {
			return false, err
		}
		if err := flushProgress(); err != nil {
			return false, err
		}
		if err := ac.PutJSON(ctx, store.MatchResult, matchRecord{Status: "multi", BoardIDs: ids, Links: links(ids)}); err != nil {
			return r.fail(ctx, ac, &StageError{Step: model.StepBoard, Message: "Artifact write error", Err: err})
		}
	}
	if err := r.advance(jobID, row.ContactID, model.StepBoard, "Board ids matched: "+strings.Join(ids, ", ")); err != nil {
		return false, err
	}

	// step1: board cards.
	boardText, serr := r.fetchBoards(ctx, ac, ids)
	if serr != nil {
		return r.fail(ctx, ac, serr)
	}
	if err := r.advance(jobID, row.ContactID, model.StepCRM, "Loading HubSpot notes, calls and deals…"); err != nil {
		return false, err
	}

	// step2: CRM activity and combined context.
	merged, serr := r.fetchCRM(ctx, ac, row.ContactID, boardText)
	if serr != nil {
		return r.fail(ctx, ac, serr)
	}
	if err := r.advance(jobID, row.ContactID, model.StepSummary, "Assistant JSON analysis…"); err != nil {
		return false, err
	}

	// step3: summarize.
	obj, serr := r.summarize(ctx, ac, merged)
	if serr != nil {
		return r.fail(ctx, ac, serr)
	}
	if err := r.advance(jobID, row.ContactID, model.StepRender, "Rendering HTML note…"); err != nil {
		return false, err
	}

	// step4: render.
	if serr := r.render(ctx, ac, obj); serr != nil {
		return r.fail(ctx, ac, serr)
	}
	if _, err := r.Jobs.UpdateContact(jobID, row.ContactID, model.ContactPatch{
		Status:  model.Ref(model.ContactStatusDone),
		Step:    model.Ref(model.StepRender),
		Message: model.Ref("Done (ready for review)"),
	}); err != nil {
		return false, err
	}
	log.Info("pipeline: contact done")
	return false, nil
}

func (r *Runner) advance(jobID, contactID string, step model.Step, msg string) error {
	_, err := r.Jobs.UpdateContact(jobID, contactID, model.ContactPatch{
		Status:  model.Ref(model.ContactStatusRunning),
		Step:    model.Ref(step),
		Message: model.Ref(msg),
	})
	return err
}

// fail records a stage error on the contact and persists its error artifact.
func (r *Runner) fail(ctx context.Context, ac *store.Contact, serr *StageError) (bool, error) {
	zap.L().Warn("pipeline: stage failed",
		zap.String("job_id", ac.JobID),
		zap.String("contact_id", ac.ContactID),
		zap.String("stage", string(serr.Step)),
		zap.Error(serr),
	)
	if _, err := r.Jobs.UpdateContact(ac.JobID, ac.ContactID, model.ContactPatch{
		Status:  model.Ref(model.ContactStatusError),
		Step:    model.Ref(serr.Step),
		Message: model.Ref(serr.Message),
		Error:   model.Ref(serr.Cause()),
	}); err != nil {
		return false, err
	}

	rec := errorRecord{Error: serr.Cause(), Step: string(serr.Step), TS: isoNow(r.now)}
	var ve *summary.ValidationError
	if errors.As(serr.Err, &ve) {
		rec.Reason = ve.Result.Reason()
	}
	if name := errorArtifact(serr.Step); name != "" {
		if err := ac.PutJSON(ctx, name, rec); err != nil {
			zap.L().Warn("pipeline: write error artifact", zap.String("name", name), zap.Error(err))
		}
	}
	return true, nil
}

func (r *Runner) fetchBoards(ctx context.Context, ac *store.Contact, ids []string) (string, *StageError) {
	stageErr := func(err error) *StageError {
		return &StageError{Step: model.StepBoard, Message: "Trello fetch error", Err: err}
	}
	merged, err := trello.FetchMerged(ctx, r.Boards, ids)
	if err != nil {
		return "", stageErr(err)
	}
	bundles := merged.Bundles
	if bundles == nil {
		bundles = []trello.Bundle{}
	}
	errs := merged.Errors
	if errs == nil {
		errs = []trello.FetchError{}
	}
	if err := ac.PutJSON(ctx, store.BoardCards, bundles); err != nil {
		return "", stageErr(err)
	}
	if err := ac.PutJSON(ctx, store.BoardErrors, map[string]any{"errors": errs}); err != nil {
		return "", stageErr(err)
	}
	if err := ac.PutText(ctx, store.BoardText, merged.Text); err != nil {
		return "", stageErr(err)
	}
	return merged.Text, nil
}

func (r *Runner) fetchCRM(ctx context.Context, ac *store.Contact, contactID, boardText string) (string, *StageError) {
	stageErr := func(err error) *StageError {
		return &StageError{Step: model.StepCRM, Message: "HubSpot fetch error", Err: err}
	}
	bundle, err := r.CRM.FetchContact(ctx, contactID)
	if err != nil {
		return "", stageErr(err)
	}
	if err := ac.PutJSON(ctx, store.CRMData, bundle); err != nil {
		return "", stageErr(err)
	}
	if err := ac.PutText(ctx, store.CRMText, bundle.Text); err != nil {
		return "", stageErr(err)
	}
	merged := MergeContext(boardText, bundle.Text)
	if err := ac.PutText(ctx, store.MergedContext, merged); err != nil {
		return "", stageErr(err)
	}
	return merged, nil
}

func (r *Runner) summarize(ctx context.Context, ac *store.Contact, merged string) (map[string]any, *StageError) {
	stageErr := func(err error) *StageError {
		return &StageError{Step: model.StepSummary, Message: "Assistant error", Err: err}
	}
	raw, err := r.Summarizer.Summarize(ctx, merged, r.instruction())
	if err != nil {
		return nil, stageErr(err)
	}
	if err := ac.PutText(ctx, store.SummaryRaw, raw); err != nil {
		return nil, stageErr(err)
	}
	obj, res := summary.Parse(raw)
	if !res.OK() {
		return nil, stageErr(res.Err())
	}
	if err := ac.PutJSON(ctx, store.Summary, obj); err != nil {
		return nil, stageErr(err)
	}
	return obj, nil
}

func (r *Runner) render(ctx context.Context, ac *store.Contact, obj map[string]any) *StageError {
	stageErr := func(err error) *StageError {
		return &StageError{Step: model.StepRender, Message: "HTML render error", Err: err}
	}
	html, err := r.Renderer.Render(ctx, obj)
	if err != nil {
		return stageErr(err)
	}
	if err := ac.PutText(ctx, store.NoteHTML, html); err != nil {
		return stageErr(err)
	}
	if err := ac.PutJSON(ctx, store.RenderStatus, renderStatus{
		RenderedAt: isoNow(r.now), Model: r.Renderer.Model(),
	}); err != nil {
		return stageErr(err)
	}
	return nil
}

// MergeContext joins board and CRM text into the summarizer input.
func MergeContext(boardText, crmText string) string {
	return strings.TrimSpace(boardText + "\n\n" + crmText)
}

func errorArtifact(step model.Step) string {
	switch step {
	case model.StepBoard:
		return store.BoardError
	case model.StepCRM:
		return store.CRMError
	case model.StepSummary:
		return store.SummaryError
	case model.StepRender:
		return store.RenderError
	case model.StepWrite:
		return store.WriteError
	}
	return ""
}

func links(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = trello.ShortLink(id)
	}
	return out
}

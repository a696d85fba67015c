package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/model"
	"github.com/sells-group/crm-notes/internal/store"
	"github.com/sells-group/crm-notes/internal/summary"
)

// ErrContactLocked is returned when another rerun or push holds the
// contact's lock.
var ErrContactLocked = errors.New("pipeline: contact is locked by another operation")

// Rerun failure codes.
const (
	ReasonMissingContext = "missing_local_context_text"
	ReasonMissingSummary = "missing_step3_ai"
)

// RerunResult is the outcome of re-executing one stage from artifacts.
type RerunResult struct {
	Step     model.Step `json:"step"`
	OK       bool       `json:"ok"`
	Error    string     `json:"error,omitempty"`
	Artifact string     `json:"artifact,omitempty"`
}

type summaryRerunMeta struct {
	TS          string `json:"ts"`
	OK          bool   `json:"ok"`
	Email       string `json:"email"`
	ContactID   string `json:"hubspot_contact_id"`
	Error       string `json:"error,omitempty"`
	ParseError  string `json:"parse_error,omitempty"`
	SchemaOK    bool   `json:"schema_ok"`
	SchemaError string `json:"schema_error,omitempty"`
}

type renderRerunMeta struct {
	TS        string `json:"ts"`
	OK        bool   `json:"ok"`
	Model     string `json:"model"`
	Error     string `json:"error,omitempty"`
	Email     string `json:"email"`
	ContactID string `json:"hubspot_contact_id"`
}

// Rerunner re-executes the summarize or render stage for one contact using
// only its persisted artifacts.
type Rerunner struct {
	Summarizer Summarizer
	Renderer   NoteRenderer
	Now        func() time.Time
}

func (r *Rerunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Summarize reruns step3. The combined context is read from its artifact
// or rebuilt from the board and CRM texts. On success step3_raw.txt and
// step3_ai.json are replaced; either way step3_rerun_meta.json records the
// outcome.
func (r *Rerunner) Summarize(ctx context.Context, ac *store.Contact, instruction string) (RerunResult, error) {
	unlock, err := lockContact(ac)
	if err != nil {
		return RerunResult{}, err
	}
	defer unlock()

	log := zap.L().With(zap.String("job_id", ac.JobID), zap.String("contact_id", ac.ContactID), zap.String("stage", "step3"))
	meta := readMeta(ctx, ac)
	rec := summaryRerunMeta{Email: meta.Email, ContactID: meta.ContactID}
	res := RerunResult{Step: model.StepSummary}

	finish := func() (RerunResult, error) {
		rec.TS = isoNow(r.now)
		rec.OK = res.OK
		if err := ac.PutJSON(ctx, store.SummaryRerunMeta, rec); err != nil {
			return res, err
		}
		log.Info("pipeline: step3 rerun finished", zap.Bool("ok", res.OK), zap.String("error", res.Error))
		return res, nil
	}

	text, err := LocalContext(ctx, ac)
	if err != nil {
		return res, err
	}
	if text == "" {
		res.Error = ReasonMissingContext
		rec.Error = ReasonMissingContext
		return finish()
	}

	if strings.TrimSpace(instruction) == "" {
		instruction = DefaultInstruction
	}
	raw, err := r.Summarizer.Summarize(ctx, text, instruction)
	if err != nil {
		res.Error = err.Error()
		rec.Error = err.Error()
		return finish()
	}
	if err := ac.PutText(ctx, store.SummaryRaw, raw); err != nil {
		return res, err
	}

	obj, vr := summary.Parse(raw)
	if !vr.OK() {
		res.Error = vr.Reason()
		switch vr.Kind {
		case summary.KindParseError, summary.KindNotObject:
			rec.ParseError = vr.Reason()
		default:
			rec.SchemaError = vr.Reason()
		}
		return finish()
	}
	if err := ac.PutJSON(ctx, store.Summary, obj); err != nil {
		return res, err
	}
	res.OK = true
	res.Artifact = store.Summary
	rec.SchemaOK = true
	return finish()
}

// Render reruns step4 from step3_ai.json, falling back to re-parsing
// step3_raw.txt. The summarizer is never called and the step3 artifacts are
// not modified.
func (r *Rerunner) Render(ctx context.Context, ac *store.Contact) (RerunResult, error) {
	unlock, err := lockContact(ac)
	if err != nil {
		return RerunResult{}, err
	}
	defer unlock()

	log := zap.L().With(zap.String("job_id", ac.JobID), zap.String("contact_id", ac.ContactID), zap.String("stage", "step4"))
	meta := readMeta(ctx, ac)
	res := RerunResult{Step: model.StepRender}
	modelName := r.Renderer.Model()

	obj, err := LocalSummary(ctx, ac)
	if err != nil {
		return res, err
	}
	if obj == nil {
		res.Error = ReasonMissingSummary
		return res, r.putRenderFailure(ctx, ac, meta, modelName, res.Error)
	}

	html, err := r.Renderer.Render(ctx, obj)
	if err != nil {
		res.Error = err.Error()
		log.Warn("pipeline: step4 rerun failed", zap.Error(err))
		return res, r.putRenderFailure(ctx, ac, meta, modelName, res.Error)
	}
	if err := ac.PutText(ctx, store.NoteHTML, html); err != nil {
		return res, err
	}
	ts := isoNow(r.now)
	if err := ac.PutJSON(ctx, store.RenderStatus, renderStatus{RenderedAt: ts, Model: modelName}); err != nil {
		return res, err
	}
	if err := ac.PutJSON(ctx, store.RenderRerunMeta, renderRerunMeta{
		TS: ts, OK: true, Model: modelName, Email: meta.Email, ContactID: meta.ContactID,
	}); err != nil {
		return res, err
	}
	res.OK = true
	res.Artifact = store.NoteHTML
	log.Info("pipeline: step4 rerun finished")
	return res, nil
}

func (r *Rerunner) putRenderFailure(ctx context.Context, ac *store.Contact, meta metaRecord, modelName, msg string) error {
	return ac.PutJSON(ctx, store.RenderFailedRerun, renderRerunMeta{
		TS: isoNow(r.now), OK: false, Model: modelName, Error: msg, Email: meta.Email, ContactID: meta.ContactID,
	})
}

// LocalContext returns the persisted combined context, or rebuilds it from
// the board and CRM text artifacts. An empty string means nothing usable is
// on disk.
func LocalContext(ctx context.Context, ac *store.Contact) (string, error) {
	merged, err := optionalText(ctx, ac, store.MergedContext)
	if err != nil {
		return "", err
	}
	if merged != "" {
		return merged, nil
	}

	boards, err := optionalText(ctx, ac, store.BoardText)
	if err != nil {
		return "", err
	}
	crm, err := optionalText(ctx, ac, store.CRMText)
	if err != nil {
		return "", err
	}
	var parts []string
	if boards != "" {
		parts = append(parts, "### Trello\n"+boards)
	}
	if crm != "" {
		parts = append(parts, "### HubSpot\n"+crm)
	}
	return strings.Join(parts, "\n\n"), nil
}

// LocalSummary returns the persisted summary object, or re-parses the raw
// assistant output. It returns nil when neither yields a valid summary.
func LocalSummary(ctx context.Context, ac *store.Contact) (map[string]any, error) {
	var obj map[string]any
	err := ac.GetJSON(ctx, store.Summary, &obj)
	switch {
	case err == nil && obj != nil:
		return obj, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	raw, err := optionalText(ctx, ac, store.SummaryRaw)
	if err != nil || raw == "" {
		return nil, err
	}
	obj, vr := summary.Parse(raw)
	if !vr.OK() {
		return nil, nil
	}
	return obj, nil
}

func optionalText(ctx context.Context, ac *store.Contact, name string) (string, error) {
	s, err := ac.GetText(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// readMeta loads meta.json, falling back to the contact id of the view.
func readMeta(ctx context.Context, ac *store.Contact) metaRecord {
	var m metaRecord
	if err := ac.GetJSON(ctx, store.Meta, &m); err != nil && !errors.Is(err, store.ErrNotFound) {
		zap.L().Warn("pipeline: read meta", zap.String("contact_id", ac.ContactID), zap.Error(err))
	}
	if m.ContactID == "" {
		m.ContactID = ac.ContactID
	}
	return m
}

func lockContact(ac *store.Contact) (func(), error) {
	unlock, ok, err := ac.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(ErrContactLocked, "%s/%s", ac.JobID, ac.ContactID)
	}
	return unlock, nil
}

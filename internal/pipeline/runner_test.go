package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-notes/internal/input"
	"github.com/sells-group/crm-notes/internal/jobs"
	"github.com/sells-group/crm-notes/internal/model"
	"github.com/sells-group/crm-notes/internal/store"
	"github.com/sells-group/crm-notes/pkg/hubspot"
)

const validSummary = `{
  "summary": {"one_liner": "Long-time client"},
  "successes": [{"title": "Doubled revenue"}],
  "challenges": [],
  "churn_reasons": [],
  "relationship_value": {"score_1_to_5": 4},
  "next_best_actions": [],
  "open_questions_for_review": [],
  "red_flags": []
}`

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	jobs   *jobs.Store
	fs     *store.FSStore
	root   string
	trello *mockTrello
	crm    *mockCRM
	sum    *mockSummarizer
	render *mockRenderer
	writer *mockWriter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	fs, err := store.NewFS(root)
	require.NoError(t, err)
	return &fixture{
		jobs:   jobs.NewStore(),
		fs:     fs,
		root:   root,
		trello: &mockTrello{},
		crm:    &mockCRM{},
		sum:    &mockSummarizer{},
		render: &mockRenderer{},
		writer: &mockWriter{},
	}
}

func (f *fixture) runner() *Runner {
	return &Runner{
		Jobs:       f.jobs,
		Artifacts:  f.fs,
		LockDir:    f.root,
		Boards:     f.trello,
		CRM:        f.crm,
		Summarizer: f.sum,
		Renderer:   f.render,
		Now:        func() time.Time { return fixedNow },
	}
}

func (f *fixture) service() *Service {
	return &Service{
		Jobs:       f.jobs,
		Artifacts:  f.fs,
		LockDir:    f.root,
		Boards:     f.trello,
		CRM:        f.crm,
		Summarizer: f.sum,
		Renderer:   f.render,
		Writer:     f.writer,
		Now:        func() time.Time { return fixedNow },
	}
}

func (f *fixture) contact(jobID, contactID string) *store.Contact {
	return store.NewContact(f.fs, f.root, jobID, contactID)
}

func crmBundle(contactID string, deals ...string) *hubspot.ContactBundle {
	if deals == nil {
		deals = []string{}
	}
	return &hubspot.ContactBundle{
		ContactID: contactID,
		DealIDs:   deals,
		Notes:     []hubspot.Entry{{ID: "n1", Timestamp: "2024-01-01T00:00:00Z", Body: "Kickoff"}},
		Calls:     []hubspot.Entry{},
		Text:      "HUBSPOT_NOTES:\n- [2024-01-01T00:00:00Z] Kickoff",
	}
}

func threeContactJob() *input.Job {
	return &input.Job{
		Contacts: []input.ContactRow{
			{Email: "none@x.com", ContactID: "100"},
			{Email: "one@x.com", ContactID: "200"},
			{Email: "two@x.com", ContactID: "300"},
		},
		Boards: input.BoardIndex{
			"one@x.com": {"T1"},
			"two@x.com": {"T2", "T3"},
		},
	}
}

func TestRun_ThreeContactScenario(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"T1", "T2", "T3"} {
		f.trello.onCard(id)
	}
	f.crm.On("FetchContact", mock.Anything, "200").Return(crmBundle("200"), nil)
	f.crm.On("FetchContact", mock.Anything, "300").Return(crmBundle("300", "D1"), nil)
	f.sum.On("Summarize", mock.Anything, mock.Anything, DefaultInstruction).Return(validSummary, nil)
	f.render.On("Render", mock.Anything, mock.Anything).Return("<p>note</p>", nil)

	jobID := f.jobs.CreateJob(model.JobMeta{})
	require.NoError(t, f.runner().Run(context.Background(), jobID, threeContactJob()))

	snap, err := f.jobs.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, snap.Status)
	assert.Equal(t, model.Progress{Total: 3, Done: 3, Errors: 1, Duplicates: 1}, snap.Progress)
	require.Len(t, snap.Contacts, 3)

	none := snap.Contacts[0]
	assert.Equal(t, model.ContactStatusError, none.Status)
	assert.Equal(t, model.StepBoard, none.Step)
	assert.Equal(t, "no_trello_match", none.Error)

	one := snap.Contacts[1]
	assert.Equal(t, model.ContactStatusDone, one.Status)
	assert.Equal(t, model.StepRender, one.Step)
	assert.False(t, one.Duplicate)

	two := snap.Contacts[2]
	assert.Equal(t, model.ContactStatusDone, two.Status)
	assert.True(t, two.Duplicate)
	assert.Equal(t, []string{"T2", "T3"}, two.BoardIDs)

	ctx := context.Background()
	oneCtx, err := f.contact(jobID, "200").GetText(ctx, store.MergedContext)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(oneCtx, "===== TRELLO CARD START:"))
	assert.True(t, strings.HasSuffix(oneCtx, "Kickoff"))

	twoCtx, err := f.contact(jobID, "300").GetText(ctx, store.MergedContext)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(twoCtx, "===== TRELLO CARD START:"))
	assert.Contains(t, twoCtx, "===== TRELLO CARD END: T2 =====")
	assert.Contains(t, twoCtx, "===== TRELLO CARD END: T3 =====")

	var match matchRecord
	require.NoError(t, f.contact(jobID, "100").GetJSON(ctx, store.MatchResult, &match))
	assert.Equal(t, "no_match", match.Status)
	assert.Empty(t, match.BoardIDs)

	require.NoError(t, f.contact(jobID, "300").GetJSON(ctx, store.MatchResult, &match))
	assert.Equal(t, "multi", match.Status)
	assert.Equal(t, []string{"https://trello.com/c/T2", "https://trello.com/c/T3"}, match.Links)

	html, err := f.contact(jobID, "200").GetText(ctx, store.NoteHTML)
	require.NoError(t, err)
	assert.Equal(t, "<p>note</p>", html)

	var status renderStatus
	require.NoError(t, f.contact(jobID, "200").GetJSON(ctx, store.RenderStatus, &status))
	assert.Equal(t, "test-render-model", status.Model)
	assert.Equal(t, "2026-03-01T12:00:00Z", status.RenderedAt)

	f.sum.AssertNumberOfCalls(t, "Summarize", 2)
	f.crm.AssertNotCalled(t, "FetchContact", mock.Anything, "100")
}

func TestRun_StageFailures(t *testing.T) {
	ctx := context.Background()
	job := &input.Job{
		Contacts: []input.ContactRow{{Email: "a@x.com", ContactID: "1"}},
		Boards:   input.BoardIndex{"a@x.com": {"T1"}},
	}

	tests := []struct {
		name      string
		setup     func(f *fixture)
		step      model.Step
		message   string
		errorFile string
	}{
		{
			name: "all cards fail",
			setup: func(f *fixture) {
				f.trello.On("GetCard", mock.Anything, "T1").Return(nil, errors.New("boom"))
			},
			step: model.StepBoard, message: "Trello fetch error", errorFile: store.BoardError,
		},
		{
			name: "crm fails",
			setup: func(f *fixture) {
				f.trello.onCard("T1")
				f.crm.On("FetchContact", mock.Anything, "1").Return(nil, errors.New("hubspot down"))
			},
			step: model.StepCRM, message: "HubSpot fetch error", errorFile: store.CRMError,
		},
		{
			name: "assistant returns prose",
			setup: func(f *fixture) {
				f.trello.onCard("T1")
				f.crm.On("FetchContact", mock.Anything, "1").Return(crmBundle("1"), nil)
				f.sum.On("Summarize", mock.Anything, mock.Anything, mock.Anything).Return("Sure! Here is the summary.", nil)
			},
			step: model.StepSummary, message: "Assistant error", errorFile: store.SummaryError,
		},
		{
			name: "render fails",
			setup: func(f *fixture) {
				f.trello.onCard("T1")
				f.crm.On("FetchContact", mock.Anything, "1").Return(crmBundle("1"), nil)
				f.sum.On("Summarize", mock.Anything, mock.Anything, mock.Anything).Return(validSummary, nil)
				f.render.On("Render", mock.Anything, mock.Anything).Return("", errors.New("model overloaded"))
			},
			step: model.StepRender, message: "HTML render error", errorFile: store.RenderError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			jobID := f.jobs.CreateJob(model.JobMeta{})
			require.NoError(t, f.runner().Run(ctx, jobID, job))

			snap, err := f.jobs.Snapshot(jobID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusDone, snap.Status)
			assert.Equal(t, model.Progress{Total: 1, Done: 1, Errors: 1}, snap.Progress)

			c := snap.Contacts[0]
			assert.Equal(t, model.ContactStatusError, c.Status)
			assert.Equal(t, tt.step, c.Step)
			assert.Equal(t, tt.message, c.Message)
			assert.NotEmpty(t, c.Error)

			var rec errorRecord
			require.NoError(t, f.contact(jobID, "1").GetJSON(ctx, tt.errorFile, &rec))
			assert.Equal(t, string(tt.step), rec.Step)
			assert.NotEmpty(t, rec.Error)
		})
	}
}

func TestRun_InvalidSummaryKeepsRaw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.trello.onCard("T1")
	f.crm.On("FetchContact", mock.Anything, "1").Return(crmBundle("1"), nil)
	f.sum.On("Summarize", mock.Anything, mock.Anything, mock.Anything).Return(`{"summary": {}}`, nil)

	jobID := f.jobs.CreateJob(model.JobMeta{})
	require.NoError(t, f.runner().Run(ctx, jobID, &input.Job{
		Contacts: []input.ContactRow{{Email: "a@x.com", ContactID: "1"}},
		Boards:   input.BoardIndex{"a@x.com": {"T1"}},
	}))

	ac := f.contact(jobID, "1")
	raw, err := ac.GetText(ctx, store.SummaryRaw)
	require.NoError(t, err)
	assert.Equal(t, `{"summary": {}}`, raw)

	has, err := ac.Has(ctx, store.Summary)
	require.NoError(t, err)
	assert.False(t, has)

	var rec errorRecord
	require.NoError(t, ac.GetJSON(ctx, store.SummaryError, &rec))
	assert.Equal(t, "missing_key:successes", rec.Reason)
	f.render.AssertNotCalled(t, "Render", mock.Anything, mock.Anything)
}

func TestRun_PartialCardFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.trello.onCard("T1")
	f.trello.On("GetCard", mock.Anything, "T2").Return(nil, errors.New("404"))
	f.crm.On("FetchContact", mock.Anything, "1").Return(crmBundle("1"), nil)
	f.sum.On("Summarize", mock.Anything, mock.Anything, mock.Anything).Return(validSummary, nil)
	f.render.On("Render", mock.Anything, mock.Anything).Return("<p>ok</p>", nil)

	jobID := f.jobs.CreateJob(model.JobMeta{})
	require.NoError(t, f.runner().Run(ctx, jobID, &input.Job{
		Contacts: []input.ContactRow{{Email: "a@x.com", ContactID: "1"}},
		Boards:   input.BoardIndex{"a@x.com": {"T1", "T2"}},
	}))

	c, err := f.jobs.Contact(jobID, "1")
	require.NoError(t, err)
	assert.Equal(t, model.ContactStatusDone, c.Status)

	var errs struct {
		Errors []map[string]string `json:"errors"`
	}
	require.NoError(t, f.contact(jobID, "1").GetJSON(ctx, store.BoardErrors, &errs))
	require.Len(t, errs.Errors, 1)
	assert.Equal(t, "T2", errs.Errors[0]["trello_id"])
}

func TestRun_CustomInstruction(t *testing.T) {
	f := newFixture(t)
	f.trello.onCard("T1")
	f.crm.On("FetchContact", mock.Anything, "1").Return(crmBundle("1"), nil)
	f.sum.On("Summarize", mock.Anything, mock.Anything, "Focus on churn.").Return(validSummary, nil)
	f.render.On("Render", mock.Anything, mock.Anything).Return("<p>ok</p>", nil)

	r := f.runner()
	r.Instruction = "Focus on churn."
	jobID := f.jobs.CreateJob(model.JobMeta{})
	require.NoError(t, r.Run(context.Background(), jobID, &input.Job{
		Contacts: []input.ContactRow{{Email: "a@x.com", ContactID: "1"}},
		Boards:   input.BoardIndex{"a@x.com": {"T1"}},
	}))
	f.sum.AssertExpectations(t)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobID := f.jobs.CreateJob(model.JobMeta{})
	err := f.runner().Run(ctx, jobID, threeContactJob())
	require.Error(t, err)

	snap, err := f.jobs.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, snap.Status)
	assert.Empty(t, snap.Contacts)
}

func TestMergeContext(t *testing.T) {
	assert.Equal(t, "a\n\nb", MergeContext("a", "b"))
	assert.Equal(t, "a", MergeContext("a", ""))
	assert.Equal(t, "b", MergeContext("", "b"))
}

func TestStageError(t *testing.T) {
	cause := errors.New("timeout")
	err := &StageError{Step: model.StepCRM, Message: "HubSpot fetch error", Err: cause}
	assert.Equal(t, "step2: HubSpot fetch error: timeout", err.Error())
	assert.Equal(t, "timeout", err.Cause())
	assert.ErrorIs(t, err, cause)

	bare := &StageError{Step: model.StepBoard, Message: "no_trello_match"}
	assert.Equal(t, "no_trello_match", bare.Cause())
}

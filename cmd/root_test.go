package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-notes/internal/config"
	"github.com/sells-group/crm-notes/internal/pipeline"
	"github.com/sells-group/crm-notes/internal/search"
	"github.com/sells-group/crm-notes/internal/store"
	"github.com/sells-group/crm-notes/pkg/hubspot"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "run", "rerun", "push", "jobs", "assoc", "config"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "crm-notes", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"contacts", "boards", "contacts-email", "contacts-id", "boards-email", "boards-id", "prompt", "preview"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
	assert.Equal(t, "auto", runCmd.Flags().Lookup("contacts-delimiter").DefValue)
}

func TestRerunCommand_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rerunCmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.Flags().Lookup("dir"))
	}
	assert.True(t, names["step3"])
	assert.True(t, names["step4"])
}

func TestParseDelimiter(t *testing.T) {
	assert.Equal(t, rune(0), parseDelimiter(""))
	assert.Equal(t, rune(0), parseDelimiter("auto"))
	assert.Equal(t, '\t', parseDelimiter("tab"))
	assert.Equal(t, ';', parseDelimiter(";"))
}

func TestLoadJob(t *testing.T) {
	dir := t.TempDir()
	runContacts = filepath.Join(dir, "contacts.csv")
	runBoards = filepath.Join(dir, "boards.csv")
	require.NoError(t, os.WriteFile(runContacts, []byte("Email,Record ID\na@x.com,1\n"), 0o644))
	require.NoError(t, os.WriteFile(runBoards, []byte("Email;Card ID\nA@X.com;T1\n"), 0o644))
	runMapping.ContactsEmail, runMapping.ContactsID = "Email", "Record ID"
	runMapping.BoardsEmail, runMapping.BoardsID = "Email", "Card ID"
	runContactsDelim, runBoardsDelim = "auto", "auto"

	job, err := loadJob()
	require.NoError(t, err)
	require.Len(t, job.Contacts, 1)
	assert.Equal(t, []string{"T1"}, job.Boards["a@x.com"])
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	renderTable(&buf, []string{"A", "B"}, [][]string{{"1"}, {"2", "3"}})
	out := buf.String()
	assert.Contains(t, out, "A")
	assert.Contains(t, out, "3")
	assert.NotContains(t, out, "\x1b[")
	assert.False(t, shouldColorize(&buf))
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	root := t.TempDir()
	cfg = &config.Config{Jobs: config.JobsConfig{OutputDir: root, ArtifactDriver: "fs"}}
	st, err := store.NewFS(root)
	require.NoError(t, err)
	return st
}

func TestFormatJob(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	ac := store.NewContact(st, cfg.Jobs.OutputDir, "job1", "1")
	require.NoError(t, ac.PutText(ctx, store.BoardText, "b"))
	require.NoError(t, ac.PutText(ctx, store.CRMText, "c"))
	require.NoError(t, ac.PutText(ctx, store.SummaryError, "{}"))
	require.NoError(t, pipeline.WriteVerified(ctx, ac, false, fixedTime))

	var buf bytes.Buffer
	require.NoError(t, formatJob(ctx, &buf, st, "job1", []string{"1"}))
	out := buf.String()
	assert.Contains(t, out, "SUMMARY")
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "no")
}

func TestJobsSearch(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	ac := store.NewContact(st, cfg.Jobs.OutputDir, "job1", "1")
	require.NoError(t, ac.PutText(ctx, store.Meta, `{"email":"ana@example.com"}`))
	require.NoError(t, ac.PutText(ctx, store.MatchResult, `{"status":"single","trello_ids":["T9"]}`))
	require.NoError(t, ac.PutText(ctx, store.NoteHTML, "<p>x</p>"))
	require.NoError(t, pipeline.WriteVerified(ctx, ac, true, fixedTime))

	entries, err := search.New(st).Search(ctx, "t9", 10, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var buf bytes.Buffer
	formatSearch(&buf, entries)
	out := buf.String()
	assert.Contains(t, out, "ana@example.com")
	assert.Contains(t, out, "T9")
	assert.Contains(t, out, "done")
	assert.Contains(t, out, "step4")
	assert.Contains(t, out, "yes")

	sub, _, err := jobsCmd.Find([]string{"search"})
	require.NoError(t, err)
	assert.Equal(t, "search", sub.Name())
	assert.NotNil(t, sub.Flags().Lookup("limit"))
}

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubWriter struct{ calls []hubspot.NoteRequest }

func (w *stubWriter) CreateNote(_ context.Context, n hubspot.NoteRequest) (string, error) {
	w.calls = append(w.calls, n)
	return "n-" + n.ContactID, nil
}

func TestPushContacts_OnlyVerified(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	pushJob, pushForce = "job1", false
	for _, id := range []string{"1", "2"} {
		ac := store.NewContact(st, cfg.Jobs.OutputDir, "job1", id)
		require.NoError(t, ac.PutText(ctx, store.NoteHTML, "<p>"+id+"</p>"))
	}
	require.NoError(t, pipeline.WriteVerified(ctx, store.NewContact(st, cfg.Jobs.OutputDir, "job1", "2"), true, fixedTime))

	w := &stubWriter{}
	sum, err := pushContacts(ctx, &pipeline.Pusher{Writer: w}, st, []string{"1", "2"}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	require.Len(t, w.calls, 1)
	assert.Equal(t, "2", w.calls[0].ContactID)

	sum, err = pushContacts(ctx, &pipeline.Pusher{Writer: w}, st, []string{"1"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, pipeline.ReasonNotVerified, sum.Details[0].Error)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-notes/internal/pipeline"
	"github.com/sells-group/crm-notes/internal/search"
	"github.com/sells-group/crm-notes/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect persisted job artifacts",
	Long:  "Commands for reviewing and verifying contacts from the artifact store. Live job state is only held by the server process.",
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show per-contact stage progress for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids, err := st.Contacts(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "No contacts found.")
			return nil
		}
		return formatJob(ctx, os.Stdout, st, args[0], ids)
	},
}

// stageColumns maps each column to the artifact that marks it complete and
// the one that marks it failed.
var stageColumns = []struct {
	title  string
	ok     string
	failed string
}{
	{"Boards", store.BoardText, store.BoardError},
	{"CRM", store.CRMText, store.CRMError},
	{"Summary", store.Summary, store.SummaryError},
	{"Note", store.NoteHTML, store.RenderError},
	{"Verified", store.Verified, ""},
	{"Written", store.WriteResult, store.WriteError},
}

func formatJob(ctx context.Context, w io.Writer, st store.Store, jobID string, ids []string) error {
	headers := []string{"Contact"}
	for _, c := range stageColumns {
		headers = append(headers, c.title)
	}

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		names, err := st.List(ctx, jobID, id)
		if err != nil {
			return eris.Wrapf(err, "jobs show: list %s", id)
		}
		have := make(map[string]bool, len(names))
		for _, n := range names {
			have[n] = true
		}

		row := []string{id}
		for _, c := range stageColumns {
			row = append(row, stageCell(have, c.ok, c.failed))
		}
		if have[store.Verified] {
			ok, err := pipeline.IsVerified(ctx, store.NewContact(st, cfg.Jobs.OutputDir, jobID, id))
			if err != nil {
				return err
			}
			if !ok {
				row[len(row)-2] = "no"
			}
		}
		rows = append(rows, row)
	}
	renderTable(w, headers, rows)
	return nil
}

func stageCell(have map[string]bool, ok, failed string) string {
	switch {
	case have[ok]:
		return "yes"
	case failed != "" && have[failed]:
		return "error"
	}
	return "-"
}

// -- jobs verify --

var jobsVerifyUnset bool

var jobsVerifyCmd = &cobra.Command{
	Use:   "verify <job-id> <contact-id>",
	Short: "Mark a contact's note as reviewed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ac := store.NewContact(st, cfg.Jobs.OutputDir, args[0], args[1])
		if ok, err := ac.Has(ctx, store.NoteHTML); err != nil {
			return err
		} else if !ok && !jobsVerifyUnset {
			return eris.Errorf("jobs verify: %s/%s has no rendered note", args[0], args[1])
		}
		if err := pipeline.WriteVerified(ctx, ac, !jobsVerifyUnset, time.Now()); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s/%s verified=%t\n", args[0], args[1], !jobsVerifyUnset)
		return nil
	},
}

// -- jobs search --

var jobsSearchLimit int

var jobsSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Find contacts across all persisted jobs",
	Long:  "Matches the query against email, HubSpot contact id, Trello card id and HubSpot note id. Without a query the most recently updated contacts are listed.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var query string
		if len(args) == 1 {
			query = args[0]
		}
		entries, err := search.New(st).Search(ctx, query, jobsSearchLimit, true)
		if err != nil {
			return eris.Wrap(err, "jobs search")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No matches.")
			return nil
		}
		formatSearch(os.Stdout, entries)
		return nil
	},
}

func formatSearch(w io.Writer, entries []search.Entry) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		updated := "-"
		if !e.UpdatedAt.IsZero() {
			updated = e.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		verified := "-"
		if e.Verified {
			verified = "yes"
		}
		rows = append(rows, []string{
			e.JobID,
			e.ContactID,
			e.Email,
			strings.Join(e.BoardIDs, ", "),
			string(e.Status),
			string(e.Step),
			verified,
			e.NoteID,
			updated,
		})
	}
	renderTable(w, []string{"Job", "Contact", "Email", "Cards", "Status", "Step", "Verified", "Note", "Updated"}, rows)
}

func init() {
	jobsVerifyCmd.Flags().BoolVar(&jobsVerifyUnset, "unset", false, "clear the verification flag")
	jobsSearchCmd.Flags().IntVar(&jobsSearchLimit, "limit", 200, "maximum number of results")
	jobsCmd.AddCommand(jobsShowCmd, jobsVerifyCmd, jobsSearchCmd)
	rootCmd.AddCommand(jobsCmd)
}

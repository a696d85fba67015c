package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/input"
	"github.com/sells-group/crm-notes/internal/model"
)

var (
	runContacts      string
	runBoards        string
	runMapping       input.Mapping
	runContactsDelim string
	runBoardsDelim   string
	runPrompt        string
	runPreview       bool
	runPreviewLimit  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a contacts export against a board export",
	Long:  "Reads both tables, matches contacts to board cards by email and runs every contact through the four stages. Results stay on disk for review.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		job, err := loadJob()
		if err != nil {
			return err
		}

		if runPreview {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(input.Preview(job, runPreviewLimit))
		}

		env, err := initService(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()
		svc := env.Service

		jobID := svc.StartJob(ctx, job, model.JobMeta{
			ContactsFile:   runContacts,
			BoardsFile:     runBoards,
			ContactsEmail:  runMapping.ContactsEmail,
			ContactsID:     runMapping.ContactsID,
			BoardsEmail:    runMapping.BoardsEmail,
			BoardsID:       runMapping.BoardsID,
			ExtraPrompt:    runPrompt,
			AssistantID:    cfg.Assistant.AssistantID,
			ArtifactDriver: cfg.Jobs.ArtifactDriver,
		})
		fmt.Fprintf(os.Stderr, "job %s started (%d contacts)\n", jobID, len(job.Contacts))

		watchCtx, cancelWatch := context.WithCancel(ctx)
		defer cancelWatch()
		if events, err := svc.Jobs.Subscribe(watchCtx, jobID); err == nil {
			go func() {
				for ev := range events {
					if ev.Type == model.EventProgress && ev.Progress != nil {
						p := ev.Progress
						fmt.Fprintf(os.Stderr, "\r%d/%d done, %d errors, %d duplicates", p.Done, p.Total, p.Errors, p.Duplicates)
					}
				}
			}()
		}

		if err := svc.Wait(ctx, jobID); err != nil {
			return eris.Wrap(err, "run: wait")
		}
		cancelWatch()
		fmt.Fprintln(os.Stderr)

		snap, err := svc.Jobs.Snapshot(jobID)
		if err != nil {
			return err
		}
		printContacts(snap)
		zap.L().Info("run complete",
			zap.String("job_id", jobID),
			zap.String("status", string(snap.Status)),
			zap.Int("errors", snap.Progress.Errors),
		)
		if snap.Status == model.JobStatusError {
			return eris.Errorf("run: job %s ended in error", jobID)
		}
		return nil
	},
}

// loadJob reads both tables and applies the column mapping.
func loadJob() (*input.Job, error) {
	contacts, err := input.ReadTable(runContacts, parseDelimiter(runContactsDelim))
	if err != nil {
		return nil, err
	}
	boards, err := input.ReadTable(runBoards, parseDelimiter(runBoardsDelim))
	if err != nil {
		return nil, err
	}
	return input.NewJob(contacts, boards, runMapping)
}

// parseDelimiter returns 0 (sniff) for an empty or "auto" value.
func parseDelimiter(s string) rune {
	switch s {
	case "", "auto":
		return 0
	case `\t`, "tab":
		return '\t'
	}
	return []rune(s)[0]
}

func printContacts(snap model.JobSnapshot) {
	rows := make([][]string, 0, len(snap.Contacts))
	for _, c := range snap.Contacts {
		rows = append(rows, []string{
			c.ContactID,
			c.Email,
			strconv.Itoa(len(c.BoardIDs)),
			string(c.Status),
			string(c.Step),
			c.Message,
			c.Error,
		})
	}
	renderTable(os.Stdout, []string{"Contact", "Email", "Cards", "Status", "Step", "Message", "Error"}, rows)
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runContacts, "contacts", "", "contacts export (.csv or .xlsx)")
	f.StringVar(&runBoards, "boards", "", "board export (.csv or .xlsx)")
	f.StringVar(&runMapping.ContactsEmail, "contacts-email", "Email", "email column in the contacts table")
	f.StringVar(&runMapping.ContactsID, "contacts-id", "Record ID", "contact id column in the contacts table")
	f.StringVar(&runMapping.BoardsEmail, "boards-email", "Email", "email column in the board table")
	f.StringVar(&runMapping.BoardsID, "boards-id", "Card ID", "card id column in the board table")
	f.StringVar(&runContactsDelim, "contacts-delimiter", "auto", "contacts CSV delimiter")
	f.StringVar(&runBoardsDelim, "boards-delimiter", "auto", "board CSV delimiter")
	f.StringVar(&runPrompt, "prompt", "", "instruction prepended to each contact's context")
	f.BoolVar(&runPreview, "preview", false, "print the match overview and exit")
	f.IntVar(&runPreviewLimit, "preview-limit", input.DefaultPreviewLimit, "rows per preview list")
	_ = runCmd.MarkFlagRequired("contacts")
	_ = runCmd.MarkFlagRequired("boards")
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"context"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/pipeline"
	"github.com/sells-group/crm-notes/internal/store"
)

var (
	pushJob     string
	pushContact string
	pushForce   bool
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Write verified notes back to HubSpot",
	Long:  "Creates a HubSpot note for each verified contact of a job, associated with the contact and its deals. Contacts already written are skipped unless --force is set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("writeback"); err != nil {
			return err
		}
		writer := newHubSpotWriter()
		if writer == nil {
			return eris.New("push: hubspot writer unavailable")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids := []string{pushContact}
		if pushContact == "" {
			if ids, err = st.Contacts(ctx, pushJob); err != nil {
				return eris.Wrap(err, "push: list contacts")
			}
		}

		p := &pipeline.Pusher{Writer: writer}
		sum, err := pushContacts(ctx, p, st, ids, pushContact == "")
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(sum.Details))
		for _, d := range sum.Details {
			rows = append(rows, []string{d.ContactID, d.NoteID, strconv.Itoa(d.DealCount), d.Skipped, d.Error})
		}
		renderTable(os.Stdout, []string{"Contact", "Note", "Deals", "Skipped", "Error"}, rows)
		zap.L().Info("push complete",
			zap.String("job_id", pushJob),
			zap.Int("created", sum.Created),
			zap.Int("skipped", sum.Skipped),
			zap.Int("errors", sum.Errors),
		)
		if sum.Errors > 0 {
			return eris.Errorf("push: %d of %d contacts failed", sum.Errors, len(sum.Details))
		}
		return nil
	},
}

// pushContacts pushes each contact independently. When onlyVerified is set,
// unverified contacts are left out instead of being reported.
func pushContacts(ctx context.Context, p *pipeline.Pusher, st store.Store, ids []string, onlyVerified bool) (pipeline.PushSummary, error) {
	sum := pipeline.PushSummary{Details: []pipeline.PushDetail{}}
	for _, id := range ids {
		ac := store.NewContact(st, cfg.Jobs.OutputDir, pushJob, id)
		if onlyVerified {
			ok, err := pipeline.IsVerified(ctx, ac)
			if err != nil {
				return sum, err
			}
			if !ok {
				continue
			}
		}
		d, err := p.Push(ctx, ac, pipeline.PushOptions{Force: pushForce})
		if err != nil {
			if ctx.Err() != nil {
				return sum, err
			}
			d.ContactID, d.Error = id, err.Error()
		}
		sum.Add(d)
	}
	return sum, nil
}

func init() {
	pushCmd.Flags().StringVar(&pushJob, "job", "", "job id")
	pushCmd.Flags().StringVar(&pushContact, "contact", "", "push a single contact")
	pushCmd.Flags().BoolVar(&pushForce, "force", false, "write again even if a note was already created")
	_ = pushCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(pushCmd)
}

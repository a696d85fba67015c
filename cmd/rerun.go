package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-notes/internal/config"
	"github.com/sells-group/crm-notes/internal/pipeline"
	"github.com/sells-group/crm-notes/internal/store"
)

var (
	rerunDir     string
	rerunJob     string
	rerunContact string
	rerunPrompt  string
)

var rerunCmd = &cobra.Command{
	Use:   "rerun",
	Short: "Rerun one stage for a contact from its saved artifacts",
	Long:  "Address the contact either by --dir (a contact directory) or by --job and --contact in the configured artifact store.",
}

var rerunSummaryCmd = &cobra.Command{
	Use:   "step3",
	Short: "Summarize the saved context again",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Assistant.Key == "" || cfg.Assistant.AssistantID == "" {
			return &config.Error{Component: "rerun step3", Missing: []string{"assistant.api_key", "assistant.assistant_id"}}
		}
		ac, closeFn, err := openContact(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		prompt := rerunPrompt
		if prompt == "" {
			prompt = cfg.Assistant.Instruction
		}
		r := &pipeline.Rerunner{Summarizer: newSummarizer()}
		res, err := r.Summarize(cmd.Context(), ac, prompt)
		if err != nil {
			return err
		}
		return printRerun(res)
	},
}

var rerunRenderCmd = &cobra.Command{
	Use:   "step4",
	Short: "Render the saved summary again",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Anthropic.Key == "" {
			return &config.Error{Component: "rerun step4", Missing: []string{"anthropic.key"}}
		}
		ac, closeFn, err := openContact(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		r := &pipeline.Rerunner{Renderer: newRenderer()}
		res, err := r.Render(cmd.Context(), ac)
		if err != nil {
			return err
		}
		return printRerun(res)
	},
}

// openContact resolves the contact named by --dir or --job/--contact.
func openContact(cmd *cobra.Command) (*store.Contact, func(), error) {
	if rerunDir != "" {
		ac, err := store.OpenContactDir(rerunDir)
		return ac, func() {}, err
	}
	if rerunJob == "" || rerunContact == "" {
		return nil, nil, eris.New("either --dir or both --job and --contact are required")
	}
	st, err := initStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	ac := store.NewContact(st, cfg.Jobs.OutputDir, rerunJob, rerunContact)
	return ac, func() { _ = st.Close() }, nil
}

func printRerun(res pipeline.RerunResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.OK {
		return eris.Errorf("%s rerun failed: %s", res.Step, res.Error)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{rerunSummaryCmd, rerunRenderCmd} {
		c.Flags().StringVar(&rerunDir, "dir", "", "contact directory")
		c.Flags().StringVar(&rerunJob, "job", "", "job id")
		c.Flags().StringVar(&rerunContact, "contact", "", "HubSpot contact id")
		rerunCmd.AddCommand(c)
	}
	rerunSummaryCmd.Flags().StringVar(&rerunPrompt, "prompt", "", "instruction prepended to the context")
	rootCmd.AddCommand(rerunCmd)
}

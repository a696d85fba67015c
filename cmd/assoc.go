package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var assocCmd = &cobra.Command{
	Use:   "assoc",
	Short: "Discover HubSpot association type ids",
	Long:  "Lists the note association labels so the type ids needed for write-back can be copied into configuration.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("assoc"); err != nil {
			return err
		}
		reader := newHubSpotReader()

		var rows [][]string
		suggested := map[string]int{}
		for _, to := range []string{"contacts", "deals"} {
			labels, err := reader.Labels(cmd.Context(), "notes", to)
			if err != nil {
				return eris.Wrapf(err, "assoc: notes to %s", to)
			}
			for _, l := range labels {
				rows = append(rows, []string{"notes", to, l.Category, strconv.Itoa(l.TypeID), l.Label})
				if l.Category == "HUBSPOT_DEFINED" && l.Label == "" {
					suggested[to] = l.TypeID
				}
			}
		}
		renderTable(os.Stdout, []string{"From", "To", "Category", "Type ID", "Label"}, rows)

		if id, ok := suggested["contacts"]; ok {
			fmt.Printf("HS_ASSOC_NOTE_TO_CONTACT_TYPE_ID=%d\n", id)
		}
		if id, ok := suggested["deals"]; ok {
			fmt.Printf("HS_ASSOC_NOTE_TO_DEAL_TYPE_ID=%d\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(assocCmd)
}

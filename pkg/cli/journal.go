package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/tablewatch/pkg/storage"
)

// NewJournalCommand creates the journal command
func NewJournalCommand() *cobra.Command {
	var (
		dbPath string
		types  []string
		name   string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded scheduler events",
		Long: `Show scheduler events recorded by "simulate --journal".

Examples:
  tablewatch journal --db ./events.db
  tablewatch journal --db ./events.db --type update.failed
  tablewatch journal --name scores --limit 20 --json

Event Types:
  update.scheduled            - Subscriber timer armed or reset
  update.completed            - Subscriber update returned
  update.failed               - Subscriber update errored or panicked
  batch.started               - Batch scheduled
  batch.completed             - Batch timer elapsed and all members done
  data_state.updated          - Snapshot submitted
  component.update_from_data  - Data dependency matched`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = defaultJournalPath()
			}
			if _, err := os.Stat(dbPath); os.IsNotExist(err) {
				return fmt.Errorf("journal not found: %s", dbPath)
			}

			journal, err := storage.OpenJournal(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = journal.Close() }()

			entries, err := journal.List(cmd.Context(), storage.Filter{Types: types, Name: name, Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(out, "No events found")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTIME\tTYPE\tSUBSCRIBER\tBATCH\tERROR")
			for _, e := range entries {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.OccurredAt.Format(time.RFC3339Nano), e.Type, e.Name, shortID(e.BatchID), e.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Journal database (default: journal_path from config, or <config-dir>/journal.db)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only show these event types")
	cmd.Flags().StringVar(&name, "name", "", "Only show events of this subscriber")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

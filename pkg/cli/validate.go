package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/tablewatch/pkg/scenario"
)

// NewValidateCommand creates the validate command
func NewValidateCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Validate scenario files",
		Long: `Validate scenario files without running them.

This checks:
- YAML syntax
- The scenario schema (required sections, one action per step, durations)
- Subscriber references in steps and depends_on
- Dependency condition expressions

Examples:
  tablewatch validate scoreboard.yaml
  tablewatch validate scenarios/*.yaml --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err == nil {
					_, err = scenario.Parse(data)
				}
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(cmd.OutOrStderr(), "✗ %s\n", path)
					if verbose {
						_, _ = fmt.Fprintf(cmd.OutOrStderr(), "  Error: %v\n", err)
					}
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scenario(s) invalid", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show validation errors")

	return cmd
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/dshills/tablewatch/pkg/metrics"
	"github.com/dshills/tablewatch/pkg/scenario"
	"github.com/dshills/tablewatch/pkg/scheduler"
	"github.com/dshills/tablewatch/pkg/storage"
)

// NewSimulateCommand creates the simulate command
func NewSimulateCommand() *cobra.Command {
	var (
		journalPath string
		showMetrics bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Replay a scenario against the scheduler",
		Long: `Replay a scenario file against the scheduler on a simulated clock.

The scenario's steps mutate an in-memory table, submit snapshots, schedule
subscribers and advance time. Afterwards the fire counts, pending
subscribers and expectation results are printed. The command fails when
any expectation does not hold.

Examples:
  tablewatch simulate scoreboard.yaml
  tablewatch simulate scoreboard.yaml --json
  tablewatch simulate scoreboard.yaml --journal ./events.db --metrics`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scenario.Load(args[0])
			if err != nil {
				return err
			}

			if journalPath == "" && GlobalConfig.Settings != nil {
				journalPath = GlobalConfig.Settings.JournalPath
			}
			var journal *storage.Journal
			if journalPath != "" {
				journal, err = storage.OpenJournal(journalPath)
				if err != nil {
					return err
				}
				defer func() { _ = journal.Close() }()
			}

			namespace := "tablewatch"
			if GlobalConfig.Settings != nil {
				namespace = GlobalConfig.Settings.MetricsNamespace
			}
			reg := prometheus.NewRegistry()
			collector := metrics.New(reg, namespace)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			var journalErr error
			opts := scenario.RunOptions{
				Logger: GlobalConfig.Logger,
				OnEvent: func(ev scheduler.Event) {
					collector.Observe(ev)
					if journal != nil && journalErr == nil {
						journalErr = journal.Record(ctx, ev)
					}
				},
			}
			if s := GlobalConfig.Settings; s != nil {
				opts.DefaultDebounce = s.DefaultDebounce
				opts.SampleRows = s.SampleRows
				opts.EventBuffer = s.EventBuffer
			}

			rep, err := scenario.Run(sc, opts)
			if err != nil {
				return err
			}
			if journalErr != nil {
				return journalErr
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return fmt.Errorf("failed to encode report: %w", err)
				}
			} else {
				printReport(out, sc, rep)
			}
			if showMetrics {
				if err := printMetrics(out, reg); err != nil {
					return err
				}
			}
			if journal != nil {
				_, _ = fmt.Fprintf(out, "Journal: %d events recorded to %s\n", len(rep.Events), journalPath)
			}

			if !rep.Passed() {
				return fmt.Errorf("scenario %q: expectations failed", sc.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "", "Record scheduler events to this SQLite journal")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print collected metrics after the run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full report as JSON")

	return cmd
}

func printReport(w io.Writer, sc *scenario.Scenario, rep *scenario.Report) {
	_, _ = fmt.Fprintf(w, "Scenario: %s\n", rep.Name)
	if sc.Description != "" {
		_, _ = fmt.Fprintf(w, "  %s\n", sc.Description)
	}
	_, _ = fmt.Fprintf(w, "Simulated time: %gms, %d events\n\n", rep.ElapsedMS, len(rep.Events))

	_, _ = fmt.Fprintln(w, "Subscribers:")
	for _, sub := range sc.Subscribers {
		_, _ = fmt.Fprintf(w, "  %-20s fires=%d applied=%d failures=%d\n",
			sub.Name, rep.Fires[sub.Name], rep.Applied[sub.Name], rep.Failures[sub.Name])
	}
	if len(rep.Pending) > 0 {
		_, _ = fmt.Fprintf(w, "Pending: %s\n", strings.Join(rep.Pending, ", "))
	}

	if len(rep.Expectations) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "\nExpectations:")
	for _, e := range rep.Expectations {
		if e.Passed {
			_, _ = fmt.Fprintf(w, "  ✓ %s\n", e.Path)
		} else {
			_, _ = fmt.Fprintf(w, "  ✗ %s: %s\n", e.Path, e.Message)
		}
	}
}

// printMetrics writes every gathered sample as "name{labels} value".
func printMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	_, _ = fmt.Fprintln(w, "\nMetrics:")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName() + formatLabels(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				_, _ = fmt.Fprintf(w, "  %s %g\n", name, m.GetCounter().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				_, _ = fmt.Fprintf(w, "  %s_count %d\n", name, h.GetSampleCount())
				_, _ = fmt.Fprintf(w, "  %s_sum %g\n", name, h.GetSampleSum())
			}
		}
	}
	return nil
}

func formatLabels(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

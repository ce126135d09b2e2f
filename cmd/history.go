package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/planwright/planwright/internal/executor"
)

var historyCmd = &cobra.Command{
	Use:   "history <plan-id>",
	Short: "Show recorded executions of a plan, newest first",
	Example: `  # Last 20 executions
  planwright history orders

  # Full records as JSON
  planwright history orders --limit 0 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var (
	historyLimit  int
	historyFormat string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of executions (0 for all)")
	historyCmd.Flags().StringVar(&historyFormat, "format", "text", "Output format: text or json")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := requireFormat(historyFormat, "text", "json"); err != nil {
		return err
	}
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	records, err := st.History(cmd.Context(), args[0], historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyFormat == "json" {
		return writeJSON(out, records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintf(out, "no executions recorded for %s\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "EXECUTION\tVERSION\tSTATUS\tSTATEMENTS\tINITIATED BY\tSTARTED\tDURATION")
	for _, r := range records {
		done := 0
		for _, s := range r.Statements {
			if s.Status == executor.StatementSucceeded {
				done++
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d/%d\t%s\t%s\t%s\n",
			r.ID, r.PlanVersion, r.Status, done, len(r.Statements), r.InitiatedBy,
			r.StartedAt.Format(time.RFC3339), r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return tw.Flush()
}

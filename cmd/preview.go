package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/planwright/planwright/internal/guardrails"
	"github.com/planwright/planwright/internal/service"
)

var previewCmd = &cobra.Command{
	Use:   "preview <plan>",
	Short: "Show the statements a plan would run, the guardrail result and sample rows",
	Long: `Preview compiles a plan, checks it against the guardrails and fetches a few
rows from its source table. The guardrail check always runs; --no-sample only
skips the sample query. Nothing is written.`,
	Example: `  # Full preview, sample rows from the configured warehouse
  planwright preview plans/orders.yaml

  # Offline preview
  planwright preview --no-sample plans/orders.yaml

  # Preview a saved plan revision
  planwright preview orders --version 3`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

var (
	previewNoSample bool
	previewVersion  int
	previewFormat   string
)

func init() {
	rootCmd.AddCommand(previewCmd)
	previewCmd.Flags().BoolVar(&previewNoSample, "no-sample", false, "Do not query the source table for sample rows")
	previewCmd.Flags().IntVar(&previewVersion, "version", 0, "Saved plan version (when <plan> is a plan id)")
	previewCmd.Flags().StringVar(&previewFormat, "format", "text", "Output format: text or json")
}

func runPreview(cmd *cobra.Command, args []string) error {
	if err := requireFormat(previewFormat, "text", "json"); err != nil {
		return err
	}
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	p, err := a.resolvePlan(ctx, args[0], previewVersion)
	if err != nil {
		return err
	}

	var opts []service.Option
	skipSample := previewNoSample
	if !skipSample {
		client, err := a.warehouseClient()
		if err != nil {
			a.log.Warn("skipping sample rows: " + err.Error())
			skipSample = true
		} else {
			opts = append(opts, service.WithSampler(client))
		}
	}

	preview, err := a.newService(opts...).Preview(ctx, p, service.PreviewOptions{SkipSample: skipSample})
	var blocked *guardrails.BlockedError
	if err != nil && !errors.As(err, &blocked) {
		return err
	}

	out := cmd.OutOrStdout()
	if previewFormat == "json" {
		if werr := writeJSON(out, preview); werr != nil {
			return werr
		}
		return err
	}
	printPreview(out, preview)
	return err
}

func printPreview(w io.Writer, preview *service.Preview) {
	c := preview.Compiled
	_, _ = fmt.Fprintf(w, "%s %s v%d (%s)\n", mutedStyle.Render("plan"), c.PlanID, c.PlanVersion, c.Pattern)
	_, _ = fmt.Fprintf(w, "%s %s\n\n", mutedStyle.Render("content hash"), c.ContentHash)

	for _, s := range preview.Statements {
		_, _ = fmt.Fprintf(w, "%s;\n\n", s.SQL)
	}
	printReport(w, preview.Guardrails)

	switch {
	case preview.SampleError != "":
		_, _ = fmt.Fprintln(w, warningText("sample failed: "+preview.SampleError))
	case preview.SampleQuery != "":
		_, _ = fmt.Fprintf(w, "\n%s\n", mutedStyle.Render(preview.SampleQuery))
		printRows(w, preview.Sample)
	}
}

// printRows writes rows as tab-separated values under a header of sorted
// column names.
func printRows(w io.Writer, rows []map[string]any) {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "(no rows)")
		return
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	_, _ = fmt.Fprintln(w, strings.Join(cols, "\t"))
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, col := range cols {
			if v := row[col]; v != nil {
				vals[i] = fmt.Sprint(v)
			} else {
				vals[i] = "NULL"
			}
		}
		_, _ = fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
}

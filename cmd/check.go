package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/planwright/planwright/internal/guardrails"
)

var checkCmd = &cobra.Command{
	Use:   "check <plan|file.sql>",
	Short: "Check statements against the destructive-operation guardrails",
	Long: `Check the statements a plan compiles to, or the statements in a .sql file,
against the guardrails: DROP, TRUNCATE, DELETE or UPDATE without WHERE,
breaking ALTER TABLE changes, and writes into a catalog other than the source
catalog. The command fails when any statement is blocked.`,
	Example: `  # Check a plan
  planwright check plans/orders.yaml

  # Check hand-written SQL, treating "main" as the source catalog
  planwright check --source-catalog main migration.sql`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var (
	checkAllowCrossCatalog bool
	checkSourceCatalog     string
	checkFormat            string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkAllowCrossCatalog, "allow-cross-catalog", false, "Allow writes into a catalog other than the source catalog")
	checkCmd.Flags().StringVar(&checkSourceCatalog, "source-catalog", "", "Source catalog for .sql files")
	checkCmd.Flags().StringVar(&checkFormat, "format", "text", "Output format: text or json")
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := requireFormat(checkFormat, "text", "json"); err != nil {
		return err
	}

	var report guardrails.Report
	if strings.EqualFold(filepath.Ext(args[0]), ".sql") {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		report = guardrails.AnalyzeSQL([]string{string(data)}, guardrails.Options{
			SourceCatalog:     checkSourceCatalog,
			AllowCrossCatalog: checkAllowCrossCatalog,
		})
	} else {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.resolvePlan(cmd.Context(), args[0], 0)
		if err != nil {
			return err
		}
		allow := checkAllowCrossCatalog || a.cfg.Guardrails.AllowCrossCatalog
		compiled, err := a.newService().Compile(p)
		if err != nil {
			return err
		}
		report = guardrails.AnalyzeCompiled(compiled, guardrails.Options{AllowCrossCatalog: allow})
	}

	out := cmd.OutOrStdout()
	if checkFormat == "json" {
		if err := writeJSON(out, report); err != nil {
			return err
		}
		return report.Err()
	}
	printReport(out, report)
	return report.Err()
}

// printReport prints the passing line only; violations are printed with the
// returned *guardrails.BlockedError.
func printReport(w io.Writer, report guardrails.Report) {
	if report.Allowed {
		_, _ = fmt.Fprintln(w, successText("guardrails passed"))
	}
}

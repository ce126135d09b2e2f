package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/planwright/planwright/internal/compiler"
)

var compileCmd = &cobra.Command{
	Use:   "compile <plan>",
	Short: "Compile a plan into ordered Databricks SQL statements",
	Long: `Compile a plan into the ordered SQL statements it would execute. The
output is deterministic: the same plan revision always produces the same
statements. Nothing is executed.`,
	Example: `  # Print the SQL
  planwright compile plans/orders.yaml

  # Statements, hashes and metadata as JSON
  planwright compile --format json plans/orders.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

var (
	compileFormat  string
	compileVersion int
)

func init() {
	rootCmd.AddCommand(compileCmd)
	compileCmd.Flags().StringVar(&compileFormat, "format", "sql", "Output format: sql or json")
	compileCmd.Flags().IntVar(&compileVersion, "version", 0, "Saved plan version (when <plan> is a plan id)")
}

func runCompile(cmd *cobra.Command, args []string) error {
	if err := requireFormat(compileFormat, "sql", "json"); err != nil {
		return err
	}
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.resolvePlan(cmd.Context(), args[0], compileVersion)
	if err != nil {
		return err
	}
	compiled, err := a.newService().Compile(p)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if compileFormat == "json" {
		return writeJSON(out, compiled)
	}
	for _, s := range compiler.Stamp(compiled.Statements, time.Now()) {
		_, _ = fmt.Fprintf(out, "%s;\n\n", s.SQL)
	}
	return nil
}

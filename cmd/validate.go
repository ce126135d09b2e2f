package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planwright/planwright/internal/plan"
	"github.com/planwright/planwright/internal/validation"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan>",
	Short: "Validate a plan file",
	Long: `Validate a plan file (JSON or YAML) against the plan schema and the rules
of its pattern. Every problem found is reported, not just the first.`,
	Example: `  # Validate a plan
  planwright validate plans/orders.yaml

  # Machine-readable result
  planwright validate --format json plans/orders.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateFormat string

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validateFormat, "format", "text", "Output format: text or json")
}

func runValidate(cmd *cobra.Command, args []string) error {
	if err := requireFormat(validateFormat, "text", "json"); err != nil {
		return err
	}
	doc, err := plan.ReadDocument(args[0])
	if err != nil {
		return err
	}

	result, _ := validation.ValidateDocument(doc)
	out := cmd.OutOrStdout()
	if validateFormat == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
		return result.Err()
	}

	if err := result.Err(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, successText(args[0]+" is valid"))
	return nil
}

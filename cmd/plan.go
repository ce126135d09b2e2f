package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage saved plans in the plan registry",
	Long: `Save, show and list plan revisions in the environment's plan registry.
Saved revisions are immutable; saving a changed plan creates a new version.`,
	Example: `  # Save the next revision of a plan
  planwright plan save plans/orders.yaml

  # Show the latest revision
  planwright plan show orders

  # List every revision
  planwright plan list orders`,
}

var planSaveCmd = &cobra.Command{
	Use:   "save <plan>",
	Short: "Validate a plan file and save it as a new revision",
	Long: `Validate a plan file and save it as a new revision. A plan_metadata.version
of 0 takes the next version; an explicit version must be greater than every
saved version of the plan.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanSave,
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Print a saved plan revision",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanShow,
}

var planListCmd = &cobra.Command{
	Use:   "list <plan-id>",
	Short: "List the saved revisions of a plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanList,
}

var planShowVersion int

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planSaveCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planListCmd)

	planShowCmd.Flags().IntVar(&planShowVersion, "version", 0, "Plan version (defaults to the latest)")
}

func runPlanSave(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := readPlan(args[0])
	if err != nil {
		return err
	}
	// Saving compiles too, so a revision that cannot compile is never stored.
	if _, err := a.newService().Compile(p); err != nil {
		return err
	}

	st, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	saved, err := st.SavePlan(cmd.Context(), p)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), successText(fmt.Sprintf("saved %s version %d", saved.Metadata.PlanID, saved.Metadata.Version)))
	return nil
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	p, err := st.GetPlan(cmd.Context(), args[0], planShowVersion)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), p)
}

func runPlanList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	versions, err := st.ListVersions(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("plan %s has no saved versions", args[0])
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tPATTERN\tOWNER\tCREATED\tHASH")
	for _, v := range versions {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.Version, v.Pattern, v.Owner, v.CreatedAt.Format(time.RFC3339), shortHash(v.ContentHash))
	}
	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var version = getVersion()

var rootCmd = &cobra.Command{
	Use:   "planwright",
	Short: "Declarative data transformation plans for Databricks SQL warehouses",
	Long: `Planwright compiles declarative transformation plans into Databricks SQL,
checks the generated statements against destructive-operation guardrails, and
executes them on a SQL warehouse with retries and an audit trail.

Configuration is read from planwright.toml in the current directory or the
nearest parent up to the project root. Secrets belong in .env.<environment>.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rootEnvironment string
	rootStoreURL    string
	rootLogLevel    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootEnvironment, "environment", "e", "", "Environment from planwright.toml (defaults to default_environment)")
	rootCmd.PersistentFlags().StringVar(&rootStoreURL, "store-url", "", "Plan registry and audit store (overrides the environment)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides [logging] level)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(rootCmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}

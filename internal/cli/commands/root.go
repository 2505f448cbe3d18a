package commands

import (
	"encoding/json"
	"fmt"

	"github.com/cloo-solutions/unic/internal/cli"
	"github.com/cloo-solutions/unic/internal/config"
	"github.com/spf13/cobra"
)

// NewRootCmd returns the unicd command tree.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "unicd",
		Short: "Knowledge ingestion and semantic retrieval engine",
		Long: `unicd ingests text fragments, deduplicates and categorizes them, and
answers semantic searches over the stored knowledge.

Configuration is read from UNIC_* environment variables (and a .env file):
  UNIC_STORE            postgres, sqlite or memory (default: sqlite)
  UNIC_DATABASE_URL     Postgres connection string
  UNIC_SQLITE_PATH      SQLite database file (default: data_lake/unic.db)
  UNIC_OPENAI_API_KEY   OpenAI key; without it a local hash embedder is used`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("output", false, "Output as JSON")
	rootCmd.PersistentFlags().String("store", "", "Store backend (overrides UNIC_STORE)")
	rootCmd.PersistentFlags().String("sqlite-path", "", "SQLite database file (overrides UNIC_SQLITE_PATH)")
	rootCmd.PersistentFlags().Bool("no-migrate", false, "Skip automatic Postgres migrations")
	cli.AddHelpJSONFlag(rootCmd)

	rootCmd.AddCommand(IngestCmd())
	rootCmd.AddCommand(SearchCmd())
	rootCmd.AddCommand(StatsCmd())
	rootCmd.AddCommand(RecategorizeCmd())
	rootCmd.AddCommand(CategorizeCmd())
	rootCmd.AddCommand(MigrateCmd())

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if store, _ := cmd.Flags().GetString("store"); store != "" {
		cfg.Store = store
	}
	if path, _ := cmd.Flags().GetString("sqlite-path"); path != "" {
		cfg.SQLitePath = path
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openApp(cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	return Open(cmd.Context(), cfg, OpenOptions{SkipMigrations: noMigrate})
}

func wantJSON(cmd *cobra.Command) bool {
	outputJSON, _ := cmd.Flags().GetBool("output")
	return outputJSON
}

func printJSON(cmd *cobra.Command, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(output))
	return nil
}

package commands

import (
	"fmt"

	"github.com/cloo-solutions/unic/internal/config"
	"github.com/cloo-solutions/unic/internal/database"
	"github.com/spf13/cobra"
)

// MigrateCmd creates the migrate command.
func MigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations",
		Long:  "Applies the migrations in UNIC_MIGRATIONS_DIR to UNIC_DATABASE_URL.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Store != config.StorePostgres || cfg.DatabaseURL == "" {
				return fmt.Errorf("migrate needs UNIC_STORE=postgres and UNIC_DATABASE_URL")
			}

			direction := database.Up
			if down {
				direction = database.Down
			}
			version, err := database.Migrate(cfg.DatabaseURL, cfg.MigrationsDir, direction)
			if err != nil {
				return err
			}

			if wantJSON(cmd) {
				return printJSON(cmd, map[string]any{"direction": direction, "version": version})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll every migration back")

	return cmd
}

package commands

import (
	"fmt"

	"github.com/cloo-solutions/unic/internal/config"
	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/service"
	"github.com/spf13/cobra"
)

// CategorizeCmd creates the categorize command.
func CategorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categorize <text>",
		Short: "Preview the categories assigned to a text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			categorizer := service.NewCategorizer(engineConfig(cfg).Categorizer)
			text := domain.NormalizeText(args[0])
			categories := categorizer.Categorize(text)

			if wantJSON(cmd) {
				return printJSON(cmd, map[string]any{
					"categories": categories,
					"scores":     categorizer.Scores(text),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), joinCategories(categories))
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/jobs"
	"github.com/cloo-solutions/unic/internal/service"
	"github.com/spf13/cobra"
)

// RecategorizeCmd creates the recategorize command.
func RecategorizeCmd() *cobra.Command {
	var (
		limit int
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "recategorize",
		Short: "Label entries stored without categories",
		Long: `Scores entries whose category set is empty with the current rules and adds
any categories found. A one-shot run walks every uncategorized entry in pages
of --limit. With --watch it scores one page every UNIC_RECATEGORIZE_INTERVAL
until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecategorize(cmd, limit, watch)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", service.DefaultRecategorizeBatch, "Entries scored per page")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep running on an interval")

	return cmd
}

func runRecategorize(cmd *cobra.Command, limit int, watch bool) error {
	ctx := cmd.Context()
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if watch {
		worker := jobs.NewWorker("recategorize", jobs.NewRecategorizeProcessor(app.Engine, limit), app.Config.RecategorizeInterval)
		worker.Start(ctx)
		return nil
	}

	var labeled, scanned int
	cursor := domain.EntryCursor{}
	for {
		pass, err := app.Engine.Recategorize(ctx, cursor, limit)
		if pass != nil {
			labeled += pass.Labeled
			scanned += pass.Scanned
		}
		if err != nil {
			return fmt.Errorf("recategorize failed after %d entries: %w", labeled, err)
		}
		if pass.Done {
			break
		}
		cursor = pass.Next
	}

	if wantJSON(cmd) {
		return printJSON(cmd, map[string]int{"labeled": labeled, "scanned": scanned})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Labeled %d of %d uncategorized entries\n", labeled, scanned)
	return nil
}

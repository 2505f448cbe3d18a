package commands

import (
	"fmt"
	"sort"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/spf13/cobra"
)

// StatsView is the printable form of store statistics
type StatsView struct {
	TotalEntries       int64            `json:"total_entries"`
	EntriesPerCategory map[string]int64 `json:"entries_per_category"`
	EntriesPerSource   map[string]int64 `json:"entries_per_source"`
}

// StatsCmd creates the stats command.
func StatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	stats, err := app.Engine.GetStatistics(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get statistics: %w", err)
	}

	view := StatsView{
		TotalEntries:       stats.TotalEntries,
		EntriesPerCategory: make(map[string]int64, len(stats.EntriesPerCategory)),
		EntriesPerSource:   stats.EntriesPerSource,
	}
	for c, n := range stats.EntriesPerCategory {
		view.EntriesPerCategory[string(c)] = n
	}

	if wantJSON(cmd) {
		return printJSON(cmd, view)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Total entries: %d\n\nBy category:\n", view.TotalEntries)
	for _, c := range domain.AllCategories {
		fmt.Fprintf(w, "  %-14s %d\n", c, view.EntriesPerCategory[string(c)])
	}

	sources := make([]string, 0, len(view.EntriesPerSource))
	for s := range view.EntriesPerSource {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	fmt.Fprintln(w, "\nBy source:")
	for _, s := range sources {
		fmt.Fprintf(w, "  %-14s %d\n", s, view.EntriesPerSource[s])
	}
	return nil
}

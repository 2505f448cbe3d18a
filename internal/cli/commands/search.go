package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/spf13/cobra"
)

// SearchResult is the printable form of a scored entry
type SearchResult struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Source     string            `json:"source"`
	Categories []domain.Category `json:"categories"`
	Score      float64           `json:"score"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchCmd creates the search command.
func SearchCmd() *cobra.Command {
	var (
		limit    int
		category string
		source   string
		since    string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search knowledge",
		Long:  "Ranks stored entries by semantic similarity to the query.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(category, source, since, time.Now())
			if err != nil {
				return err
			}
			return runSearch(cmd, args[0], limit, filters)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum number of results")
	cmd.Flags().StringVarP(&category, "category", "c", "", "Only entries with this category")
	cmd.Flags().StringVar(&source, "source", "", "Only entries from this source")
	cmd.Flags().StringVar(&since, "since", "", "Only entries created after a duration ago (24h) or a date (2006-01-02, RFC3339)")

	return cmd
}

func parseFilters(category, source, since string, now time.Time) (domain.SearchFilters, error) {
	var filters domain.SearchFilters
	if category != "" {
		c, err := domain.ParseCategory(category)
		if err != nil {
			return filters, domain.Wrap(domain.ErrInvalidFilter, err)
		}
		filters.Category = c
	}
	filters.Source = source

	if since != "" {
		t, err := parseSince(since, now)
		if err != nil {
			return filters, domain.Wrap(domain.ErrInvalidFilter, err)
		}
		filters.Since = t
	}
	return filters, nil
}

func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("since %q is neither a duration nor a date", s)
}

func runSearch(cmd *cobra.Command, query string, limit int, filters domain.SearchFilters) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	scored, err := app.Engine.Search(cmd.Context(), query, limit, filters)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(scored))
	for _, s := range scored {
		results = append(results, SearchResult{
			ID:         s.Entry.ID,
			Text:       s.Entry.Text,
			Source:     s.Entry.Source,
			Categories: s.Entry.Categories,
			Score:      s.Score,
			CreatedAt:  s.Entry.CreatedAt,
			Metadata:   s.Entry.Metadata,
		})
	}

	if wantJSON(cmd) {
		return printJSON(cmd, results)
	}

	w := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return nil
	}

	fmt.Fprintf(w, "Found %d results:\n\n", len(results))
	for i, r := range results {
		text := r.Text
		if len(text) > 100 {
			text = text[:97] + "..."
		}
		fmt.Fprintf(w, "%d. %s (%.4f)\n", i+1, text, r.Score)
		fmt.Fprintf(w, "   Source: %s  Categories: %s\n", r.Source, joinCategories(r.Categories))
		fmt.Fprintf(w, "   ID: %s\n", r.ID)
		if i < len(results)-1 {
			fmt.Fprintln(w, strings.Repeat("-", 40))
		}
	}
	return nil
}

func joinCategories(categories []domain.Category) string {
	if len(categories) == 0 {
		return "-"
	}
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, string(c))
	}
	return strings.Join(names, ",")
}

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/fragments"
	"github.com/cloo-solutions/unic/internal/retry"
	"github.com/cloo-solutions/unic/internal/storage"
	"github.com/spf13/cobra"
)

// OutcomeView is the printable form of one fragment's outcome
type OutcomeView struct {
	Index   int    `json:"index"`
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Verdict string `json:"verdict,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IngestReport summarizes an ingest run
type IngestReport struct {
	Total     int            `json:"total"`
	Persisted int            `json:"persisted"`
	Rejected  map[string]int `json:"rejected"`
	Outcomes  []OutcomeView  `json:"outcomes"`
}

// IngestCmd creates the ingest command.
func IngestCmd() *cobra.Command {
	var (
		source string
		text   string
		fromS3 bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [file.jsonl]",
		Short: "Ingest fragments",
		Long: `Ingests fragments from a JSONL file (one {"text","source","metadata"} object
per line), from stdin when the file is "-" or omitted, from the configured S3
bucket with --s3, or a single fragment with --text.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runIngest(cmd, path, source, text, fromS3)
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "manual", "Source for fragments that do not name one")
	cmd.Flags().StringVar(&text, "text", "", "Ingest a single fragment with this text")
	cmd.Flags().BoolVar(&fromS3, "s3", false, "Fetch fragments from the configured S3 bucket")

	return cmd
}

func runIngest(cmd *cobra.Command, path, source, text string, fromS3 bool) error {
	ctx := cmd.Context()
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	frags, err := readFragments(ctx, cmd, app, path, source, text, fromS3)
	if err != nil {
		return err
	}

	outcomes, batchErr := app.Engine.IngestBatch(ctx, frags)
	if batchErr == nil {
		retryTransient(ctx, app, frags, outcomes)
	}

	report := buildReport(outcomes)
	if wantJSON(cmd) {
		if err := printJSON(cmd, report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), report)
	}

	if batchErr != nil {
		return fmt.Errorf("ingest stopped: %w", batchErr)
	}
	return nil
}

func readFragments(ctx context.Context, cmd *cobra.Command, app *App, path, source, text string, fromS3 bool) ([]domain.Fragment, error) {
	switch {
	case text != "":
		return []domain.Fragment{{Text: text, Source: source}}, nil

	case fromS3:
		cfg := app.Config
		if !cfg.HasS3() {
			return nil, fmt.Errorf("S3 is not configured: UNIC_S3_ENDPOINT, UNIC_S3_ACCESS_KEY_ID and UNIC_S3_SECRET_ACCESS_KEY are required")
		}
		src, err := storage.NewS3FragmentSource(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			UsePathStyle:    true,
		}, app.Retry)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 source: %w", err)
		}
		return src.Fetch(ctx)
	}

	var r io.Reader = cmd.InOrStdin()
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	frags, err := fragments.DecodeJSONL(r, source)
	if err != nil {
		return nil, fmt.Errorf("failed to read fragments: %w", err)
	}
	return frags, nil
}

// retryTransient re-ingests fragments whose rejection the engine marked
// retryable. The batch run counts as the first attempt of the app's policy.
func retryTransient(ctx context.Context, app *App, frags []domain.Fragment, outcomes []*domain.IngestOutcome) {
	for i, o := range outcomes {
		if o == nil || !domain.IsRetryable(o.Err) {
			continue
		}
		last := o
		_ = retry.Resume(ctx, app.Retry, "ingest", o.Err, func(ctx context.Context) error {
			out, err := app.Engine.IngestOne(ctx, frags[i])
			if out != nil {
				last = out
			}
			return err
		})
		outcomes[i] = last
	}
}

func buildReport(outcomes []*domain.IngestOutcome) IngestReport {
	report := IngestReport{
		Total:    len(outcomes),
		Rejected: map[string]int{},
		Outcomes: make([]OutcomeView, 0, len(outcomes)),
	}
	for i, o := range outcomes {
		view := OutcomeView{Index: i, Status: string(o.Status), ID: o.ID, Reason: string(o.Reason)}
		if o.Verdict != nil {
			view.Verdict = o.Verdict.String()
		}
		if o.Err != nil {
			view.Error = o.Err.Error()
		}
		if o.IsPersisted() {
			report.Persisted++
		} else {
			report.Rejected[string(o.Reason)]++
		}
		report.Outcomes = append(report.Outcomes, view)
	}
	return report
}

func printReport(w io.Writer, report IngestReport) {
	fmt.Fprintf(w, "Ingested %d of %d fragments\n", report.Persisted, report.Total)
	if len(report.Rejected) == 0 {
		return
	}

	reasons := make([]string, 0, len(report.Rejected))
	for reason := range report.Rejected {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, report.Rejected[reason]))
	}
	fmt.Fprintf(w, "Rejected: %s\n", strings.Join(parts, ", "))

	for _, o := range report.Outcomes {
		if o.Error != "" {
			fmt.Fprintf(w, "  #%d %s: %s\n", o.Index, o.Reason, o.Error)
		}
	}
}

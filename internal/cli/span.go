package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vjranagit/loopstore/pkg/api"
	"github.com/vjranagit/loopstore/pkg/timeline"
)

// SpanOptions holds flags for the span command.
type SpanOptions struct {
	*RootOptions
	RangeOptions
	Target    time.Duration
	Tolerance time.Duration
}

// NewSpanCommand creates the span command.
func NewSpanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SpanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "span",
		Short: "Check whether series cover a target duration",
		Long: `Check, per matching series, whether the time from its first to its last
sample start lies within tolerance/2 of --target. Series with fewer than
two samples never match.

Exit codes:
  0 - Every matching series spans the target
  1 - At least one series does not, or nothing matched
  2 - Command error

Examples:
  loopstore span --kind glucose --target 6h
  loopstore span --kind glucose --target 30m --tolerance 2m --start 2024-03-01T10:00:00Z`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpan(cmd, opts)
		},
	}

	opts.RangeOptions.register(cmd.Flags())
	cmd.Flags().DurationVar(&opts.Target, "target", 0, "duration the series should span (required)")
	_ = cmd.MarkFlagRequired("target")
	cmd.Flags().DurationVar(&opts.Tolerance, "tolerance", timeline.DefaultSpanTolerance, "full width of the accepted band around --target")

	return cmd
}

func runSpan(cmd *cobra.Command, opts *SpanOptions) (err error) {
	req, err := opts.request()
	if err != nil {
		return err
	}

	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	store, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer closeStorage(store, &err)

	result, err := store.Query(cmd.Context(), req)
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}

	resp := api.SpanResponse{
		Target:    opts.Target.String(),
		Tolerance: opts.Tolerance.String(),
		Series:    api.EvaluateSpans(result.Series, opts.Target, opts.Tolerance),
	}

	if opts.Format == "json" {
		if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	} else {
		outputSpanText(cmd, resp, opts.Tolerance)
	}

	if !allSpan(resp.Series) {
		return NewExitError(ExitFailure, "span check failed")
	}
	return nil
}

func outputSpanText(cmd *cobra.Command, resp api.SpanResponse, tolerance time.Duration) {
	out := cmd.OutOrStdout()
	if len(resp.Series) == 0 {
		fmt.Fprintln(out, "No series matched.")
		return
	}
	for _, r := range resp.Series {
		mark := "FAIL"
		if r.Spans {
			mark = "OK"
		}
		span := r.Span
		if span == "" {
			span = "-"
		}
		fmt.Fprintf(out, "%-4s %s  span=%s target=%s±%s samples=%d\n",
			mark, formatSource(r.Source), span, resp.Target, tolerance/2, r.Samples)
	}
}

func allSpan(reports []api.SpanReport) bool {
	if len(reports) == 0 {
		return false
	}
	for _, r := range reports {
		if !r.Spans {
			return false
		}
	}
	return true
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vjranagit/loopstore/pkg/api"
	"github.com/vjranagit/loopstore/pkg/types"
)

// SelectOptions picks the series a read command looks at.
type SelectOptions struct {
	PatientID string
	Kind      string
	Selector  string
}

func (o *SelectOptions) register(flags *pflag.FlagSet) {
	flags.StringVar(&o.PatientID, "patient", "default", "patient id")
	flags.StringVar(&o.Kind, "kind", "", "sample kind, e.g. glucose (empty matches all)")
	flags.StringVar(&o.Selector, "selector", "", "label matchers, e.g. device=g6,site=arm")
}

// RangeOptions adds an optional [start, end] range to SelectOptions.
type RangeOptions struct {
	SelectOptions
	Start string
	End   string
}

func (o *RangeOptions) register(flags *pflag.FlagSet) {
	o.SelectOptions.register(flags)
	flags.StringVar(&o.Start, "start", "", "range start, RFC3339 (empty is unbounded)")
	flags.StringVar(&o.End, "end", "", "range end, RFC3339 (empty is unbounded)")
}

func (o *RangeOptions) request() (*types.QueryRequest, error) {
	selector, err := api.ParseSelector(o.Selector)
	if err != nil {
		return nil, NewExitError(ExitCommandError, err.Error())
	}
	req := &types.QueryRequest{
		PatientID: o.PatientID,
		Kind:      o.Kind,
		Selector:  selector,
	}
	if req.Start, err = api.ParseTime(o.Start); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --start", err)
	}
	if req.End, err = api.ParseTime(o.End); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --end", err)
	}
	return req, nil
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	RangeOptions
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List samples overlapping a time range",
		Long: `List every sample whose [start, end] overlaps the given range.
Both bounds are inclusive; a missing bound leaves that side open.

Examples:
  loopstore query --kind glucose --start 2024-03-01T00:00:00Z --end 2024-03-02T00:00:00Z
  loopstore query --patient alice --kind insulin --selector type=bolus --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts)
		},
	}

	opts.RangeOptions.register(cmd.Flags())

	return cmd
}

func runQuery(cmd *cobra.Command, opts *QueryOptions) (err error) {
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

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	return outputQueryText(cmd, result)
}

func outputQueryText(cmd *cobra.Command, result *types.QueryResult) error {
	out := cmd.OutOrStdout()
	if len(result.Series) == 0 {
		fmt.Fprintln(out, "No samples found.")
		return nil
	}
	for _, s := range result.Series {
		fmt.Fprintf(out, "%s (%d samples)\n", formatSource(s.Source), len(s.Samples))
		for _, sample := range s.Samples {
			fmt.Fprintf(out, "  %s\n", formatSample(sample))
		}
	}
	return nil
}

// parseAt parses an RFC3339 instant, defaulting to now
func parseAt(raw string) (time.Time, error) {
	at, err := api.ParseTime(raw)
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, "invalid --at", err)
	}
	if at == nil {
		return time.Now(), nil
	}
	return *at, nil
}

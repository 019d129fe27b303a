package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vjranagit/loopstore/pkg/api"
	"github.com/vjranagit/loopstore/pkg/types"
)

// ClosestOptions holds flags for the closest command.
type ClosestOptions struct {
	*RootOptions
	SelectOptions
	At string
}

// NewClosestCommand creates the closest command.
func NewClosestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClosestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "closest",
		Short: "Show the latest sample starting at or before a time",
		Long: `Show, per matching series, the sample with the latest start that is
not after --at. A sample starting exactly at --at qualifies.

Examples:
  loopstore closest --kind glucose
  loopstore closest --kind glucose --at 2024-03-01T10:15:00Z --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClosest(cmd, opts)
		},
	}

	opts.SelectOptions.register(cmd.Flags())
	cmd.Flags().StringVar(&opts.At, "at", "", "reference time, RFC3339 (default now)")

	return cmd
}

func runClosest(cmd *cobra.Command, opts *ClosestOptions) (err error) {
	selector, err := api.ParseSelector(opts.Selector)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	at, err := parseAt(opts.At)
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

	result, err := store.ClosestPrior(cmd.Context(), &types.ClosestRequest{
		PatientID: opts.PatientID,
		Kind:      opts.Kind,
		Selector:  selector,
		At:        at,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "closest query failed", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}

	out := cmd.OutOrStdout()
	if len(result.Matches) == 0 {
		fmt.Fprintf(out, "No sample at or before %s.\n", at.Format(time.RFC3339))
		return nil
	}
	for _, m := range result.Matches {
		fmt.Fprintf(out, "%s  %s\n", formatSource(m.Source), formatSample(m.Sample))
	}
	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vjranagit/loopstore/pkg/storage"
	"github.com/vjranagit/loopstore/pkg/types"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	PatientID string
	BatchSize int
}

// ImportResult reports what an import wrote.
type ImportResult struct {
	Files   int `json:"files"`
	Series  int `json:"series"`
	Samples int `json:"samples"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import write requests from YAML or JSON files",
		Long: `Read write requests from files and store them in batches.

Files ending in .json are decoded as JSON, anything else as YAML. Each file
holds one write request: a patient_id and a list of series.

Examples:
  loopstore import readings.yaml
  loopstore import --patient alice --batch-size 50 day1.json day2.json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.PatientID, "patient", "", "patient id (overrides the files' patient_id)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 100, "write requests buffered per storage write")

	return cmd
}

func runImport(cmd *cobra.Command, opts *ImportOptions, files []string) (err error) {
	requests := make([]*types.WriteRequest, 0, len(files))
	for _, path := range files {
		req, err := readWriteRequest(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read "+path, err)
		}
		if opts.PatientID != "" {
			req.PatientID = opts.PatientID
		}
		requests = append(requests, req)
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

	result, err := importRequests(cmd.Context(), store, requests, opts.BatchSize)
	if err != nil {
		return WrapExitError(ExitCommandError, "import failed", err)
	}
	log.Debugw("import finished", "files", result.Files, "samples", result.Samples)

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d samples in %d series from %d files\n",
		result.Samples, result.Series, result.Files)
	return nil
}

func importRequests(ctx context.Context, store storage.Storage, requests []*types.WriteRequest, batchSize int) (ImportResult, error) {
	bw := storage.NewBatchWriter(store, batchSize)
	result := ImportResult{Files: len(requests)}

	for _, req := range requests {
		if err := bw.Write(ctx, req); err != nil {
			return result, err
		}
		result.Series += len(req.Series)
	}
	if err := bw.Close(ctx); err != nil {
		return result, err
	}

	result.Samples = bw.Written()
	return result, nil
}

// readWriteRequest decodes one write request, picking the codec by extension
func readWriteRequest(path string) (*types.WriteRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var req types.WriteRequest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &req)
	} else {
		err = yaml.Unmarshal(data, &req)
	}
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &req, nil
}

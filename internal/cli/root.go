package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/vjranagit/loopstore/internal/config"
	"github.com/vjranagit/loopstore/internal/logger"
	"github.com/vjranagit/loopstore/pkg/storage"
)

const version = "0.3.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the loopstore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "loopstore",
		Short:   "loopstore - timeline store for diabetes data",
		Long:    "A store for glucose, insulin and carbohydrate samples with time range, closest-prior and span queries.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./loopstore.yaml or /etc/loopstore/loopstore.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewClosestCommand(opts))
	cmd.AddCommand(NewSpanCommand(opts))

	return cmd
}

// load reads the configuration and builds the logger for a command run.
func (o *RootOptions) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	level := cfg.Log.Level
	if o.Verbose {
		level = logger.DebugLevel
	}
	return cfg, logger.Get(level), nil
}

// openStorage opens the configured store, wrapped in the query cache when enabled.
func openStorage(cfg *config.Config, log *logger.Logger) (storage.Storage, error) {
	store, err := storage.NewStorage(cfg.ToStorageConfig(log))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	if cfg.Cache.Capacity > 0 {
		return storage.NewCachedStorage(store, cfg.Cache.Capacity, cfg.Cache.TTL), nil
	}
	return store, nil
}

// closeStorage closes store and reports a failure through err unless the
// command already failed
func closeStorage(store storage.Storage, err *error) {
	if cerr := store.Close(); cerr != nil && *err == nil {
		*err = WrapExitError(ExitCommandError, "failed to close storage", cerr)
	}
}

// Command livepatch boots a host application described by chunk files under
// the reference loader, applies patch files to its module factories and
// reports what changed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"livepatch/internal/config"
	"livepatch/internal/logging"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	mode       string
	patchDir   string
	verbose    bool

	cfg  *config.Config
	logs *logging.Set
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "livepatch",
		Short: "Patch module factories of a bundled application at load time",
		Long: `livepatch intercepts a host application's module loader as it boots,
rewrites module factory source with declarative find/replace patches and
offers lazy lookups over the loaded modules.

Chunk files describe the application: chunks of modules whose factories are
Go function literals. Patch files (one owner per file) live in the patch
directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logs != nil {
				opts.logs.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "livepatch.yaml", "Config file")
	cmd.PersistentFlags().StringVar(&opts.mode, "mode", "", "Override mode (development or production)")
	cmd.PersistentFlags().StringVarP(&opts.patchDir, "patches", "p", "", "Patch directory (default from config)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(newApplyCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newExtractCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

// init loads the configuration and applies flag overrides.
func (o *globalOptions) init() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.mode != "" {
		cfg.Mode = config.Mode(o.mode)
	}
	if o.patchDir != "" {
		cfg.Patches.Dir = o.patchDir
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logs, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	o.cfg = cfg
	o.logs = logs
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"livepatch/internal/config"
	"livepatch/internal/logging"
	"livepatch/internal/patcher"
)

// applyParams bundles the flags of the apply command.
type applyParams struct {
	stdout   io.Writer
	chunks   []string
	outDir   string
	showDiff bool
	lazy     bool
}

func newApplyCmd(opts *globalOptions) *cobra.Command {
	p := applyParams{}
	cmd := &cobra.Command{
		Use:   "apply <chunk-file>...",
		Short: "Boot the chunk files with every patch applied and report the result",
		Example: `  livepatch apply app.yaml
  livepatch apply --lazy --out patched/ app.yaml vendor.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.stdout = cmd.OutOrStdout()
			p.chunks = args
			return runApply(cmd.Context(), opts.cfg, opts.logs, p, nil)
		},
	}
	cmd.Flags().StringVarP(&p.outDir, "out", "o", "", "Write extracted patched modules to this directory")
	cmd.Flags().BoolVar(&p.showDiff, "diff", true, "Show before/after/diff for patched modules")
	cmd.Flags().BoolVar(&p.lazy, "lazy", false, "Also load every lazy chunk")
	return cmd
}

// runApply boots one session and prints its patch report. defs, when not
// nil, replace the patch directory's contents.
func runApply(ctx context.Context, cfg *config.Config, logs *logging.Set, p applyParams, defs []patcher.PatchDefinition) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logs.Get(logging.CategoryCLI)

	// Diffs need the patched text.
	run := *cfg
	run.Patches.RetainPatchedSource = true

	in, err := readInputs(ctx, p.chunks, cfg.Patches.Dir)
	if err != nil {
		return err
	}
	if defs != nil {
		in.patches = nil
	}
	s, err := bootSession(&run, logs, in, defs...)
	if err != nil {
		return err
	}
	defer s.close()

	if p.lazy {
		if err := s.loadLazy(ctx); err != nil {
			return err
		}
	}

	report := s.rt.Patcher().Report()
	modules := report.Modules()
	for _, rep := range modules {
		f, _ := s.loader.Factories().Get(rep.ID)
		renderModule(p.stdout, rep, f, p.showDiff)
	}
	renderPending(p.stdout, s.rt.Patches().Pending())
	fmt.Fprintf(p.stdout, "%d modules touched, %d replacements applied, %d errors\n",
		len(modules), report.Count(patcher.EventApplied), report.Count(patcher.EventError))

	if p.outDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	written := 0
	for _, rep := range modules {
		if len(rep.PatchedBy) == 0 {
			continue
		}
		text, err := s.rt.Resolver().Extract(rep.ID)
		if err != nil {
			return err
		}
		path := filepath.Join(p.outDir, "module-"+rep.ID+".txt")
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		written++
	}
	log.Info("Wrote %d patched modules to %s", written, p.outDir)
	return nil
}

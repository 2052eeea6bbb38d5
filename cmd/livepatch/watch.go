package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"livepatch/internal/logging"
	"livepatch/internal/patcher"
	"livepatch/internal/patchfile"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	p := applyParams{}
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch <chunk-file>...",
		Short: "Re-run apply whenever a patch file changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			p.stdout = cmd.OutOrStdout()
			p.chunks = args
			return runWatch(ctx, opts, p, debounce)
		},
	}
	cmd.Flags().BoolVar(&p.showDiff, "diff", true, "Show before/after/diff for patched modules")
	cmd.Flags().BoolVar(&p.lazy, "lazy", false, "Also load every lazy chunk")
	cmd.Flags().DurationVar(&debounce, "debounce", patchfile.DefaultDebounce, "Quiet period before a changed file is reloaded")
	return cmd
}

// runWatch applies once, then again after every settled patch file change,
// until ctx is done. Each run boots a fresh host so consumed patches apply
// again.
func runWatch(ctx context.Context, opts *globalOptions, p applyParams, debounce time.Duration) error {
	log := opts.logs.Get(logging.CategoryCLI)
	list := patcher.NewPatchList()

	w, err := patchfile.NewWatcher(opts.cfg.Patches.Dir, list, opts.logs, patchfile.WithDebounce(debounce))
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	trigger := make(chan struct{}, 1)
	w.OnReload(func(owner string, count int) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	// Start's initial load already queued a run when files exist.
	select {
	case trigger <- struct{}{}:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
			snapshot := list.Snapshot()
			defs := make([]patcher.PatchDefinition, 0, len(snapshot))
			for _, patch := range snapshot {
				defs = append(defs, patch.Def)
			}
			fmt.Fprintln(p.stdout, mutedStyle.Render(fmt.Sprintf("--- %s: %d patches from %v", time.Now().Format(time.TimeOnly), len(defs), w.Owners())))
			if err := runApply(ctx, opts.cfg, opts.logs, p, defs); err != nil {
				log.Error("Apply failed: %v", err)
			}
		}
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newExtractCmd(opts *globalOptions) *cobra.Command {
	var lazy bool
	cmd := &cobra.Command{
		Use:   "extract <module-id> <chunk-file>...",
		Short: "Print a module's code as the loader sees it, patched and laid out",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			in, err := readInputs(ctx, args[1:], opts.cfg.Patches.Dir)
			if err != nil {
				return err
			}
			s, err := bootSession(opts.cfg, opts.logs, in)
			if err != nil {
				return err
			}
			defer s.close()
			if lazy {
				if err := s.loadLazy(ctx); err != nil {
					return err
				}
			}

			text, err := s.rt.Resolver().Extract(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&lazy, "lazy", false, "Also load every lazy chunk")
	return cmd
}

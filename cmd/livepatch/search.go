package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"livepatch/internal/logging"
	"livepatch/internal/lookup"
	"livepatch/internal/patcher"
)

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		code     []string
		patterns []string
		props    []string
		lazy     bool
	)
	cmd := &cobra.Command{
		Use:   "search <chunk-file>...",
		Short: "List modules whose code or exports match",
		Example: `  livepatch search --code '"TARGET"' app.yaml
  livepatch search --pattern '\i\.greet\(' app.yaml
  livepatch search --props greeting,who app.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(code)+len(patterns)+len(props) == 0 {
				return fmt.Errorf("nothing to search for: pass --code, --pattern or --props")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			in, err := readInputs(ctx, args, opts.cfg.Patches.Dir)
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

			out := cmd.OutOrStdout()
			r := s.rt.Resolver()

			var matchers []patcher.Matcher
			for _, c := range code {
				matchers = append(matchers, patcher.Literal(c))
			}
			for _, p := range patterns {
				matchers = append(matchers, patcher.Pattern(p))
			}
			if len(matchers) > 0 {
				found := r.Search(matchers...)
				ids := make([]string, 0, len(found))
				for id := range found {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					line := id
					if by := found[id].PatchedBy; len(by) > 0 {
						line += mutedStyle.Render(" (patched by " + strings.Join(by, ", ") + ")")
					}
					fmt.Fprintln(out, line)
				}
				fmt.Fprintf(out, "%d modules match %d matchers\n", len(ids), len(matchers))
			}

			if len(props) > 0 {
				s.requireAll(opts.logs.Get(logging.CategoryCLI))
				m, ok, err := r.CacheFindMatch(lookup.ByProps(props...))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, warnStyle.Render("no loaded module exports "+strings.Join(props, ", ")))
					return nil
				}
				where := "exports"
				if m.ExportKey != "" {
					where = "exports." + m.ExportKey
				}
				fmt.Fprintf(out, "%s %s\n", headerStyle.Render(m.ID), where)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&code, "code", nil, "Literal text the module code must contain (repeatable)")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, `Pattern the module code must match; \i is an identifier (repeatable)`)
	cmd.Flags().StringSliceVar(&props, "props", nil, "Property names the module exports must all carry")
	cmd.Flags().BoolVar(&lazy, "lazy", false, "Also load every lazy chunk")
	return cmd
}

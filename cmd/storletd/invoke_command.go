package main

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"storlets/internal/catalog"
	"storlets/internal/gateway"
	"storlets/internal/logging"
)

func newInvokeCommand(ctx *commandContext) *cobra.Command {
	var params []string
	var meta []string
	var options []string
	var outputPath string

	cmd := &cobra.Command{
		Use:   "invoke <storlet> <object-file>",
		Short: "Run a registered storlet over a local object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			p, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			m, err := parseKeyValues(meta)
			if err != nil {
				return err
			}
			rawOpts, err := parseKeyValues(options)
			if err != nil {
				return err
			}
			opts, err := gateway.ParseOptions(rawOpts)
			if err != nil {
				return err
			}

			input, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("open object: %w", err)
			}
			defer input.Close()

			out := cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			logger, err := logging.NewFromConfig(cfg, "")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			return ctx.withCatalog(func(store *catalog.Store) error {
				gw := gateway.New(cfg, logger, gateway.WithDirectory(store))
				resp, err := gw.Invoke(cmd.Context(), &gateway.Request{
					StorletID:    args[0],
					Params:       p,
					UserMetadata: m,
					Data:         input,
					Options:      opts,
				})
				if err != nil {
					return err
				}
				defer resp.Close()

				if _, err := resp.WriteTo(out); err != nil {
					return fmt.Errorf("task %s: %w", resp.TaskID, err)
				}
				report := cmd.ErrOrStderr()
				fmt.Fprintf(report, "task %s\n", resp.TaskID)
				for _, key := range slices.Sorted(maps.Keys(resp.Metadata)) {
					fmt.Fprintf(report, "  %s: %s\n", key, resp.Metadata[key])
				}
				if opts.GenerateLog {
					_, _ = report.Write(resp.Log())
				}
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Storlet parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Object metadata as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&options, "option", nil, "Invocation option such as range_end=99 or generate_log=true (repeatable)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the result here instead of stdout")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storlets/internal/catalog"
	"storlets/internal/config"
	"storlets/internal/fileutil"
)

func newRegisterCommand(ctx *commandContext) *cobra.Command {
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Validate and record storlet or dependency uploads",
	}
	registerCmd.AddCommand(newRegisterStorletCommand(ctx))
	registerCmd.AddCommand(newRegisterDependencyCommand(ctx))
	return registerCmd
}

func newRegisterStorletCommand(ctx *commandContext) *cobra.Command {
	var params []string
	var source string

	cmd := &cobra.Command{
		Use:   "storlet <object-name>",
		Short: "Register a storlet (headers: Language, Interface-Version, Object-Metadata, Main, Dependency)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			p, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withCatalog(func(store *catalog.Store) error {
				st, err := store.RegisterStorlet(cmd.Context(), name, p)
				if err != nil {
					return err
				}
				if source != "" {
					if err := installArtifact(cmd.OutOrStdout(), cfg, name, name, source, 0o644); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered storlet %s (%s, main %s)\n", st.Name, st.Language, st.Main)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Registration header as Key=Value (repeatable)")
	cmd.Flags().StringVar(&source, "file", "", "Install this artifact into the storlet directory")
	return cmd
}

func newRegisterDependencyCommand(ctx *commandContext) *cobra.Command {
	var params []string
	var source string
	var storlet string

	cmd := &cobra.Command{
		Use:   "dependency <object-name>",
		Short: "Register a dependency (headers: Dependency-Version, Dependency-Permissions)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			p, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			if source != "" && storlet == "" {
				return fmt.Errorf("--file requires --storlet to pick the install directory")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withCatalog(func(store *catalog.Store) error {
				dep, err := store.RegisterDependency(cmd.Context(), name, p)
				if err != nil {
					return err
				}
				if source != "" {
					perm := os.FileMode(0o644)
					if dep.Permissions != 0 {
						perm = os.FileMode(dep.Permissions)
					}
					if err := installArtifact(cmd.OutOrStdout(), cfg, storlet, name, source, perm); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered dependency %s (version %s)\n", dep.Name, dep.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Registration header as Key=Value (repeatable)")
	cmd.Flags().StringVar(&source, "file", "", "Install this artifact next to a storlet")
	cmd.Flags().StringVar(&storlet, "storlet", "", "Storlet whose directory receives the artifact")
	return cmd
}

func newUnregisterCommand(ctx *commandContext) *cobra.Command {
	var dependency bool

	cmd := &cobra.Command{
		Use:   "unregister <name>",
		Short: "Remove a storlet (or, with --dependency, a dependency) from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCatalog(func(store *catalog.Store) error {
				kind := "storlet"
				var err error
				if dependency {
					kind = "dependency"
					err = store.DeleteDependency(cmd.Context(), args[0])
				} else {
					err = store.DeleteStorlet(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %s\n", kind, args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dependency, "dependency", false, "Remove a dependency instead of a storlet")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered storlets and dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCatalog(func(store *catalog.Store) error {
				return printCatalog(cmd.Context(), cmd.OutOrStdout(), store)
			})
		},
	}
}

func printCatalog(ctx context.Context, out io.Writer, store *catalog.Store) error {
	storlets, err := store.Storlets(ctx)
	if err != nil {
		return err
	}
	deps, err := store.Dependencies(ctx)
	if err != nil {
		return err
	}
	colorize := shouldColorize(out)

	if len(storlets) == 0 {
		fmt.Fprintln(out, "No storlets registered")
	} else {
		rows := make([][]string, 0, len(storlets))
		for _, st := range storlets {
			rows = append(rows, []string{
				st.Name,
				st.Language,
				st.Main,
				strings.Join(st.Dependencies, ", "),
				formatTime(st.RegisteredAt),
			})
		}
		fmt.Fprintln(out, renderTable([]string{"Storlet", "Language", "Main", "Dependencies", "Registered"}, rows, nil, colorize))
	}

	if len(deps) == 0 {
		fmt.Fprintln(out, "No dependencies registered")
		return nil
	}
	rows := make([][]string, 0, len(deps))
	for _, dep := range deps {
		perm := "-"
		if dep.Permissions != 0 {
			perm = "0" + strconv.FormatUint(uint64(dep.Permissions), 8)
		}
		rows = append(rows, []string{dep.Name, dep.Version, perm, formatTime(dep.RegisteredAt)})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Dependency", "Version", "Permissions", "Registered"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		colorize,
	))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// installArtifact copies source into the directory of storlet under name.
func installArtifact(out io.Writer, cfg *config.Config, storlet, name, source string, perm os.FileMode) error {
	target := filepath.Join(cfg.StorletPath(storlet), filepath.Base(name))
	digest, err := fileutil.InstallFile(source, target, perm)
	if err != nil {
		return fmt.Errorf("install %s: %w", name, err)
	}
	fmt.Fprintf(out, "Installed %s (sha256 %s)\n", target, digest)
	return nil
}

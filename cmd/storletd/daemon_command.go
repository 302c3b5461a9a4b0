package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"storlets/internal/config"
	"storlets/internal/daemon"
	"storlets/internal/factory"
	"storlets/internal/logging"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "daemon <storlet_name> <sbus_path> <log_level> <pool_size> <container_id>",
		Short:       "Serve one storlet on its channel (started by the factory)",
		Args:        cobra.ExactArgs(5),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name, channel, level, containerID := args[0], args[1], args[2], args[4]
			poolSize, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("pool size %q: %w", args[3], err)
			}

			// a daemon has to come up even when the config file is unreadable
			cfg, cfgErr := ctx.ensureConfig()
			if cfgErr != nil {
				defaults := config.Default()
				cfg = &defaults
			}
			logger, err := daemonLogger(cfg, cfgErr == nil, name, level, containerID)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if cfgErr != nil {
				logging.WarnWithContext(logger, "using default configuration", "config_load_failed", logging.Error(cfgErr))
			}

			d, err := daemon.New(daemon.Options{
				StorletName: name,
				Channel:     channel,
				ContainerID: containerID,
				PoolSize:    poolSize,
				ChunkSize:   cfg.Daemon.ChunkSize,
				LogLevel:    level,
				ModulePath:  os.Getenv(factory.ModulePathEnv),
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return exitWith(d.Run(signalCtx))
		},
	}
}

func daemonLogger(cfg *config.Config, useLogDir bool, name, level, containerID string) (*slog.Logger, error) {
	paths := []string{"stderr"}
	if useLogDir && cfg.Paths.LogDir != "" {
		paths = append(paths, filepath.Join(cfg.Paths.LogDir, "daemon-"+name+".log"))
	}
	return logging.NewStorletLogger(level, cfg.Logging.Format, paths, name, containerID)
}

func newTaskCommand() *cobra.Command {
	var rawSpec string

	cmd := &cobra.Command{
		Use:         "task",
		Short:       "Run one storlet task on inherited descriptors",
		Hidden:      true,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := daemon.DecodeTaskSpec(rawSpec)
			if err != nil {
				return err
			}
			logger, err := daemon.TaskLogger(spec, "console", []string{"stderr"})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if err := daemon.RunTask(spec, daemon.OpenTaskFiles(spec.Inputs), logger); err != nil {
				logging.ErrorWithContext(logger, "storlet task failed", "task_failed", logging.Error(err))
				return exitWith(daemon.ExitFailure)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rawSpec, "spec", "", "Task description as JSON")
	return cmd
}

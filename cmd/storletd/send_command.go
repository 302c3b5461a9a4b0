package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"storlets/internal/factory"
	"storlets/internal/sbus"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	var storlet string
	var taskID string
	var params []string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <command> <channel>",
		Short: "Send a service command to a factory or daemon channel",
		Long: "Send a service command such as ping, halt, daemon_status or cancel and print the reply.\n" +
			"`storletd send halt <factory channel>` stops a factory and every daemon it supervises.",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := sbus.ParseCommand(args[0])
			channel := args[1]
			p, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			if storlet != "" {
				p[factory.ParamStorletName] = storlet
			}

			callCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			raw, err := sbus.Client{}.CallRaw(callCtx, channel, command, sbus.Params(p), taskID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			// a halted daemon closes the reply pipe without answering
			if len(raw) == 0 {
				fmt.Fprintf(out, "%s: no reply (peer closed the channel)\n", command)
				return nil
			}
			reply, err := sbus.ParseReply(raw)
			if err != nil {
				return err
			}
			if command == sbus.CommandHalt && reply.OK {
				if rows := parseHaltSummary(reply.Message); len(rows) > 0 {
					fmt.Fprintln(out, renderTable([]string{"Daemon", "State"}, rows, nil, shouldColorize(out)))
					return nil
				}
			}
			fmt.Fprintln(out, reply.String())
			if !reply.OK {
				return exitWith(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storlet, "storlet", "", "Storlet name for daemon_status and stop_daemon")
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id for cancel")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Extra parameter as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the reply")
	return cmd
}

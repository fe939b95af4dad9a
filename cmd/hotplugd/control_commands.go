package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"hotplugd/internal/ipc"
)

func newControlCommands(ctx *commandContext) []*cobra.Command {
	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Ping()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon answered (pid %d)\n", resp.PID)
				return nil
			})
		},
	}

	var force bool
	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload configuration and rules",
		Long: "Reload configuration and rules. Without --force the daemon only reloads\n" +
			"when the rules or configuration changed and the debounce interval passed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Reload(force); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Reload requested")
				return nil
			})
		},
	}
	reloadCmd.Flags().BoolVar(&force, "force", false, "Reload even if nothing changed")

	execQueueCmd := &cobra.Command{
		Use:   "exec-queue",
		Short: "Pause or resume event dispatching",
	}
	execQueueCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop dispatching events; new events keep queueing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.StopExecQueue(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Exec queue stopped")
				return nil
			})
		},
	})
	execQueueCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Resume dispatching events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.StartExecQueue(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Exec queue started")
				return nil
			})
		},
	})

	childrenMaxCmd := &cobra.Command{
		Use:   "children-max N",
		Short: "Set the maximum number of concurrent workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("children-max: %q is not a positive number", args[0])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SetChildrenMax(n)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Children max set to %d\n", resp.Max)
				return nil
			})
		},
	}

	return []*cobra.Command{pingCmd, reloadCmd, execQueueCmd, childrenMaxCmd}
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"hotplugd/internal/daemonctl"
	"hotplugd/internal/ipc"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGraceSlack   = 5 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a detached hotplugd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, daemonLaunchOptions(ctx, startLogLevel), startWaitTimeout)
			if err != nil {
				return err
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override the configured log level")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon, killing it if shutdown stalls",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), stopGrace(ctx))
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the hotplugd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.Restart(
				ctx.socketPath(),
				ctx.configValue(),
				exe,
				daemonLaunchOptions(ctx, restartLogLevel),
				stopGrace(ctx),
				startWaitTimeout,
			)
			if err != nil {
				return err
			}
			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Killed stalled daemon (pid %d)\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintf(stdout, "Daemon restarted (pid %d)\n", result.Start.PID)
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Override the configured log level")

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue and worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			client, err := ipc.Dial(ctx.socketPath())
			if err != nil {
				if statusJSON {
					return wrapDialError(err, ctx.socketPath())
				}
				for _, line := range renderSectionHeader("Daemon", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout, renderStatusLine("Daemon", statusWarn, "not running", colorize))
				return nil
			}
			defer client.Close()

			resp, err := client.Status()
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if statusJSON {
				return writeJSON(cmd, resp)
			}
			renderStatus(stdout, resp, colorize)
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status as JSON")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func renderStatus(out io.Writer, resp *ipc.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	daemonKind, daemonDetail := statusOK, fmt.Sprintf("running (pid %d)", resp.PID)
	if resp.Exiting {
		daemonKind, daemonDetail = statusWarn, fmt.Sprintf("shutting down (pid %d)", resp.PID)
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", daemonKind, daemonDetail, colorize))
	fmt.Fprintln(out, renderStatusLine("Run ID", statusInfo, resp.RunID, colorize))
	if !resp.StartedAt.IsZero() {
		fmt.Fprintln(out, renderStatusLine("Started", statusInfo, resp.StartedAt.Local().Format(time.DateTime), colorize))
	}
	queueKind, queueDetail := statusOK, "dispatching"
	if resp.ExecQueueStopped {
		queueKind, queueDetail = statusWarn, "stopped"
	}
	fmt.Fprintln(out, renderStatusLine("Exec queue", queueKind, queueDetail, colorize))
	fmt.Fprintln(out, renderStatusLine("Children max", statusInfo, strconv.Itoa(resp.ChildrenMax), colorize))
	fmt.Fprintln(out, renderStatusLine("Rules", statusInfo, strconv.Itoa(resp.Rules), colorize))
	fmt.Fprintln(out, renderStatusLine("Watched nodes", statusInfo, strconv.Itoa(resp.Watches), colorize))
	fmt.Fprintln(out, renderStatusLine("History", statusInfo, resp.HistoryPath, colorize))
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Events", colorize) {
		fmt.Fprintln(out, line)
	}
	if len(resp.Events) == 0 {
		fmt.Fprintln(out, "Queue is empty")
	} else {
		rows := make([][]string, 0, len(resp.Events))
		for _, ev := range resp.Events {
			worker, retry := "", ""
			if ev.Worker > 0 {
				worker = strconv.Itoa(ev.Worker)
			}
			if !ev.RetryNext.IsZero() {
				retry = ev.RetryNext.Local().Format(time.TimeOnly)
			}
			rows = append(rows, []string{
				strconv.FormatUint(ev.Seqnum, 10),
				ev.Action,
				ev.DevPath,
				displayState(ev.State),
				worker,
				retry,
			})
		}
		fmt.Fprint(out, renderTable(
			[]string{"Seqnum", "Action", "Device", "State", "Worker", "Retry"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
		))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Workers", colorize) {
		fmt.Fprintln(out, line)
	}
	if len(resp.Workers) == 0 {
		fmt.Fprintln(out, "No workers")
		return
	}
	rows := make([][]string, 0, len(resp.Workers))
	for _, w := range resp.Workers {
		event := ""
		if w.Event > 0 {
			event = strconv.FormatUint(w.Event, 10)
		}
		rows = append(rows, []string{
			strconv.Itoa(w.PID),
			displayState(w.State),
			event,
			w.Started.Local().Format(time.TimeOnly),
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"PID", "State", "Event", "Started"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
	))
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		SocketPath: ctx.socketOverride(),
		ConfigPath: ctx.configPath(),
		LogLevel:   logLevel,
	}
}

// stopGrace waits out the daemon's own worker shutdown before killing it.
func stopGrace(ctx *commandContext) time.Duration {
	if cfg := ctx.configValue(); cfg != nil {
		return cfg.ShutdownTimeout() + stopGraceSlack
	}
	return 30*time.Second + stopGraceSlack
}

package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"hotplugd/internal/ipc"
	"hotplugd/internal/logging"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	var seqnum uint64
	var devpath string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display daemon logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]string{}
			if seqnum > 0 {
				fields[logging.FieldSeqnum] = strconv.FormatUint(seqnum, 10)
			}
			if devpath != "" {
				fields[logging.FieldDevPath] = devpath
			}

			offset := int64(-1)
			limit := lines
			if limit <= 0 {
				offset, limit = 0, 0
			}

			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				printed := false
				for {
					resp, err := client.LogTail(ipc.LogTailRequest{
						Offset:     offset,
						Limit:      limit,
						Follow:     follow,
						WaitMillis: 1000,
						Fields:     fields,
					})
					if err != nil {
						return fmt.Errorf("tail logs: %w", err)
					}
					if resp == nil {
						return errors.New("log tail response missing")
					}
					for _, line := range resp.Lines {
						fmt.Fprintln(out, line)
						printed = true
					}
					offset = resp.Offset
					limit = 0
					if !follow {
						if !printed {
							fmt.Fprintln(out, "No log entries available")
						}
						return nil
					}
					select {
					case <-cmd.Context().Done():
						return nil
					default:
					}
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "Number of lines to show (0 for all)")
	cmd.Flags().Uint64Var(&seqnum, "seqnum", 0, "Only show lines about this event")
	cmd.Flags().StringVar(&devpath, "devpath", "", "Only show lines about this device")
	return cmd
}

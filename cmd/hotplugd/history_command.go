package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hotplugd/internal/history"
	"hotplugd/internal/ipc"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var outcomes []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded event outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.History(ipc.HistoryRequest{Limit: limit, Outcomes: outcomes})
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Records) == 0 {
					fmt.Fprintln(out, "No recorded events")
				} else {
					fmt.Fprint(out, renderTable(
						[]string{"Seqnum", "Action", "Device", "Outcome", "Detail", "Recorded"},
						historyRows(resp.Records),
						[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
					))
				}
				if totals := formatTotals(resp.Totals); totals != "" {
					fmt.Fprintf(out, "Totals: %s\n", totals)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	cmd.Flags().StringSliceVar(&outcomes, "outcome", nil, "Only show these outcomes (processed, worker_failed, retry_timeout, dropped)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func historyRows(records []history.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			strconv.FormatUint(rec.Seqnum, 10),
			rec.Action,
			rec.DevPath,
			displayState(string(rec.Outcome)),
			recordDetail(rec),
			rec.RecordedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func recordDetail(rec history.Record) string {
	var parts []string
	if rec.Signal != "" {
		parts = append(parts, "signal "+rec.Signal)
	} else if rec.ExitStatus != 0 {
		parts = append(parts, "exit "+strconv.Itoa(rec.ExitStatus))
	}
	if rec.Error != "" {
		parts = append(parts, rec.Error)
	}
	return strings.Join(parts, "; ")
}

func formatTotals(totals map[string]int) string {
	parts := make([]string, 0, len(totals))
	for _, name := range ipc.SortedOutcomes(totals) {
		parts = append(parts, fmt.Sprintf("%s %d", displayState(name), totals[name]))
	}
	return strings.Join(parts, ", ")
}

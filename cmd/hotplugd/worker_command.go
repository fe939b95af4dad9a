package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hotplugd/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "worker",
		Short:       "Process device events handed over by the daemon (internal)",
		Hidden:      true,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			channel := os.NewFile(worker.ChannelFD, "worker-channel")
			return worker.Main(ctx, cmd.InOrStdin(), channel)
		},
	}
}

package cmd

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the agent",
		Long:    `Stop the background agent, closing every relay forward.`,
		Aliases: []string{"down"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()

			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			// Forwards get a few seconds each to exit
			for range 100 {
				time.Sleep(100 * time.Millisecond)
				if !daemon.IsRunning() {
					slog.Debug("Daemon shutdown confirmed")
					return
				}
			}
			slog.Warn("Daemon did not shut down within timeout, but stop command was sent")
		},
	}
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/daemon"
	"go.olrik.dev/inspectd/internal/keyring"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the agent in the background",
		Long: `Start the agent in the background.

It keeps running until stopped with 'inspectd stop'. If it is already
running, this command reports its version.`,
		Aliases: []string{"up"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("VERSION")
			if err == nil {
				var data struct {
					Version string `json:"version"`
				}
				if response.DecodeData(&data) == nil && data.Version != "" {
					slog.Info(fmt.Sprintf("Daemon is already running (version %s)", core.FormatVersion(data.Version)))
					return
				}
				slog.Info("Daemon is already running")
				return
			}

			// Fail here rather than in the detached process where nobody sees it
			if _, err := keyring.ResolveAPIKey(core.Config.APIKey); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}

			slog.Info("Starting inspectd daemon...")
			if err := daemon.StartDaemon(); err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				os.Exit(1)
			}
			if err := daemon.WaitForDaemon(); err != nil {
				slog.Error(fmt.Sprintf("Daemon failed to start: %v", err))
				os.Exit(1)
			}
			slog.Info("Daemon started successfully")
		},
	}
}

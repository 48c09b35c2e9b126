package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Run: func(cmd *cobra.Command, args []string) {
			clientVersion := core.Version
			clientFormatted := core.FormatVersion(clientVersion)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}

			var data struct {
				Version string `json:"version"`
				Pid     int    `json:"pid"`
			}
			if err := response.DecodeData(&data); err != nil || data.Version == "" {
				fmt.Fprintln(os.Stderr, "Daemon version: unknown")
				return
			}

			daemonFormatted := core.FormatVersion(data.Version)
			fmt.Fprintf(os.Stderr, "Daemon version: %s (pid %d)\n", daemonFormatted, data.Pid)
			if clientVersion != data.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.", clientFormatted, daemonFormatted))
			}
		},
	}
}

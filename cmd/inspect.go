package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/daemon"
)

func NewInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <pid>",
		Short: "Open the inspector of a discovered process",
		Long: `Ask a discovered Node.js or Deno process to open its inspector.

Host processes receive SIGUSR1. Processes in containers are signalled
through 'docker exec'. The process must appear in 'inspectd status'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}

			response, err := daemon.SendCommand("INSPECT " + args[0])
			if err != nil {
				return fmt.Errorf("daemon is not running, start it with 'inspectd start'")
			}
			response.LogMessages()
			if response.Failed() {
				os.Exit(1)
			}
			return nil
		},
	}
}

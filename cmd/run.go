package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/daemon"
)

func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		Long: `Run the agent in the foreground, logging to stderr.

Exits with a non-zero status when no API key is available or the
configured namespace is not a UUID.`,
		Aliases: []string{"daemon"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New()
			if err := d.Run(); err != nil {
				slog.Error(fmt.Sprintf("Fatal: %v", err))
				os.Exit(1)
			}
		},
	}
}

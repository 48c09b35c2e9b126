package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "inspectd",
		Short: "inspectd - remote inspector access for Node.js and Deno",
		Long: `inspectd discovers Node.js and Deno processes on this host and in its
Docker containers, and exposes their inspector sockets to the control plane
through SSH reverse tunnels.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose > 0 {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.Kitchen,
			})))
			return core.InitializeConfig(configPath, verbose)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", filepath.Join(homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewRunCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewInspectCommand(),
		NewLogsCommand(),
		NewHistoryCommand(),
		NewAPIKeyCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

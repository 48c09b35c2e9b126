package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/keyring"
)

func NewAPIKeyCommand() *cobra.Command {
	apikeyCmd := &cobra.Command{
		Use:     "apikey",
		Aliases: []string{"key"},
		Short:   "Manage the stored API key",
		Long: `Store, delete, and check the API key used to authenticate with the
control plane. The key is stored in the system keyring (Keychain on
macOS, Secret Service on Linux). INSPECTD_API_KEY takes precedence.`,
	}

	var fromFlag string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the API key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			key := strings.TrimSpace(fromFlag)
			if key == "" {
				var err error
				key, err = keyring.PromptAPIKey()
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to read API key: %v", err))
					os.Exit(1)
				}
			}

			if err := keyring.SetAPIKey(key); err != nil {
				slog.Error(fmt.Sprintf("Failed to store API key: %v", err))
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("API key %s stored securely", maskKey(key)))
		},
	}
	setCmd.Flags().StringVar(&fromFlag, "key", "", "API key to store (prompted for when omitted)")

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"del", "remove", "rm"},
		Short:   "Delete the stored API key",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := keyring.DeleteAPIKey(); err != nil {
				if errors.Is(err, keyring.ErrNoAPIKey) {
					slog.Warn("No API key stored")
					return
				}
				slog.Error(fmt.Sprintf("Failed to delete API key: %v", err))
				os.Exit(1)
			}
			slog.Info("API key deleted")
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show where the API key comes from",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if key := strings.TrimSpace(core.Config.APIKey); key != "" {
				fmt.Printf("API key %s (from INSPECTD_API_KEY)\n", maskKey(key))
				return
			}
			key, err := keyring.GetAPIKey()
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			if key == "" {
				fmt.Println("No API key configured")
				os.Exit(1)
			}
			fmt.Printf("API key %s (from keyring)\n", maskKey(key))
		},
	}

	apikeyCmd.AddCommand(setCmd, deleteCmd, statusCmd)
	return apikeyCmd
}

// maskKey keeps the last four characters of key
func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

package keyring

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptAPIKey reads the API key from the terminal without echo.
// Falls back to stdin when no tty is available.
func PromptAPIKey() (string, error) {
	fmt.Fprint(os.Stderr, "Enter API key: ")

	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	keyBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}

	key := strings.TrimSpace(string(keyBytes))
	if key == "" {
		return "", fmt.Errorf("empty API key")
	}
	return key, nil
}

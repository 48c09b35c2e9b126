package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  discovery - Discovery cycles, probes and container lookups
  tunnel    - SSH reverse tunnels and relays
  control   - Control plane connection and commands
  system    - Daemon start/stop, config reload, wake events

Examples:
  inspectd logs                # Stream INFO and above
  inspectd logs -v             # Include DEBUG logs
  inspectd logs -F tunnel      # Filter to tunnel events
  inspectd logs -F 4242        # Filter by keyword
  inspectd logs -L 50          # Show 50 history lines on connect

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !daemon.IsRunning() {
				slog.Error("Daemon is not running. Use 'inspectd start' to start it.")
				os.Exit(1)
			}

			verbose, _ := cmd.Flags().GetBool("verbose")
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			isReconnect := false
			for {
				conn, err := net.Dial("unix", core.GetSocketPath())
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
					os.Exit(1)
				}

				request := fmt.Sprintf("LOGS %d", lines)
				if isReconnect {
					request += " no_history"
				}
				if _, err := conn.Write([]byte(request + "\n")); err != nil {
					conn.Close()
					slog.Error(fmt.Sprintf("Failed to send LOGS command: %v", err))
					os.Exit(1)
				}

				done := make(chan struct{})
				go func() {
					defer close(done)
					reader := bufio.NewReader(conn)
					for {
						line, err := reader.ReadString('\n')
						if err != nil {
							return
						}
						if keep, out := filterLine(line, verbose, filter, noColor); keep {
							fmt.Print(out)
						}
					}
				}()

				select {
				case <-sigChan:
					conn.Close()
					fmt.Println("\nDisconnected from daemon logs.")
					return
				case <-done:
					conn.Close()
					fmt.Println("Connection lost. Reconnecting...")
					time.Sleep(500 * time.Millisecond)

					reconnected := false
					for range 10 {
						if daemon.IsRunning() {
							reconnected = true
							break
						}
						time.Sleep(500 * time.Millisecond)
					}
					if !reconnected {
						fmt.Println("Daemon not available. Exiting.")
						return
					}
					isReconnect = true
				}
			}
		},
	}

	logsCmd.Flags().BoolP("verbose", "v", false, "Show DEBUG level logs")
	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by category or keyword (discovery, tunnel, control, system)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}

// filterLine decides whether a streamed line is printed and in what form
func filterLine(line string, verbose bool, filter string, noColor bool) (bool, string) {
	if !verbose && isDebugLog(line) {
		return false, ""
	}
	if filter != "" && !matchesFilter(line, filter) {
		return false, ""
	}
	if noColor {
		line = stripANSI(line)
	}
	return true, line
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	if strings.Contains(line, " DBG ") || strings.Contains(line, "\tDBG\t") {
		return true
	}
	// tint colors the level gray
	if strings.Contains(line, "\033[90mDBG\033[0m") {
		return true
	}
	stripped := stripANSI(line)
	return strings.Contains(stripped, " DBG ") || strings.Contains(stripped, "\tDBG\t")
}

var filterKeywords = map[string][]string{
	"discovery": {"discovery", "probe", "inspector", "container", "docker"},
	"tunnel":    {"tunnel", "relay", "ssh", "forward"},
	"control":   {"control", "websocket", "inspect request", "relay map", "publish"},
	"system":    {"daemon", "config", "wake", "sleep", "orphan"},
}

// matchesFilter checks if a log line matches a category or a plain keyword
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(stripANSI(line))

	keywords, ok := filterKeywords[filter]
	if !ok {
		return strings.Contains(lineLower, filter)
	}
	for _, kw := range keywords {
		if strings.Contains(lineLower, kw) {
			return true
		}
	}
	return false
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}

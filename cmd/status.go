package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"go.olrik.dev/inspectd/internal/daemon"
	"go.olrik.dev/inspectd/internal/tunnel"
)

var (
	labelStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show discovered processes and their tunnels",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Daemon is not running. Use 'inspectd start' to start it.")
				return
			}

			var status daemon.DaemonStatus
			if err := response.DecodeData(&status); err != nil {
				slog.Error(fmt.Sprintf("Failed to decode status: %v", err))
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				renderStatus(os.Stdout, status, time.Now())
			case "json":
				out, _ := json.MarshalIndent(status, "", "  ")
				fmt.Println(string(out))
			default:
				slog.Error(fmt.Sprintf("Unknown format %q", format))
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func renderStatus(w io.Writer, status daemon.DaemonStatus, now time.Time) {
	uptime := "unknown"
	if started, err := time.Parse(time.RFC3339, status.StartedAt); err == nil {
		uptime = units.HumanDuration(now.Sub(started))
	}

	control := badStyle.Render("disconnected")
	if status.Connected {
		control = goodStyle.Render("connected")
	}

	fmt.Fprintf(w, "%s %s (pid %d, up %s)\n", labelStyle.Render("Agent:"), status.Version, status.Pid, uptime)
	fmt.Fprintf(w, "%s %s (%s)\n", labelStyle.Render("Host: "), status.Host.Hostname, status.Host.UUID)
	fmt.Fprintf(w, "%s %s, %d relay(s)\n", labelStyle.Render("Control:"), control, status.Relays)

	lastCycle := "never"
	if collected, err := time.Parse(time.RFC3339, status.CollectedAt); err == nil {
		lastCycle = units.HumanDuration(now.Sub(collected)) + " ago"
	}
	s := status.Summary
	fmt.Fprintf(w, "%s #%d, %s: %d process(es), %d node, %d deno, %d in containers, %d with --inspect\n",
		labelStyle.Render("Discovery:"), status.Cycle, lastCycle, s.Total, s.Node, s.Deno, s.Docker, s.InspectFlag)

	if len(status.Processes) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No Node.js or Deno processes found"))
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, processTable(status.Processes))

	if len(status.Tunnels) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, tunnelTable(status.Tunnels, now))
	}
}

func processTable(processes []daemon.ProcessStatus) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("PID", "RUNTIME", "WHERE", "INSPECTOR", "TUNNEL", "DEBUGGER").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, p := range processes {
		where := "host"
		if p.DockerContainer {
			where = p.ContainerName
			if where == "" {
				where = shortID(p.ContainerID)
			}
		}

		inspector := dimStyle.Render("-")
		if p.HasDebugSocket() {
			inspector = p.InspectSocket
		} else if p.InspectFlagSet {
			inspector = warnStyle.Render("flag set")
		}

		debugger := p.DebuggerURL
		if debugger == "" {
			debugger = dimStyle.Render("-")
		}

		t.Row(strconv.Itoa(p.PID), string(p.Runtime), where, inspector, stateLabel(p.TunnelState), debugger)
	}
	return t.String()
}

func tunnelTable(tunnels []daemon.TunnelStatus, now time.Time) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("PID", "LOCAL", "REMOTE", "STATE", "RETRIES", "AGE", "LAST ERROR").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, ts := range tunnels {
		age := "-"
		if created, err := time.Parse(time.RFC3339, ts.CreatedAt); err == nil {
			age = units.HumanDuration(now.Sub(created))
		}
		remote := ts.Remote
		if remote == "" {
			remote = "-"
		}
		t.Row(strconv.Itoa(ts.Pid), ts.Local, remote, stateLabel(ts.State), strconv.Itoa(ts.RetryCount), age, ts.LastError)
	}
	return t.String()
}

func stateLabel(state string) string {
	switch tunnel.State(state) {
	case "":
		return dimStyle.Render("-")
	case tunnel.StateConnected:
		return goodStyle.Render(state)
	case tunnel.StateConnecting, tunnel.StateRetrying:
		return warnStyle.Render(state)
	default:
		return badStyle.Render(state)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

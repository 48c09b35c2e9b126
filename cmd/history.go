package cmd

import (
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

	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/db"
)

func NewHistoryCommand() *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"hist"},
		Short:   "Show recent tunnel, discovery and daemon events",
		Long: `Show recent history recorded by the daemon.

History is kept for 30 days. The database is read directly, so this
works while the daemon is stopped.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			database, err := db.Open(core.GetDatabasePath())
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to open database: %v", err))
				os.Exit(1)
			}
			defer database.Close()

			if err := renderHistory(os.Stdout, database, limit, time.Now()); err != nil {
				slog.Error(fmt.Sprintf("Failed to read history: %v", err))
				os.Exit(1)
			}
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of entries per section")

	return historyCmd
}

func renderHistory(w io.Writer, database *db.DB, limit int, now time.Time) error {
	daemonEvents, err := database.GetRecentDaemonEvents(limit)
	if err != nil {
		return err
	}
	tunnelEvents, err := database.GetRecentTunnelEvents(limit)
	if err != nil {
		return err
	}
	cycles, err := database.GetRecentDiscoveryCycles(limit)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, labelStyle.Render("Daemon events"))
	if len(daemonEvents) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  none"))
	} else {
		t := historyTable("AGE", "EVENT", "DETAILS")
		for _, e := range daemonEvents {
			t.Row(ago(now, e.Timestamp), e.EventType, e.Details)
		}
		fmt.Fprintln(w, t.String())
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, labelStyle.Render("Tunnel events"))
	if len(tunnelEvents) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  none"))
	} else {
		t := historyTable("AGE", "PID", "EVENT", "DETAILS")
		for _, e := range tunnelEvents {
			t.Row(ago(now, e.Timestamp), strconv.Itoa(e.PID), e.EventType, e.Details)
		}
		fmt.Fprintln(w, t.String())
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, labelStyle.Render("Discovery cycles"))
	if len(cycles) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  none"))
		return nil
	}
	t := historyTable("AGE", "CYCLE", "TOTAL", "NODE", "DENO", "DOCKER", "INSPECT", "DURATION")
	for _, c := range cycles {
		s := c.Summary
		t.Row(ago(now, c.Timestamp), strconv.FormatUint(c.Cycle, 10),
			strconv.Itoa(s.Total), strconv.Itoa(s.Node), strconv.Itoa(s.Deno),
			strconv.Itoa(s.Docker), strconv.Itoa(s.InspectFlag), c.Duration.String())
	}
	fmt.Fprintln(w, t.String())
	return nil
}

func historyTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func ago(now, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	return units.HumanDuration(now.Sub(then)) + " ago"
}

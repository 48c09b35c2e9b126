// Package db keeps the agent's event history in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"go.olrik.dev/inspectd/internal/model"
)

// DB wraps the SQLite connection
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the database at path
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS discovery_cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle INTEGER NOT NULL,
		total INTEGER NOT NULL,
		docker INTEGER NOT NULL,
		node INTEGER NOT NULL,
		deno INTEGER NOT NULL,
		inspect_flag INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_pid ON tunnel_events(pid);
	CREATE INDEX IF NOT EXISTS idx_discovery_cycles_timestamp ON discovery_cycles(timestamp);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// exec retries briefly while SQLite reports the database as locked.
// History is best effort and must never stall the agent.
func (db *DB) exec(query string, args ...any) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed after %d retries: database locked", maxRetries)
}

// TunnelEvent is one tunnel lifecycle event
type TunnelEvent struct {
	ID        int64
	PID       int
	EventType string
	Details   string
	Timestamp time.Time
}

// LogTunnelEvent records a tunnel lifecycle event for pid
func (db *DB) LogTunnelEvent(pid int, eventType, details string) error {
	return db.exec(
		`INSERT INTO tunnel_events (pid, event_type, details, timestamp) VALUES (?, ?, ?, ?)`,
		pid, eventType, details, time.Now().UTC(),
	)
}

// DiscoveryCycle is the stored summary of one discovery cycle
type DiscoveryCycle struct {
	ID        int64
	Cycle     uint64
	Summary   model.Summary
	Duration  time.Duration
	Timestamp time.Time
}

// LogDiscoveryCycle records the counts of a completed cycle
func (db *DB) LogDiscoveryCycle(cycle uint64, sum model.Summary, duration time.Duration) error {
	return db.exec(
		`INSERT INTO discovery_cycles (cycle, total, docker, node, deno, inspect_flag, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(cycle), sum.Total, sum.Docker, sum.Node, sum.Deno, sum.InspectFlag, duration.Milliseconds(), time.Now().UTC(),
	)
}

// DaemonEvent is one daemon lifecycle event
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent records a daemon lifecycle event
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.exec(
		`INSERT INTO daemon_events (event_type, details, timestamp) VALUES (?, ?, ?)`,
		eventType, details, time.Now().UTC(),
	)
}

// GetRecentTunnelEvents returns the newest tunnel events first
func (db *DB) GetRecentTunnelEvents(limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, pid, event_type, details, timestamp
		 FROM tunnel_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		if err := rows.Scan(&e.ID, &e.PID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastTunnelEventPerPID returns the latest event of every pid seen
func (db *DB) GetLastTunnelEventPerPID() ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, pid, event_type, details, timestamp
		 FROM tunnel_events
		 WHERE id IN (SELECT MAX(id) FROM tunnel_events GROUP BY pid)
		 ORDER BY id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		if err := rows.Scan(&e.ID, &e.PID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDiscoveryCycles returns the newest cycle summaries first
func (db *DB) GetRecentDiscoveryCycles(limit int) ([]DiscoveryCycle, error) {
	rows, err := db.conn.Query(
		`SELECT id, cycle, total, docker, node, deno, inspect_flag, duration_ms, timestamp
		 FROM discovery_cycles
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []DiscoveryCycle
	for rows.Next() {
		var c DiscoveryCycle
		var cycle, durationMS int64
		if err := rows.Scan(&c.ID, &cycle, &c.Summary.Total, &c.Summary.Docker, &c.Summary.Node,
			&c.Summary.Deno, &c.Summary.InspectFlag, &durationMS, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Cycle = uint64(cycle)
		c.Duration = time.Duration(durationMS) * time.Millisecond
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// GetRecentDaemonEvents returns the newest daemon events first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes history older than maxAge and returns the number of rows removed
func (db *DB) Prune(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var total int64
	for _, table := range []string{"tunnel_events", "discovery_cycles", "daemon_events"} {
		res, err := db.conn.Exec(`DELETE FROM `+table+` WHERE timestamp < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

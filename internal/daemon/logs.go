package daemon

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"go.olrik.dev/inspectd/internal/core"
)

// LogBroadcaster fans daemon log lines out to `inspectd logs` clients and
// keeps a bounded history for late subscribers
type LogBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	history []string
	maxHist int
}

func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 1000
	}
	return &LogBroadcaster{
		clients: make(map[chan string]struct{}),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe registers a client and returns up to historyLines recent lines
func (lb *LogBroadcaster) Subscribe(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100)
	lb.clients[ch] = struct{}{}

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := max(len(lb.history)-historyLines, 0)
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}
	return ch, history
}

func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.clients[ch]; !ok {
		return
	}
	delete(lb.clients, ch)
	close(ch)
}

// Broadcast records message and sends it to every client.
// Slow clients miss lines rather than block the logger.
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
		}
	}
}

// LogWriter is an io.Writer that broadcasts log messages
type LogWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *LogWriter) Write(p []byte) (n int, err error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

func logLevel(verbose int) slog.Level {
	if verbose > 0 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// setupLogging sends the daemon log to stderr and to connected log clients
func (d *Daemon) setupLogging() {
	multiWriter := io.MultiWriter(os.Stderr, &LogWriter{broadcaster: d.logBroadcast})

	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      logLevel(core.Config.Verbose),
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}

// handleLogsWithHistory streams daemon logs to the client until they disconnect
func (d *Daemon) handleLogsWithHistory(conn net.Conn, showHistory bool, historyLines int) {
	if !showHistory {
		historyLines = 0
	}
	logChan, history := d.logBroadcast.Subscribe(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	if _, err := conn.Write([]byte("Connected to inspectd daemon logs. Press Ctrl+C to exit.\n")); err != nil {
		slog.Debug("Logs client went away", "error", err)
		return
	}

	for _, msg := range history {
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()

	for {
		select {
		case logMsg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(logMsg)); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

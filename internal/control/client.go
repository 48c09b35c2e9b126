// Package control connects the agent to the control plane over a websocket.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"go.olrik.dev/inspectd/internal/tunnel"
)

var ErrNotConnected = errors.New("control channel is not connected")

// Message types
const (
	TypeMetadata   = "metadata"
	TypeInspect    = "inspect"
	TypeRelayMap   = "relay_map"
	TypeConnection = "connection"
)

// Envelope is the frame every control message travels in
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InspectCommand asks the agent to open the inspector of a process
type InspectCommand struct {
	UUID string `json:"uuid"`
	PID  int    `json:"nodePID"`
}

// ConnectionInfo is sent by the control plane once it has accepted the agent
type ConnectionInfo struct {
	ID string `json:"id"`
}

// Handler receives inbound control messages
type Handler interface {
	HandleInspect(ctx context.Context, cmd InspectCommand)
	HandleRelayMap(relays []tunnel.RelayInfo)
	HandleConnection(info ConnectionInfo)
}

// Options configure a Client
type Options struct {
	URL        string
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client keeps a websocket to the control plane open, reconnecting with
// exponential backoff. Losing the connection is never fatal.
type Client struct {
	opts    Options
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(opts Options, handler Handler) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	return &Client{opts: opts, handler: handler}
}

// Connected reports whether a websocket is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and serves inbound messages until ctx is done
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn(fmt.Sprintf("Control channel unavailable, retrying in %v", backoff), "url", c.opts.URL, "error", err)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, c.opts.MaxBackoff)
			continue
		}

		backoff = c.opts.MinBackoff
		slog.Info("Control channel connected", "url", c.opts.URL)

		err = c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.CloseNow()

		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Control channel lost", "error", err)
		if !sleepCtx(ctx, backoff) {
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: c.opts.Header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeInspect:
		var cmd InspectCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			slog.Warn("Malformed inspect command", "error", err)
			return
		}
		// Inspect may wait for a discovery cycle, keep reading meanwhile
		go c.handler.HandleInspect(ctx, cmd)
	case TypeRelayMap:
		var relays []tunnel.RelayInfo
		if err := json.Unmarshal(env.Data, &relays); err != nil {
			slog.Warn("Malformed relay map", "error", err)
			return
		}
		c.handler.HandleRelayMap(relays)
	case TypeConnection:
		var info ConnectionInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			slog.Warn("Malformed connection info", "error", err)
			return
		}
		c.handler.HandleConnection(info)
	default:
		slog.Debug("Ignoring control message", "type", env.Type)
	}
}

// Publish sends one message. It fails with ErrNotConnected while the
// channel is down; callers simply publish again next cycle.
func (c *Client) Publish(ctx context.Context, msgType string, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msgType, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, Envelope{Type: msgType, Data: data})
}

// Close closes the current connection, Run reconnects unless its ctx is done
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

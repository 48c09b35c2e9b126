// Package tunnel keeps inspector sockets reachable from the relay through
// SSH reverse forwards, one forward per local socket.
package tunnel

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoFreePorts      = errors.New("out of free ports")
	ErrRelayTimeout     = errors.New("relay did not confirm the forward in time")
	ErrRelayRejected    = errors.New("relay rejected the forward")
	ErrUnknownRelay     = errors.New("relay is not in the relay directory")
	ErrConnecting       = errors.New("tunnel is already connecting")
	ErrRetrying         = errors.New("tunnel is waiting to retry")
	ErrRetriesExhausted = errors.New("tunnel retries exhausted")
	ErrClosed           = errors.New("orchestrator is closed")
)

// Relay negotiates reverse forwards with the SSH relay
type Relay interface {
	// FreePorts asks the relay which remote ports are unused
	FreePorts(ctx context.Context) ([]int, error)
	// Forward requests remotePort on the relay to be forwarded to localPort.
	// It returns once the relay has identified itself.
	Forward(ctx context.Context, remotePort, localPort int) (Session, error)
}

// Session is a running forward
type Session interface {
	RelayID() string
	Pid() int
	// Done is closed when the forward process exits
	Done() <-chan struct{}
	Err() error
	Terminate(timeout time.Duration) error
}

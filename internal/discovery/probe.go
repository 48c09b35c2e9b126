package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.olrik.dev/inspectd/internal/model"
)

var ErrNotInspector = errors.New("not an inspector endpoint")

// Prober checks a host:port for a debug protocol endpoint
type Prober interface {
	Probe(ctx context.Context, addr string) (*model.DebuggerInfo, error)
}

// HTTPProber requests /json from the candidate socket
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber returns a prober bounded by timeout
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

// Probe returns the first debugger target of a well formed /json array.
// An empty array still confirms the socket and yields an empty DebuggerInfo.
func (p *HTTPProber) Probe(ctx context.Context, addr string) (*model.DebuggerInfo, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/json", nil)
	if err != nil {
		return nil, err
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrNotInspector, resp.StatusCode)
	}

	var targets []model.DebuggerInfo
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInspector, err)
	}
	if len(targets) == 0 {
		return &model.DebuggerInfo{}, nil
	}
	return &targets[0], nil
}

//go:build !linux

package agent

import "context"

// Start is a no-op where logind is not available
func (m *WakeMonitor) Start(ctx context.Context) {
	m.logger.Debug("Wake monitor not supported on this platform")
}

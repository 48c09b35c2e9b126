package agent

import (
	"log/slog"
	"sync"
	"time"
)

// WakeMonitor watches for system sleep and wake. Tunnels and sockets rarely
// survive a suspend, so a wake triggers an immediate discovery.
type WakeMonitor struct {
	mu       sync.Mutex
	sleeping bool
	sleptAt  time.Time
	onWake   func(slept time.Duration)
	logger   *slog.Logger
}

func NewWakeMonitor(logger *slog.Logger, onWake func(slept time.Duration)) *WakeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeMonitor{onWake: onWake, logger: logger}
}

func (m *WakeMonitor) markSleep() {
	m.mu.Lock()
	m.sleeping = true
	m.sleptAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("System entering sleep")
}

func (m *WakeMonitor) markWake() {
	m.mu.Lock()
	if !m.sleeping {
		m.mu.Unlock()
		return
	}
	m.sleeping = false
	slept := time.Since(m.sleptAt)
	m.mu.Unlock()

	m.logger.Info("System waking up", "slept", slept.Round(time.Second))

	if m.onWake != nil {
		m.onWake(slept)
	}
}

// IsSleeping returns true if the system is currently marked as sleeping
func (m *WakeMonitor) IsSleeping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleeping
}

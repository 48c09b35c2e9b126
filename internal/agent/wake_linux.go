package agent

import (
	"context"
	"os"

	"github.com/godbus/dbus/v5"
)

// Start listens for logind PrepareForSleep signals.
// Without a system bus (containers, headless servers) it does nothing.
func (m *WakeMonitor) Start(ctx context.Context) {
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
				m.logger.Debug("D-Bus unavailable, wake monitor disabled")
			} else {
				m.logger.Warn("Failed to connect to D-Bus for wake monitoring", "error", err)
			}
			return
		}

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath("/org/freedesktop/login1"),
			dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
			dbus.WithMatchMember("PrepareForSleep"),
		); err != nil {
			m.logger.Warn("Failed to subscribe to PrepareForSleep signal", "error", err)
			return
		}

		signals := make(chan *dbus.Signal, 8)
		conn.Signal(signals)

		m.logger.Debug("Wake monitor started (D-Bus logind)")

		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				return
			case sig := <-signals:
				if sig == nil {
					return
				}
				m.handleSignal(sig)
			}
		}
	}()
}

func (m *WakeMonitor) handleSignal(sig *dbus.Signal) {
	if sig.Name != "org.freedesktop.login1.Manager.PrepareForSleep" || len(sig.Body) < 1 {
		return
	}
	entering, ok := sig.Body[0].(bool)
	if !ok {
		return
	}
	if entering {
		m.markSleep()
	} else {
		m.markWake()
	}
}

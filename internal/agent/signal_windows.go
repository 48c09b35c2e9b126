//go:build windows

package agent

func signalInspector(pid int) error {
	return ErrSignalUnsupported
}

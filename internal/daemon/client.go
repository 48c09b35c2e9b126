package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.olrik.dev/inspectd/internal/core"
)

var ErrAlreadyRunning = errors.New("daemon is already running")

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// IsRunning reports whether a daemon answers on the socket
func IsRunning() bool {
	_, err := SendCommand("VERSION")
	return err == nil
}

// StartDaemon forks `inspectd run` detached from the terminal
func StartDaemon() error {
	args := []string{"run", "--config-path", core.Config.ConfigPath}
	for range core.Config.Verbose {
		args = append(args, "-v")
	}

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug(fmt.Sprintf("Daemon process launched with PID: %d", cmd.Process.Pid))
	return cmd.Process.Release()
}

// WaitForDaemon polls the socket until the daemon answers
func WaitForDaemon() error {
	for range 50 {
		time.Sleep(100 * time.Millisecond)
		if IsRunning() {
			return nil
		}
	}
	return fmt.Errorf("daemon did not open %s in time", core.GetSocketPath())
}

// CheckVersionMismatch warns when the running daemon is a different build
func CheckVersionMismatch() {
	response, err := SendCommand("VERSION")
	if err != nil {
		return
	}
	var data struct {
		Version string `json:"version"`
	}
	if err := response.DecodeData(&data); err != nil || data.Version == "" {
		return
	}
	if data.Version != core.Version {
		slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.",
			core.FormatVersion(core.Version), core.FormatVersion(data.Version)))
	}
}

// ReadPID returns the pid recorded by the running daemon
func ReadPID() (int, error) {
	raw, err := os.ReadFile(core.GetPIDFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

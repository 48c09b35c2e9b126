package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

var (
	unusedPortsRe = regexp.MustCompile(`unused ports:([0-9 ]*)`)
	relayIDRe     = regexp.MustCompile(`(?i)nsshost\s([0-9A-F]{8}-[0-9A-F]{4}-4[0-9A-F]{3}-[89AB][0-9A-F]{3}-[0-9A-F]{12})`)
)

// SSHRelay drives the system ssh client against the relay
type SSHRelay struct {
	Binary          string
	Host            string
	Port            int
	User            string
	IdentityFile    string
	CertificateFile string
	Timeout         time.Duration // Probe and forward confirmation deadline
	ExtraArgs       []string      // Prepended to every invocation
}

func (r *SSHRelay) binary() string {
	if r.Binary == "" {
		return "ssh"
	}
	return r.Binary
}

func (r *SSHRelay) timeout() time.Duration {
	if r.Timeout <= 0 {
		return 30 * time.Second
	}
	return r.Timeout
}

func (r *SSHRelay) commonArgs() []string {
	args := append([]string{}, r.ExtraArgs...)
	args = append(args, "-p", strconv.Itoa(r.Port))
	if r.IdentityFile != "" {
		args = append(args, "-i", r.IdentityFile)
	}
	if r.CertificateFile != "" {
		args = append(args, "-o", "CertificateFile="+r.CertificateFile)
	}
	return append(args,
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=5",
		"-o", "ServerAliveInterval=20",
		"-o", "BatchMode=yes",
	)
}

// Destination is the user@host argument passed to ssh
func (r *SSHRelay) Destination() string {
	if r.User == "" {
		return r.Host
	}
	return r.User + "@" + r.Host
}

// probeArgs builds the short session that asks for unused ports
func (r *SSHRelay) probeArgs() []string {
	return append(r.commonArgs(), "-T", r.Destination())
}

// forwardArgs builds the long lived reverse forward session
func (r *SSHRelay) forwardArgs(remotePort, localPort int) []string {
	args := append([]string{"-v", "-4"}, r.commonArgs()...)
	return append(args,
		"-N",
		"-R", fmt.Sprintf("*:%d:localhost:%d", remotePort, localPort),
		r.Destination(),
	)
}

func (r *SSHRelay) FreePorts(ctx context.Context) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	out, runErr := exec.CommandContext(ctx, r.binary(), r.probeArgs()...).Output()
	ports, ok := parseUnusedPorts(string(out))
	if !ok {
		if runErr != nil {
			return nil, fmt.Errorf("relay port probe failed: %w", runErr)
		}
		return nil, fmt.Errorf("relay port probe returned no port list")
	}
	if len(ports) == 0 {
		return nil, ErrNoFreePorts
	}
	return ports, nil
}

// parseUnusedPorts finds the `unused ports: p1 p2` line of a probe session
func parseUnusedPorts(out string) ([]int, bool) {
	m := unusedPortsRe.FindStringSubmatch(out)
	if m == nil {
		return nil, false
	}
	ports := []int{}
	for _, field := range strings.Fields(m[1]) {
		p, err := strconv.Atoi(field)
		if err != nil || p <= 0 || p > 65535 {
			continue
		}
		ports = append(ports, p)
	}
	return ports, true
}

func (r *SSHRelay) Forward(ctx context.Context, remotePort, localPort int) (Session, error) {
	cmd := exec.Command(r.binary(), r.forwardArgs(remotePort, localPort)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ssh: %w", err)
	}

	label := fmt.Sprintf("forward %d->%d", remotePort, localPort)
	s := &sshSession{cmd: cmd, done: make(chan struct{}), label: label}

	result := make(chan forwardResult, 1)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanForward(stderr, label, result)
	}()
	go func() {
		// Wait must follow the last read from the stderr pipe
		<-scanDone
		s.finish(cmd.Wait())
	}()

	timer := time.NewTimer(r.timeout())
	defer timer.Stop()

	select {
	case res := <-result:
		if res.err != nil {
			_ = cmd.Process.Kill()
			return nil, res.err
		}
		s.relayID = res.relayID
		slog.Debug(fmt.Sprintf("[%s] Relay %s confirmed forward", label, res.relayID), "pid", cmd.Process.Pid)
		return s, nil
	case <-timer.C:
		_ = cmd.Process.Kill()
		return nil, ErrRelayTimeout
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}
}

type forwardResult struct {
	relayID string
	err     error
}

// scanForward reads the verbose ssh stream until the relay identifies itself
// or the session fails, then keeps draining so ssh never blocks on a full pipe.
func scanForward(stderr io.Reader, label string, result chan<- forwardResult) {
	defer func() {
		select {
		case result <- forwardResult{err: errors.New("ssh exited before relay confirmation")}:
		default:
		}
	}()

	scanner := bufio.NewScanner(stderr)
	verified := false

	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug(fmt.Sprintf("[%s] SSH: %s", label, line))

		if verified {
			continue
		}

		if m := relayIDRe.FindStringSubmatch(line); m != nil {
			if id, err := uuid.Parse(m[1]); err == nil {
				result <- forwardResult{relayID: id.String()}
				verified = true
				continue
			}
		}

		if err := sshFailure(line); err != nil {
			result <- forwardResult{err: err}
			verified = true
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Debug(fmt.Sprintf("[%s] Error reading SSH output: %v", label, err))
	}
}

// sshFailure maps a diagnostic line to a negotiation error, nil if the line is benign
func sshFailure(line string) error {
	switch {
	case strings.Contains(line, "remote port forwarding failed"),
		strings.Contains(line, "Error: remote port forwarding"):
		return fmt.Errorf("%w: port already taken", ErrRelayRejected)
	case strings.Contains(line, "Permission denied"):
		return fmt.Errorf("%w: authentication failed", ErrRelayRejected)
	case strings.Contains(line, "Too many authentication failures"):
		return fmt.Errorf("%w: too many authentication failures", ErrRelayRejected)
	case strings.Contains(line, "Host key verification failed"):
		return fmt.Errorf("%w: host key verification failed", ErrRelayRejected)
	case strings.Contains(line, "Connection refused"):
		return errors.New("connection refused")
	case strings.Contains(line, "No route to host"):
		return errors.New("no route to host")
	case strings.Contains(line, "Connection timed out"):
		return errors.New("connection timed out")
	case strings.Contains(line, "Could not resolve hostname"):
		return errors.New("could not resolve hostname")
	}
	return nil
}

type sshSession struct {
	cmd     *exec.Cmd
	relayID string
	label   string

	done chan struct{}
	once sync.Once
	err  error
}

func (s *sshSession) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *sshSession) RelayID() string       { return s.relayID }
func (s *sshSession) Pid() int              { return s.cmd.Process.Pid }
func (s *sshSession) Done() <-chan struct{} { return s.done }

// Err returns the exit error once Done is closed
func (s *sshSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Terminate sends SIGTERM, waits up to timeout for the process to exit,
// then kills it.
func (s *sshSession) Terminate(timeout time.Duration) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", s.label), "error", err)
		return s.cmd.Process.Kill()
	}

	select {
	case <-s.done:
		slog.Debug(fmt.Sprintf("Process %s terminated gracefully", s.label))
		return nil
	case <-time.After(timeout):
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", s.label, timeout))
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-s.done
	return nil
}

// Package relayserver provides an in-process stand-in for the SSH relay.
// It announces a relay id in its auth banner, answers port probes with an
// `unused ports:` line and accepts (or rejects) reverse forward requests.
package relayserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Server is an in-process relay for integration tests
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}

	mu       sync.Mutex
	probes   int
	forwards []int
}

// Options configures the relay
type Options struct {
	RelayID        string          // Announced as "nsshost <id>" in the banner
	UnusedPorts    []int           // Reported to probe sessions
	AuthorizedKeys []ssh.PublicKey // Required
	RejectForwards bool            // Refuse every tcpip-forward request
	HostKey        ssh.Signer      // Generated if nil
}

func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.RelayID == "" {
		t.Fatal("relayserver: RelayID is required")
	}
	if len(opts.AuthorizedKeys) == 0 {
		t.Fatal("relayserver: AuthorizedKeys is required")
	}
	return &Server{t: t, opts: opts, done: make(chan struct{})}
}

// Start listens on a random loopback port
func (s *Server) Start() {
	s.t.Helper()

	hostKey := s.opts.HostKey
	if hostKey == nil {
		hostKey = generateED25519Key(s.t)
	}

	s.config = &ssh.ServerConfig{
		BannerCallback: func(conn ssh.ConnMetadata) string {
			return fmt.Sprintf("nsshost %s\n", s.opts.RelayID)
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			keyBytes := key.Marshal()
			for _, authorized := range s.opts.AuthorizedKeys {
				if bytes.Equal(keyBytes, authorized.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", conn.User())
		},
	}
	s.config.AddHostKey(hostKey)

	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("relayserver: failed to listen: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and every open connection
func (s *Server) Stop() {
	close(s.done)
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Probes returns how many port probe sessions were answered
func (s *Server) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// Forwards returns the remote ports clients asked to forward
func (s *Server) Forwards() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.forwards...)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.t.Logf("relayserver: accept error: %v", err)
			}
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.t.Logf("relayserver: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	go s.handleGlobalRequests(reqs)

	for {
		select {
		case <-s.done:
			return
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			if newChan.ChannelType() != "session" {
				newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			s.wg.Add(1)
			go s.handleSession(newChan)
		}
	}
}

// tcpipForwardPayload is the RFC 4254 payload of a tcpip-forward request
type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

func (s *Server) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var payload tcpipForwardPayload
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.forwards = append(s.forwards, int(payload.BindPort))
			s.mu.Unlock()
			req.Reply(!s.opts.RejectForwards, nil)
		case "keepalive@openssh.com", "no-more-sessions@openssh.com", "cancel-tcpip-forward":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// handleSession answers shell and exec requests with the unused port list
func (s *Server) handleSession(newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.t.Logf("relayserver: failed to accept session: %v", err)
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "shell", "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.mu.Lock()
			s.probes++
			s.mu.Unlock()

			fmt.Fprintf(ch, "unused ports: %s\n", joinPorts(s.opts.UnusedPorts))
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		default:
			if req.WantReply {
				req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
			}
		}
	}
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, " ")
}

// ClientArgs are the ssh flags that point the system client at this relay
// without touching the user's config or known_hosts.
func (s *Server) ClientArgs() []string {
	return []string{
		"-F", "/dev/null",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
		"-o", "IdentitiesOnly=yes",
	}
}

func generateED25519Key(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("relayserver: failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("relayserver: failed to create signer: %v", err)
	}
	return signer
}

// GenerateClientKeyPair writes a temporary ED25519 key to dir and returns its
// public half and path.
func GenerateClientKeyPair(t testing.TB, dir string) (ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("relayserver: failed to generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("relayserver: failed to create client signer: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("relayserver: failed to marshal private key: %v", err)
	}
	keyPath := filepath.Join(dir, "id_ed25519_test")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("relayserver: failed to write private key: %v", err)
	}

	return signer.PublicKey(), keyPath
}

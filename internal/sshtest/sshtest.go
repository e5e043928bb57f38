// Package sshtest runs an in-process SSH server for tests. It serves exec
// requests through a handler and can expose an SFTP subsystem backed by the
// local filesystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Request is one exec request as seen by the server.
type Request struct {
	Command string
	Stdin   []byte
	// Signals delivers signal names sent by the client ("TERM", "KILL").
	// It is closed when the session ends.
	Signals <-chan string
}

// Reply is how the server answers an exec request.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string // report death by this signal instead of ExitCode
	NoStatus bool   // end the session without any exit status
}

// CmdHandler answers exec requests.
type CmdHandler func(req Request) Reply

// ServerConfig holds options for a test SSH server.
type ServerConfig struct {
	ClientPubKey ssh.PublicKey
	NoAuth       bool
	SFTP         bool
	CmdHandler   CmdHandler
}

// Option configures a test SSH server.
type Option func(*ServerConfig)

// WithPublicKey accepts clients authenticating with pub.
func WithPublicKey(pub ssh.PublicKey) Option {
	return func(c *ServerConfig) { c.ClientPubKey = pub }
}

// WithNoAuth accepts any client.
func WithNoAuth() Option {
	return func(c *ServerConfig) { c.NoAuth = true }
}

// WithCmdHandler sets the exec handler. Without one the server echoes the
// command line back on stdout and exits 0.
func WithCmdHandler(h CmdHandler) Option {
	return func(c *ServerConfig) { c.CmdHandler = h }
}

// WithSFTP enables the sftp subsystem. Paths are served as-is from the
// local filesystem, so tests should use absolute paths under t.TempDir.
func WithSFTP() Option {
	return func(c *ServerConfig) { c.SFTP = true }
}

// Start launches the server and returns its address. The server is shut
// down by the returned cleanup function.
func Start(t *testing.T, opts ...Option) (addr string, cleanup func()) {
	t.Helper()

	cfg := &ServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	serverConf := &ssh.ServerConfig{NoClientAuth: cfg.NoAuth}
	serverConf.AddHostKey(hostSigner)
	if cfg.ClientPubKey != nil {
		want := string(cfg.ClientPubKey.Marshal())
		serverConf.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == want {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleConnection(conn, serverConf, cfg)
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		<-done
	}
}

func handleConnection(conn net.Conn, config *ssh.ServerConfig, cfg *ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests, cfg)
	}
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request, cfg *ServerConfig) {
	defer ch.Close()

	signals := make(chan string, 8)
	defer close(signals)

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go runExec(ch, payload.Command, signals, cfg.CmdHandler)

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || !cfg.SFTP {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go serveSFTP(ch)

		case "signal":
			var payload struct{ Signal string }
			if err := ssh.Unmarshal(req.Payload, &payload); err == nil {
				select {
				case signals <- payload.Signal:
				default:
				}
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func runExec(ch ssh.Channel, command string, signals <-chan string, handler CmdHandler) {
	defer ch.Close()

	stdin, _ := io.ReadAll(ch)
	reply := Reply{Stdout: command}
	if handler != nil {
		reply = handler(Request{Command: command, Stdin: stdin, Signals: signals})
	}

	if reply.Stdout != "" {
		io.WriteString(ch, reply.Stdout)
	}
	if reply.Stderr != "" {
		io.WriteString(ch.Stderr(), reply.Stderr)
	}

	switch {
	case reply.NoStatus:
	case reply.Signal != "":
		ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
			Signal     string
			CoreDumped bool
			Error      string
			Lang       string
		}{Signal: reply.Signal}))
	default:
		ch.SendRequest("exit-status", false, ssh.Marshal(struct {
			Status uint32
		}{uint32(reply.ExitCode)}))
	}
}

func serveSFTP(ch ssh.Channel) {
	defer ch.Close()
	server, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	server.Serve()
	server.Close()
}

// GenerateKey creates an ed25519 key pair and writes the private key to a
// temp file. Returns the public key and the private key path.
func GenerateKey(t *testing.T) (ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, block, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return signer.PublicKey(), keyPath
}

// ParseAddr splits an address into host and port.
func ParseAddr(t *testing.T, addr string) (host string, port int) {
	t.Helper()
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("parse addr %q: %v", addr, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		t.Fatalf("parse port %q: %v", p, err)
	}
	return h, port
}

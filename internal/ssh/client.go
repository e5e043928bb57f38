// Package ssh runs the bridge tool on a remote host over SSH and stages
// files on that host with SFTP.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/devherd/internal/pathutil"
)

// ClientConfig holds options for connecting to the bridge host.
type ClientConfig struct {
	// User overrides the SSH username. If empty, resolved from
	// ~/.ssh/config, then $USER.
	User string

	// Port overrides the SSH port. If zero, resolved from ~/.ssh/config or 22.
	Port int

	// IdentityFiles lists explicit private keys to try. If empty, the
	// ssh_config IdentityFile and the default key locations are used.
	IdentityFiles []string

	// AcceptUnknownHosts skips known_hosts verification.
	AcceptUnknownHosts bool

	// HostKeyCallback overrides host key verification entirely.
	HostKeyCallback ssh.HostKeyCallback
}

// Client is a connection to one host.
type Client struct {
	host string
	conn *ssh.Client
}

// Dial connects to host. Authentication tries the SSH agent, then key
// files. The handshake is abandoned when ctx is done.
func Dial(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	addr, clientConf, err := clientConfig(host, conf)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := handshake(ctx, conn, addr, clientConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &Client{host: host, conn: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Host returns the host this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// SSHClient exposes the underlying connection for SFTP.
func (c *Client) SSHClient() *ssh.Client {
	return c.conn
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func clientConfig(host string, conf ClientConfig) (string, *ssh.ClientConfig, error) {
	user := conf.User
	if user == "" {
		user = sshconfig.Get(host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	port := conf.Port
	if port == 0 {
		if p, err := strconv.Atoi(sshconfig.Get(host, "Port")); err == nil {
			port = p
		}
	}
	if port == 0 {
		port = 22
	}

	hostKeyCallback, err := hostKeyCallback(conf)
	if err != nil {
		return "", nil, fmt.Errorf("host key callback: %w", err)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods(host, conf),
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// authMethods builds the auth chain: agent, then key files.
func authMethods(host string, conf ClientConfig) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if m := agentAuthMethod(); m != nil {
		methods = append(methods, m)
	}

	keyFiles := conf.IdentityFiles
	if len(keyFiles) == 0 {
		keyFiles = defaultKeyFiles(host)
	}
	for _, f := range keyFiles {
		if signer := loadSigner(pathutil.ExpandHome(f)); signer != nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	return methods
}

// sharedAgent is a lazily dialed, process-wide agent connection. A mutex
// rather than sync.Once lets a failed dial be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared agent connection, if any.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.conn = nil
		sharedAgent.client = nil
	}
}

func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) == 0 {
				return nil
			}
			return ssh.PublicKeysCallback(sharedAgent.client.Signers)
		}
		sharedAgent.conn.Close()
		sharedAgent.conn = nil
		sharedAgent.client = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	if keys, err := sharedAgent.client.List(); err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

func defaultKeyFiles(host string) []string {
	var files []string
	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		files = append(files, identity)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return files
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		files = append(files, filepath.Join(home, ".ssh", name))
	}
	return files
}

func loadSigner(path string) ssh.Signer {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return signer
}

func hostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}
	if conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	knownHosts := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(knownHosts); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; set bridge.insecure to skip host key verification", knownHosts)
	}
	cb, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return cb, nil
}

// handshake runs the SSH client handshake, closing conn if ctx ends first.
func handshake(ctx context.Context, conn net.Conn, addr string, conf *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}

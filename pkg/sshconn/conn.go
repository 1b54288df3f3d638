package sshconn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/metrics"
	"github.com/gridbench/gridbench/pkg/types"
)

const (
	// maxConnectAttempts bounds transient-failure retries during Connect.
	maxConnectAttempts = 3

	// defaultDialTimeout applies to each individual dial attempt.
	defaultDialTimeout = 30 * time.Second
)

// Session is one remote command execution on an established transport.
// Run reports a remote non-zero exit through an error whose chain
// carries ExitStatus() int, the way *ssh.ExitError does.
type Session interface {
	Run(command string) error
	Close() error
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
}

// Transport is the subset of the SSH client used by a Connection
type Transport interface {
	NewSession() (Session, error)
	Close() error
}

// DialFunc opens an SSH transport to addr. Injectable for tests.
type DialFunc func(network, addr string, config *ssh.ClientConfig) (Transport, error)

func defaultDial(network, addr string, config *ssh.ClientConfig) (Transport, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &sshTransport{client: client}, nil
}

// sshTransport adapts *ssh.Client to the Transport interface
type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) NewSession() (Session, error) {
	s, err := t.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &sshSession{s}, nil
}

func (t *sshTransport) Close() error { return t.client.Close() }

type sshSession struct {
	*ssh.Session
}

func (s *sshSession) SetStdout(w io.Writer) { s.Session.Stdout = w }
func (s *sshSession) SetStderr(w io.Writer) { s.Session.Stderr = w }

// Connection is a resilient remote-command channel to one node. A
// Connection owns at most one open transport; it must be closed by the
// owner before the surrounding node task returns.
type Connection struct {
	node        types.NodeConfig
	dialTimeout time.Duration
	retryWait   time.Duration
	dial        DialFunc
	logger      zerolog.Logger

	client    Transport
	sftp      *sftp.Client
	connected bool
	attempts  int
	retries   int
}

// Option configures a Connection
type Option func(*Connection)

// WithDialTimeout overrides the per-attempt dial timeout
func WithDialTimeout(d time.Duration) Option {
	return func(c *Connection) { c.dialTimeout = d }
}

// WithRetryWait overrides the initial backoff interval between attempts
func WithRetryWait(d time.Duration) Option {
	return func(c *Connection) { c.retryWait = d }
}

// WithDialer overrides the transport dialer
func WithDialer(dial DialFunc) Option {
	return func(c *Connection) { c.dial = dial }
}

// New creates an unconnected Connection to the given node
func New(node types.NodeConfig, opts ...Option) *Connection {
	c := &Connection{
		node:        node,
		dialTimeout: defaultDialTimeout,
		retryWait:   time.Second,
		dial:        defaultDial,
		logger:      log.WithNode(node.Hostname),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the transport, retrying transient failures up to
// maxConnectAttempts with exponential backoff. Authentication failures are
// returned immediately without retry: credentials will not become valid by
// waiting. The returned error classifies via errdefs.
func (c *Connection) Connect() error {
	if c.connected {
		return nil
	}

	config, err := c.clientConfig()
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", c.node.Address, c.node.Port)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.retryWait * (1 << maxConnectAttempts)
	b.MaxElapsedTime = 0

	operation := func() error {
		c.attempts++
		client, dialErr := c.dial("tcp", addr, config)
		if dialErr == nil {
			c.client = client
			return nil
		}

		if isAuthError(dialErr) {
			metrics.ConnectionFailuresTotal.WithLabelValues("authentication").Inc()
			return backoff.Permanent(errdefs.Authentication("%s: %v", c.node.Hostname, dialErr))
		}

		c.retries++
		metrics.ConnectionRetriesTotal.Inc()
		c.logger.Warn().
			Int("attempt", c.attempts).
			Err(dialErr).
			Msg("connection attempt failed, retrying")
		return errdefs.Connection("%s: %v", c.node.Hostname, dialErr)
	}

	if err := backoff.Retry(operation, backoff.WithMaxRetries(b, maxConnectAttempts-1)); err != nil {
		if !errdefs.IsAuthentication(err) {
			metrics.ConnectionFailuresTotal.WithLabelValues("transport").Inc()
			c.logger.Error().
				Int("attempts", c.attempts).
				Msg("failed to connect after all attempts")
		}
		return err
	}

	c.connected = true
	c.logger.Info().Str("address", addr).Msg("connected")
	return nil
}

// IsConnected reports whether the transport is established
func (c *Connection) IsConnected() bool {
	return c.connected && c.client != nil
}

// Attempts returns the number of dial attempts made so far
func (c *Connection) Attempts() int { return c.attempts }

// Retries returns the number of retried transient failures
func (c *Connection) Retries() int { return c.retries }

// Node returns the node this connection targets
func (c *Connection) Node() types.NodeConfig { return c.node }

// Close releases the transport. It is idempotent and safe to call even when
// Connect never succeeded.
func (c *Connection) Close() {
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("error closing sftp channel")
		}
		c.sftp = nil
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("error closing transport")
		}
		c.client = nil
	}
	c.connected = false
}

func (c *Connection) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	if c.node.SSHKeyPath != "" {
		keyPath := expandHome(c.node.SSHKeyPath)
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, errdefs.Configuration("ssh key not readable: %s", keyPath)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, errdefs.Configuration("ssh key not parseable: %s", keyPath)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if pw := c.node.Environment["SSH_PASSWORD"]; pw != "" {
		methods = append(methods, ssh.Password(pw))
	}

	if len(methods) == 0 {
		return nil, errdefs.Configuration("node %s has no usable auth method", c.node.Hostname)
	}

	return &ssh.ClientConfig{
		User:            c.node.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.dialTimeout,
	}, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func isAuthError(err error) bool {
	if errdefs.IsAuthentication(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

// Execute runs a command on the node under a hard wall-clock timeout. A
// non-zero remote exit is reported through the exit code, not the error; a
// timeout aborts the session and returns an errdefs timeout error because
// the channel state is ambiguous afterwards.
func (c *Connection) Execute(command string, timeout time.Duration) (int, string, string, error) {
	if !c.IsConnected() {
		return -1, "", "", errdefs.Connection("%s: not connected", c.node.Hostname)
	}

	session, err := c.client.NewSession()
	if err != nil {
		return -1, "", "", errdefs.Connection("%s: open session: %v", c.node.Hostname, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.SetStdout(&stdout)
	session.SetStderr(&stderr)

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case runErr := <-done:
		if runErr == nil {
			return 0, stdout.String(), stderr.String(), nil
		}
		var exitErr interface{ ExitStatus() int }
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
		}
		return -1, stdout.String(), stderr.String(),
			errdefs.Connection("%s: command failed: %v", c.node.Hostname, runErr)
	case <-timer.C:
		session.Close()
		return -1, stdout.String(), stderr.String(),
			errdefs.Timeout("%s: command exceeded %s: %s", c.node.Hostname, timeout, command)
	}
}

func (c *Connection) ensureSFTP() (*sftp.Client, error) {
	if c.sftp != nil {
		return c.sftp, nil
	}
	t, ok := c.client.(*sshTransport)
	if !ok {
		return nil, errdefs.Connection("%s: transport does not support file transfer", c.node.Hostname)
	}
	sc, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, errdefs.Connection("%s: open sftp: %v", c.node.Hostname, err)
	}
	c.sftp = sc
	return sc, nil
}

// CopyFile transfers one local file to the node. Parent directories are
// created unless createParentDirs is false. It fails closed: any partial
// transfer surfaces as an error.
func (c *Connection) CopyFile(localPath, remotePath string, createParentDirs bool) error {
	if !c.IsConnected() {
		return errdefs.Connection("%s: not connected", c.node.Hostname)
	}
	if _, err := os.Stat(localPath); err != nil {
		return errdefs.Configuration("local file not found: %s", localPath)
	}

	sc, err := c.ensureSFTP()
	if err != nil {
		return err
	}

	if createParentDirs {
		if dir := path.Dir(remotePath); dir != "" && dir != "." {
			if err := sc.MkdirAll(dir); err != nil {
				return errdefs.Connection("%s: mkdir %s: %v", c.node.Hostname, dir, err)
			}
		}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return errdefs.Connection("%s: create %s: %v", c.node.Hostname, remotePath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errdefs.Connection("%s: write %s: %v", c.node.Hostname, remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return errdefs.Connection("%s: close %s: %v", c.node.Hostname, remotePath, err)
	}
	if err := sc.Chmod(remotePath, 0o644); err != nil {
		c.logger.Warn().Str("path", remotePath).Err(err).Msg("chmod failed")
	}

	c.logger.Debug().Str("local", localPath).Str("remote", remotePath).Msg("copied file")
	return nil
}

// CopyDirectory recursively transfers a local directory to the node
func (c *Connection) CopyDirectory(localPath, remotePath string) error {
	if !c.IsConnected() {
		return errdefs.Connection("%s: not connected", c.node.Hostname)
	}
	info, err := os.Stat(localPath)
	if err != nil || !info.IsDir() {
		return errdefs.Configuration("local directory not found: %s", localPath)
	}

	return filepath.WalkDir(localPath, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		remote := path.Join(remotePath, filepath.ToSlash(rel))

		if d.IsDir() {
			sc, err := c.ensureSFTP()
			if err != nil {
				return err
			}
			if err := sc.MkdirAll(remote); err != nil {
				return errdefs.Connection("%s: mkdir %s: %v", c.node.Hostname, remote, err)
			}
			return nil
		}
		return c.CopyFile(p, remote, false)
	})
}

// WithConnection runs fn against a freshly connected Connection and
// guarantees release on every exit path.
func WithConnection(node types.NodeConfig, fn func(*Connection) error, opts ...Option) error {
	conn := New(node, opts...)
	if err := conn.Connect(); err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

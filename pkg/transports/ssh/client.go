package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is one SSH connection to a host, with an SFTP channel opened
// lazily for file operations. It is safe for concurrent use; the executor
// may converge several resources on the same host in parallel.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	client      *ssh.Client
	sftpClient  *sftp.Client
	connectedAt time.Time
}

// NewClient creates a client for the given host configuration. The
// connection is established on first use or by an explicit Connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. Calling Connect on a live
// connection verifies it and reconnects if it went dead.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.client != nil {
		if c.aliveLocked() {
			return nil
		}
		c.logger.Warn().Msg("connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	// ssh.Dial has no context form; race it against ctx.
	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	case client := <-connChan:
		c.client = client
		c.connectedAt = time.Now()
		c.logger.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Close tears down the SFTP channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.sftpClient != nil {
		_ = c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) aliveLocked() bool {
	session, err := c.client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()
	return session.Run("true") == nil
}

// Run executes a command on the remote host and returns stdout and
// stderr. A non-zero exit status is returned as an error.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return "", "", err
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "run", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timeout := c.config.CommandTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(),
			&TransportError{Op: "run", Err: ctx.Err(), IsTemporary: true}
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(),
			&TransportError{Op: "run", Err: fmt.Errorf("command timed out after %s", timeout), IsTemporary: true}
	case err := <-done:
		if err != nil {
			return stdout.String(), stderr.String(),
				&TransportError{Op: "run", Err: err}
		}
		return stdout.String(), stderr.String(), nil
	}
}

// WriteFile writes content to path on the remote host, creating parent
// directories as needed and setting the file mode.
func (c *Client) WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error {
	client, err := c.sftp(ctx)
	if err != nil {
		return err
	}

	if dir := sftpDir(path); dir != "" {
		if err := client.MkdirAll(dir); err != nil {
			return &TransportError{Op: "write-file", Err: err, IsTemporary: true}
		}
	}

	f, err := client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "write-file", Err: err, IsTemporary: true}
	}
	if _, err := io.Copy(f, bytes.NewReader(content)); err != nil {
		_ = f.Close()
		return &TransportError{Op: "write-file", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "write-file", Err: err, IsTemporary: true}
	}
	if err := client.Chmod(path, mode); err != nil {
		return &TransportError{Op: "chmod", Err: err}
	}
	return nil
}

// ReadFile returns the content and mode of path on the remote host.
// os.ErrNotExist is wrapped when the file is absent.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, os.FileMode, error) {
	client, err := c.sftp(ctx)
	if err != nil {
		return nil, 0, err
	}

	info, err := client.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &TransportError{Op: "read-file", Err: os.ErrNotExist}
		}
		return nil, 0, &TransportError{Op: "read-file", Err: err, IsTemporary: true}
	}

	f, err := client.Open(path)
	if err != nil {
		return nil, 0, &TransportError{Op: "read-file", Err: err, IsTemporary: true}
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, &TransportError{Op: "read-file", Err: err, IsTemporary: true}
	}
	return content, info.Mode().Perm(), nil
}

// Remove deletes path on the remote host. Removing an absent path is not
// an error.
func (c *Client) Remove(ctx context.Context, path string) error {
	client, err := c.sftp(ctx)
	if err != nil {
		return err
	}
	if err := client.Remove(path); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "remove", Err: err, IsTemporary: true}
	}
	return nil
}

// sftp returns the lazily opened SFTP channel.
func (c *Client) sftp(ctx context.Context) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	if c.sftpClient == nil {
		client, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
		}
		c.sftpClient = client
	}
	return c.sftpClient, nil
}

// sftpDir returns the parent directory of a remote path, empty for paths
// at the root. SFTP paths always use forward slashes.
func sftpDir(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

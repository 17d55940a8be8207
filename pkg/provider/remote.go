package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/engine"
	sshtransport "github.com/openconverge/openconverge/pkg/transports/ssh"
)

// fileTransport is the per-host surface RemoteFile converges through.
// *sshtransport.Client satisfies it.
type fileTransport interface {
	WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error
	ReadFile(ctx context.Context, path string) ([]byte, os.FileMode, error)
	Remove(ctx context.Context, path string) error
}

// RemoteFileConfig carries the connection settings shared by every host
// the provider manages.
type RemoteFileConfig struct {
	// User is the SSH username.
	User string

	// Port is the SSH port on every host. Zero means 22.
	Port int

	// PrivateKeyPath is the key used for authentication.
	PrivateKeyPath string

	// KnownHostsPath locates known_hosts for host key verification.
	KnownHostsPath string

	// StrictHostKeyChecking rejects unknown host keys.
	StrictHostKeyChecking bool
}

// RemoteFile manages "remote_file" resources: files on SSH-reachable
// hosts. Attributes: host, path, content and an optional octal mode.
// The provider identifier is "host:path".
type RemoteFile struct {
	cfg    RemoteFileConfig
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]fileTransport
	dial    func(host string) (fileTransport, error)
}

// NewRemoteFile creates the provider. Connections are established per
// host on first use and reused across operations.
func NewRemoteFile(cfg RemoteFileConfig, logger zerolog.Logger) *RemoteFile {
	p := &RemoteFile{
		cfg:     cfg,
		logger:  logger.With().Str("component", "remote-file-provider").Logger(),
		clients: make(map[string]fileTransport),
	}
	p.dial = p.dialSSH
	return p
}

func (p *RemoteFile) dialSSH(host string) (fileTransport, error) {
	config := sshtransport.DefaultConfig(host, p.cfg.User)
	if p.cfg.Port > 0 {
		config.Port = p.cfg.Port
	}
	if p.cfg.PrivateKeyPath != "" {
		config.PrivateKeyPath = p.cfg.PrivateKeyPath
	}
	if p.cfg.KnownHostsPath != "" {
		config.KnownHostsPath = p.cfg.KnownHostsPath
	}
	config.StrictHostKeyChecking = p.cfg.StrictHostKeyChecking
	return sshtransport.NewClient(config, p.logger)
}

func (p *RemoteFile) transportFor(host string) (fileTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.clients[host]; ok {
		return t, nil
	}
	t, err := p.dial(host)
	if err != nil {
		return nil, engine.NewValidationError(
			fmt.Sprintf("remote_file: cannot reach host %q", host), err)
	}
	p.clients[host] = t
	return t, nil
}

// Create writes the declared file and returns "host:path" as identifier.
func (p *RemoteFile) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	host, path, content, mode, err := fileAttrs(attrs)
	if err != nil {
		return "", nil, err
	}
	t, err := p.transportFor(host)
	if err != nil {
		return "", nil, err
	}
	if err := t.WriteFile(ctx, path, []byte(content), mode); err != nil {
		return "", nil, classifyTransportErr(err)
	}

	id := host + ":" + path
	applied := appliedFileAttrs(attrs, id, content, mode)
	p.logger.Debug().Str("id", id).Msg("file written")
	return id, applied, nil
}

// Read returns the live file content and mode. Declared names are not
// resolvable for remote files, so reads with anything other than a
// "host:path" identifier report the resource as absent.
func (p *RemoteFile) Read(ctx context.Context, resourceType, providerID string) (map[string]any, error) {
	host, path, ok := strings.Cut(providerID, ":")
	if !ok || host == "" || path == "" {
		return nil, engine.NotFoundError(resourceType, providerID)
	}
	t, err := p.transportFor(host)
	if err != nil {
		return nil, err
	}
	content, mode, err := t.ReadFile(ctx, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.NotFoundError(resourceType, providerID)
		}
		return nil, classifyTransportErr(err)
	}
	return map[string]any{
		"id":      providerID,
		"host":    host,
		"path":    path,
		"content": string(content),
		"mode":    fmt.Sprintf("%04o", mode),
	}, nil
}

// Update rewrites the file with the desired content and mode.
func (p *RemoteFile) Update(ctx context.Context, resourceType, providerID string, attrs map[string]any) (map[string]any, error) {
	host, path, content, mode, err := fileAttrs(attrs)
	if err != nil {
		return nil, err
	}
	t, err := p.transportFor(host)
	if err != nil {
		return nil, err
	}
	if err := t.WriteFile(ctx, path, []byte(content), mode); err != nil {
		return nil, classifyTransportErr(err)
	}
	return appliedFileAttrs(attrs, providerID, content, mode), nil
}

// Delete removes the file. Absent files are tolerated.
func (p *RemoteFile) Delete(ctx context.Context, resourceType, providerID string) error {
	host, path, ok := strings.Cut(providerID, ":")
	if !ok {
		return nil
	}
	t, err := p.transportFor(host)
	if err != nil {
		return err
	}
	if err := t.Remove(ctx, path); err != nil {
		return classifyTransportErr(err)
	}
	p.logger.Debug().Str("id", providerID).Msg("file removed")
	return nil
}

// Close disconnects every cached host connection.
func (p *RemoteFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for host, t := range p.clients {
		if closer, ok := t.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.clients, host)
	}
	return firstErr
}

func fileAttrs(attrs map[string]any) (host, path, content string, mode os.FileMode, err error) {
	host, _ = attrs["host"].(string)
	path, _ = attrs["path"].(string)
	content, _ = attrs["content"].(string)
	if host == "" || path == "" {
		return "", "", "", 0, engine.NewValidationError(
			"remote_file requires host and path attributes", nil)
	}

	mode = 0o644
	if raw, ok := attrs["mode"].(string); ok && raw != "" {
		parsed, perr := strconv.ParseUint(raw, 8, 32)
		if perr != nil {
			return "", "", "", 0, engine.NewValidationError(
				fmt.Sprintf("remote_file: invalid mode %q", raw), perr)
		}
		mode = os.FileMode(parsed)
	}
	return host, path, content, mode, nil
}

func appliedFileAttrs(attrs map[string]any, id, content string, mode os.FileMode) map[string]any {
	applied := make(map[string]any, len(attrs)+2)
	for k, v := range attrs {
		applied[k] = v
	}
	applied["id"] = id
	applied["content"] = content
	applied["mode"] = fmt.Sprintf("%04o", mode)
	return applied
}

// classifyTransportErr maps transport failures onto the engine taxonomy
// so the executor retries what can recover.
func classifyTransportErr(err error) error {
	var terr *sshtransport.TransportError
	if errors.As(err, &terr) {
		if terr.IsAuthError {
			return engine.NewPermanentError("ssh authentication failed", err)
		}
		if terr.Temporary() {
			return engine.NewTransientError("ssh transport failure", err)
		}
	}
	return engine.NewPermanentError("remote file operation failed", err).
		WithCode(engine.ErrCodeProviderFailed)
}

package provider

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/engine"
	sshtransport "github.com/openconverge/openconverge/pkg/transports/ssh"
)

// fakeHost records file operations for one host.
type fakeHost struct {
	mu    sync.Mutex
	files map[string]string
	modes map[string]os.FileMode
	fail  error
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: make(map[string]string), modes: make(map[string]os.FileMode)}
}

func (h *fakeHost) WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		err := h.fail
		h.fail = nil
		return err
	}
	h.files[path] = string(content)
	h.modes[path] = mode
	return nil
}

func (h *fakeHost) ReadFile(ctx context.Context, path string) ([]byte, os.FileMode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	content, ok := h.files[path]
	if !ok {
		return nil, 0, &sshtransport.TransportError{Op: "read-file", Err: os.ErrNotExist}
	}
	return []byte(content), h.modes[path], nil
}

func (h *fakeHost) Remove(ctx context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.files, path)
	delete(h.modes, path)
	return nil
}

func testRemoteFile() (*RemoteFile, map[string]*fakeHost) {
	hosts := make(map[string]*fakeHost)
	p := NewRemoteFile(RemoteFileConfig{User: "deploy"}, zerolog.Nop())
	p.dial = func(host string) (fileTransport, error) {
		h, ok := hosts[host]
		if !ok {
			h = newFakeHost()
			hosts[host] = h
		}
		return h, nil
	}
	return p, hosts
}

func TestRemoteFileCreateAndRead(t *testing.T) {
	ctx := context.Background()
	p, hosts := testRemoteFile()

	attrs := map[string]any{
		"host":    "web1",
		"path":    "/etc/app/config.toml",
		"content": "listen = \":8080\"\n",
		"mode":    "0600",
	}
	id, applied, err := p.Create(ctx, "remote_file", attrs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "web1:/etc/app/config.toml" {
		t.Fatalf("id = %q", id)
	}
	if applied["mode"] != "0600" {
		t.Fatalf("applied mode = %v", applied["mode"])
	}
	if hosts["web1"].modes["/etc/app/config.toml"] != 0o600 {
		t.Fatalf("mode on host = %v", hosts["web1"].modes["/etc/app/config.toml"])
	}

	live, err := p.Read(ctx, "remote_file", id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if live["content"] != attrs["content"] {
		t.Fatalf("content = %q", live["content"])
	}
}

func TestRemoteFileReadByDeclaredNameIsNotFound(t *testing.T) {
	p, _ := testRemoteFile()
	// The planner probes undeclared state with the declared name, which
	// carries no host; remote files are never adopted.
	if _, err := p.Read(context.Background(), "remote_file", "appconfig"); !engine.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRemoteFileUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	p, hosts := testRemoteFile()

	attrs := map[string]any{"host": "web1", "path": "/srv/index.html", "content": "v1"}
	id, _, err := p.Create(ctx, "remote_file", attrs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	attrs["content"] = "v2"
	applied, err := p.Update(ctx, "remote_file", id, attrs)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if applied["content"] != "v2" || hosts["web1"].files["/srv/index.html"] != "v2" {
		t.Fatalf("update did not take effect")
	}

	if err := p.Delete(ctx, "remote_file", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.Read(ctx, "remote_file", id); !engine.IsNotFound(err) {
		t.Fatalf("Read after delete = %v, want not found", err)
	}
	// Deleting again is a no-op.
	if err := p.Delete(ctx, "remote_file", id); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestRemoteFileValidatesAttributes(t *testing.T) {
	ctx := context.Background()
	p, _ := testRemoteFile()

	if _, _, err := p.Create(ctx, "remote_file", map[string]any{"path": "/x"}); !engine.IsValidation(err) {
		t.Fatalf("missing host: err = %v, want validation", err)
	}
	if _, _, err := p.Create(ctx, "remote_file", map[string]any{
		"host": "web1", "path": "/x", "mode": "rw-r--r--",
	}); !engine.IsValidation(err) {
		t.Fatalf("bad mode: err = %v, want validation", err)
	}
}

func TestRemoteFileClassifiesTransportFailures(t *testing.T) {
	ctx := context.Background()
	p, hosts := testRemoteFile()

	attrs := map[string]any{"host": "web1", "path": "/srv/a", "content": "x"}
	if _, _, err := p.Create(ctx, "remote_file", attrs); err != nil {
		t.Fatalf("Create: %v", err)
	}

	hosts["web1"].fail = &sshtransport.TransportError{Op: "write-file", Err: os.ErrDeadlineExceeded, IsTemporary: true}
	if _, err := p.Update(ctx, "remote_file", "web1:/srv/a", attrs); !engine.IsTransient(err) {
		t.Fatalf("temporary failure = %v, want transient", err)
	}

	hosts["web1"].fail = &sshtransport.TransportError{Op: "write-file", Err: os.ErrPermission, IsAuthError: true}
	if _, err := p.Update(ctx, "remote_file", "web1:/srv/a", attrs); engine.IsTransient(err) {
		t.Fatalf("auth failure must not be retryable")
	}
}

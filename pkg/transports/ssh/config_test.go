package ssh

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeKey(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(path, []byte("fake key material"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeKey(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid key auth",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "missing user",
			mutate:  func(c *Config) { c.User = "" },
			wantErr: true,
		},
		{
			name: "password auth without password",
			mutate: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			wantErr: true,
		},
		{
			name: "password auth with password",
			mutate: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:    "unknown auth method",
			mutate:  func(c *Config) { c.AuthMethod = "kerberos" },
			wantErr: true,
		},
		{
			name:    "missing key file",
			mutate:  func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			wantErr: true,
		},
		{
			name:    "zero connection timeout",
			mutate:  func(c *Config) { c.ConnectionTimeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Host:              "db1.internal",
				Port:              22,
				User:              "deploy",
				AuthMethod:        AuthMethodKey,
				PrivateKeyPath:    keyPath,
				ConnectionTimeout: 10 * time.Second,
				CommandTimeout:    time.Minute,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("web1", "deploy")
	if cfg.Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Port)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("AuthMethod = %s, want key", cfg.AuthMethod)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("StrictHostKeyChecking should default to true")
	}
	if cfg.Address() != "web1:22" {
		t.Errorf("Address() = %s", cfg.Address())
	}
}

func TestTransportErrorClassification(t *testing.T) {
	temp := &TransportError{Op: "connect", Err: os.ErrDeadlineExceeded, IsTemporary: true}
	if !temp.Temporary() {
		t.Error("connect timeout should be temporary")
	}
	auth := &TransportError{Op: "connect", Err: os.ErrPermission, IsAuthError: true}
	if auth.Temporary() {
		t.Error("auth failure should not be temporary")
	}
}

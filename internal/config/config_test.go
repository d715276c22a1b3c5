package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Buffer.FrameCapacity != 30 || cfg.Buffer.AudioCapacity != 100 {
		t.Errorf("unexpected capacities: %d/%d", cfg.Buffer.FrameCapacity, cfg.Buffer.AudioCapacity)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
auth:
  devices:
    - id: cam1
      token: secret
    - id: cam2
      token: other
      disabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.DevicePath != DeviceSocketPath {
		t.Errorf("device path = %q, want default", cfg.Server.DevicePath)
	}
	if cfg.Buffer.SyncToleranceMs != SyncToleranceMs {
		t.Errorf("tolerance = %d, want default", cfg.Buffer.SyncToleranceMs)
	}
	if len(cfg.Auth.Devices) != 2 || !cfg.Auth.Devices[1].Disabled {
		t.Errorf("devices not parsed: %+v", cfg.Auth.Devices)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad port", "server:\n  port: 70000\n"},
		{"zero capacity", "buffer:\n  frame_capacity: 0\n"},
		{"unknown backend", "auth:\n  backend: ldap\n"},
		{"duplicate device", "auth:\n  devices:\n    - id: a\n    - id: a\n"},
		{"relative path", "server:\n  device_path: ws\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

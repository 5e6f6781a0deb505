package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("TRAP_TEST_GETENV_UNSET")
		got := GetEnv("TRAP_TEST_GETENV_UNSET", "default")
		if got != "default" {
			t.Errorf("GetEnv(unset) = %q, want %q", got, "default")
		}
	})

	t.Run("returns value when set", func(t *testing.T) {
		os.Setenv("TRAP_TEST_GETENV_SET", "myvalue")
		defer os.Unsetenv("TRAP_TEST_GETENV_SET")
		got := GetEnv("TRAP_TEST_GETENV_SET", "default")
		if got != "myvalue" {
			t.Errorf("GetEnv(set) = %q, want %q", got, "myvalue")
		}
	})

	t.Run("returns default when empty", func(t *testing.T) {
		os.Setenv("TRAP_TEST_GETENV_EMPTY", "")
		defer os.Unsetenv("TRAP_TEST_GETENV_EMPTY")
		got := GetEnv("TRAP_TEST_GETENV_EMPTY", "default")
		if got != "default" {
			t.Errorf("GetEnv(empty) = %q, want %q", got, "default")
		}
	})

	t.Run("trims space", func(t *testing.T) {
		os.Setenv("TRAP_TEST_GETENV_TRIM", "  trimmed  ")
		defer os.Unsetenv("TRAP_TEST_GETENV_TRIM")
		got := GetEnv("TRAP_TEST_GETENV_TRIM", "default")
		if got != "trimmed" {
			t.Errorf("GetEnv(trim) = %q, want %q", got, "trimmed")
		}
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("TRAP_TEST_DURATION_UNSET")
		got := GetEnvDuration("TRAP_TEST_DURATION_UNSET", 5*time.Second)
		if got != 5*time.Second {
			t.Errorf("GetEnvDuration(unset) = %v, want 5s", got)
		}
	})

	t.Run("returns default when empty", func(t *testing.T) {
		os.Setenv("TRAP_TEST_DURATION_EMPTY", "")
		defer os.Unsetenv("TRAP_TEST_DURATION_EMPTY")
		got := GetEnvDuration("TRAP_TEST_DURATION_EMPTY", 10*time.Second)
		if got != 10*time.Second {
			t.Errorf("GetEnvDuration(empty) = %v, want 10s", got)
		}
	})

	t.Run("parses valid duration", func(t *testing.T) {
		os.Setenv("TRAP_TEST_DURATION_VALID", "30s")
		defer os.Unsetenv("TRAP_TEST_DURATION_VALID")
		got := GetEnvDuration("TRAP_TEST_DURATION_VALID", time.Second)
		if got != 30*time.Second {
			t.Errorf("GetEnvDuration(30s) = %v, want 30s", got)
		}
	})

	t.Run("returns default on invalid duration", func(t *testing.T) {
		os.Setenv("TRAP_TEST_DURATION_INVALID", "not-a-duration")
		defer os.Unsetenv("TRAP_TEST_DURATION_INVALID")
		got := GetEnvDuration("TRAP_TEST_DURATION_INVALID", 7*time.Second)
		if got != 7*time.Second {
			t.Errorf("GetEnvDuration(invalid) = %v, want 7s", got)
		}
	})
}

func TestGetEnvInt(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("TRAP_TEST_INT_UNSET")
		if got := GetEnvInt("TRAP_TEST_INT_UNSET", 3); got != 3 {
			t.Errorf("GetEnvInt(unset) = %d, want 3", got)
		}
	})

	t.Run("parses value", func(t *testing.T) {
		t.Setenv("TRAP_TEST_INT_SET", " 42 ")
		if got := GetEnvInt("TRAP_TEST_INT_SET", 3); got != 42 {
			t.Errorf("GetEnvInt(42) = %d, want 42", got)
		}
	})

	t.Run("returns default on invalid", func(t *testing.T) {
		t.Setenv("TRAP_TEST_INT_BAD", "many")
		if got := GetEnvInt("TRAP_TEST_INT_BAD", 3); got != 3 {
			t.Errorf("GetEnvInt(invalid) = %d, want 3", got)
		}
	})
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TRAP_TEST_BOOL_SET", "false")
	if GetEnvBool("TRAP_TEST_BOOL_SET", true) {
		t.Error("GetEnvBool(false) = true")
	}
	t.Setenv("TRAP_TEST_BOOL_BAD", "maybe")
	if !GetEnvBool("TRAP_TEST_BOOL_BAD", true) {
		t.Error("GetEnvBool(invalid) should fall back to default")
	}
}

func TestDefaultTrapConfig(t *testing.T) {
	cfg := DefaultTrapConfig()
	if len(cfg.Services) != len(types.AllServiceTypes) {
		t.Fatalf("Services = %d, want one per protocol (%d)", len(cfg.Services), len(types.AllServiceTypes))
	}
	for _, s := range cfg.Services {
		if s.Port != DefaultPorts[s.Type] {
			t.Errorf("service %s port = %d, want %d", s.Type, s.Port, DefaultPorts[s.Type])
		}
	}
	if len(cfg.EnabledServices()) == 0 {
		t.Error("some services should be enabled by default")
	}
	if cfg.GracePeriod <= 0 || cfg.IdleTimeout <= 0 {
		t.Errorf("timeouts should be positive: grace=%v idle=%v", cfg.GracePeriod, cfg.IdleTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestTrapConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  TrapConfig
		ok   bool
	}{
		{"empty services", TrapConfig{}, true},
		{"port out of range", TrapConfig{Services: []TrapServiceConfig{{Type: types.ServiceSSH, Port: 70000, Enabled: true}}}, false},
		{"duplicate type", TrapConfig{Services: []TrapServiceConfig{
			{Type: types.ServiceSSH, Port: 2222}, {Type: types.ServiceSSH, Port: 2223},
		}}, false},
		{"port clash", TrapConfig{Services: []TrapServiceConfig{
			{Type: types.ServiceSSH, Port: 2222, Enabled: true}, {Type: types.ServiceTelnet, Port: 2222, Enabled: true},
		}}, false},
		{"port clash on disabled is fine", TrapConfig{Services: []TrapServiceConfig{
			{Type: types.ServiceSSH, Port: 2222, Enabled: true}, {Type: types.ServiceTelnet, Port: 2222},
		}}, true},
		{"ephemeral ports do not clash", TrapConfig{Services: []TrapServiceConfig{
			{Type: types.ServiceSSH, Enabled: true}, {Type: types.ServiceHTTP, Enabled: true},
		}}, true},
		{"negative grace", TrapConfig{GracePeriod: -time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadTrapConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trap.yaml")
	content := `
hostname: web-01
idle_timeout: 45s
shell_after_attempts: 2
services:
  - type: ssh
    port: 22022
    enabled: true
  - type: redis
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadTrapConfig(path)
	if err != nil {
		t.Fatalf("LoadTrapConfig: %v", err)
	}
	if cfg.Hostname != "web-01" || cfg.IdleTimeout != 45*time.Second || cfg.ShellAfterAttempts != 2 {
		t.Errorf("scalar fields: hostname=%q idle=%v shell=%d", cfg.Hostname, cfg.IdleTimeout, cfg.ShellAfterAttempts)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("Services = %+v, want 2 entries", cfg.Services)
	}
	if cfg.Services[1].Type != types.ServiceRedis || cfg.Services[1].Port != 6379 {
		t.Errorf("redis should get its default port: %+v", cfg.Services[1])
	}
	if cfg.GracePeriod != DefaultTrapConfig().GracePeriod {
		t.Errorf("missing keys should keep defaults, grace = %v", cfg.GracePeriod)
	}
}

func TestLoadTrapConfig_Errors(t *testing.T) {
	if _, err := LoadTrapConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("services: [oops"), 0o644)
	if _, err := LoadTrapConfig(path); err == nil {
		t.Error("expected parse error")
	}

	clash := filepath.Join(t.TempDir(), "clash.yaml")
	os.WriteFile(clash, []byte("services:\n  - {type: ssh, port: 2000, enabled: true}\n  - {type: ftp, port: 2000, enabled: true}\n"), 0o644)
	if _, err := LoadTrapConfig(clash); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestDefaultDaemonConfig(t *testing.T) {
	os.Unsetenv("REPORT_ENDPOINT")
	os.Unsetenv("NATS_URL")
	cfg := DefaultDaemonConfig()
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ReportEndpoint != "" || cfg.NATSURL != "" {
		t.Error("sinks should be disabled when env unset")
	}
	if cfg.ReportQueueSize != 10000 {
		t.Errorf("ReportQueueSize = %d", cfg.ReportQueueSize)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trap.yaml")
	if err := os.WriteFile(path, []byte("hostname: a\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	changes := make(chan TrapConfig, 4)
	log := logrus.New()
	w, err := NewWatcher(path, 50*time.Millisecond, func(c TrapConfig) { changes <- c }, log)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Give the watcher a moment to start consuming events.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("hostname: b\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case c := <-changes:
		if c.Hostname != "b" {
			t.Errorf("reloaded hostname = %q, want b", c.Hostname)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

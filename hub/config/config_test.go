package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":3001",
			"allowed_origins": ["http://localhost:3000"],
			"upload_dir": "/tmp/forum-uploads"
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h"
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h"
		},
		"broker": {
			"enabled": true,
			"host": "mqtt.internal",
			"port": 8883,
			"client_id": "hub-a",
			"fallback_timeout": 3,
			"max_reconnect_attempts": 5,
			"qos": 0
		},
		"session": {
			"history_limit": 50,
			"send_buffer": 16,
			"close_grace": "250ms"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":3001" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Server.UploadDir != "/tmp/forum-uploads" {
		t.Errorf("Server.UploadDir: got %q", cfg.Server.UploadDir)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v", cfg.Storage.Retention.Duration)
	}

	if !cfg.Broker.Enabled {
		t.Error("Broker.Enabled: got false")
	}
	if cfg.Broker.URL() != "tcp://mqtt.internal:8883" {
		t.Errorf("Broker.URL: got %q", cfg.Broker.URL())
	}
	if cfg.Broker.ClientID != "hub-a" {
		t.Errorf("Broker.ClientID: got %q", cfg.Broker.ClientID)
	}
	if cfg.Broker.FallbackTimeout.Duration != 3*time.Second {
		t.Errorf("Broker.FallbackTimeout: got %v", cfg.Broker.FallbackTimeout.Duration)
	}
	if cfg.Broker.MaxReconnectAttempts != 5 {
		t.Errorf("Broker.MaxReconnectAttempts: got %d", cfg.Broker.MaxReconnectAttempts)
	}
	if cfg.Broker.QoSLevel() != 0 {
		t.Errorf("Broker.QoSLevel: got %d, want 0", cfg.Broker.QoSLevel())
	}

	if cfg.Session.HistoryLimit != 50 || cfg.Session.SendBuffer != 16 {
		t.Errorf("Session: got %+v", cfg.Session)
	}
	if cfg.Session.CloseGrace.Duration != 250*time.Millisecond {
		t.Errorf("Session.CloseGrace: got %v", cfg.Session.CloseGrace.Duration)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q", cfg.Logging.Format)
	}
}

func TestValidateRequired(t *testing.T) {
	noAddr := `{
		"server": {},
		"auth": {"jwt_secret": "some-secret-value-long-enough-for-jwt"}
	}`
	path := writeTempConfig(t, noAddr)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	shortSecret := `{
		"server": {"addr": ":3001"},
		"auth": {"jwt_secret": "short"}
	}`
	path = writeTempConfig(t, shortSecret)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for short auth.jwt_secret, got nil")
	}

	badDriver := `{
		"server": {"addr": ":3001"},
		"auth": {"jwt_secret": "some-secret-value-long-enough-for-jwt"},
		"storage": {"driver": "mongodb"}
	}`
	path = writeTempConfig(t, badDriver)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported storage driver, got nil")
	}

	badQoS := `{
		"server": {"addr": ":3001"},
		"auth": {"jwt_secret": "some-secret-value-long-enough-for-jwt"},
		"broker": {"qos": 3}
	}`
	path = writeTempConfig(t, badQoS)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for qos 3, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":3001"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "forum.db" {
		t.Errorf("default Storage: got %+v", cfg.Storage)
	}
	if cfg.Broker.Enabled {
		t.Error("default Broker.Enabled: got true")
	}
	if cfg.Broker.Host != "localhost" || cfg.Broker.Port != 1883 {
		t.Errorf("default broker address: got %s", cfg.Broker.URL())
	}
	if cfg.Broker.FallbackTimeout.Duration != 5*time.Second {
		t.Errorf("default Broker.FallbackTimeout: got %v", cfg.Broker.FallbackTimeout.Duration)
	}
	if cfg.Broker.MaxReconnectAttempts != 3 {
		t.Errorf("default Broker.MaxReconnectAttempts: got %d", cfg.Broker.MaxReconnectAttempts)
	}
	if cfg.Broker.QoSLevel() != 1 {
		t.Errorf("default Broker.QoSLevel: got %d", cfg.Broker.QoSLevel())
	}
	if cfg.Broker.ClientID == "" {
		t.Error("default Broker.ClientID: got empty")
	}
	if cfg.Session.HistoryLimit != 100 {
		t.Errorf("default Session.HistoryLimit: got %d", cfg.Session.HistoryLimit)
	}
	if cfg.Session.SendBuffer != 64 {
		t.Errorf("default Session.SendBuffer: got %d", cfg.Session.SendBuffer)
	}
	if cfg.Session.CloseGrace.Duration != time.Second {
		t.Errorf("default Session.CloseGrace: got %v", cfg.Session.CloseGrace.Duration)
	}
	if cfg.Server.MaxFileBytes != 10*1024*1024 {
		t.Errorf("default Server.MaxFileBytes: got %d", cfg.Server.MaxFileBytes)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORUM_ADDR", ":9000")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("MQTT_HOST", "broker.example")
	t.Setenv("MQTT_PORT", "1884")
	t.Setenv("FORUM_STORAGE_DRIVER", "postgres")
	t.Setenv("FORUM_STORAGE_DSN", "postgres://forum@localhost/forum")

	path := writeTempConfig(t, `{
		"server": {"addr": ":3001"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if !cfg.Broker.Enabled || cfg.Broker.URL() != "tcp://broker.example:1884" {
		t.Errorf("Broker: got enabled=%v url=%s", cfg.Broker.Enabled, cfg.Broker.URL())
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://forum@localhost/forum" {
		t.Errorf("Storage: got %+v", cfg.Storage)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"90s"`)); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("string form: got %v", d.Duration)
	}
	if err := d.UnmarshalJSON([]byte(`15`)); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 15*time.Second {
		t.Errorf("numeric form: got %v", d.Duration)
	}
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Error("expected error for boolean duration")
	}
}

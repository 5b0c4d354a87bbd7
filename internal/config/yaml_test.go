package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygate.yaml")
	content := `
server:
  host: 127.0.0.1
  port: 9000
auth:
  jwt_secret: ${KEYGATE_TEST_SECRET}
  jwt_expiry: 2h
threat:
  enabled: true
  whitelist:
    - 10.0.0.5
    - 10.0.0.6
notify:
  webhook_url: https://hooks.example.com/keygate
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KEYGATE_TEST_SECRET", "from-env")

	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt secret = %q, env expansion failed", cfg.Auth.JWTSecret)
	}
	if len(cfg.Threat.Whitelist) != 2 {
		t.Errorf("whitelist = %v", cfg.Threat.Whitelist)
	}
	if cfg.Notify.WebhookURL != "https://hooks.example.com/keygate" {
		t.Errorf("webhook url = %q", cfg.Notify.WebhookURL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("write default config: %v", err)
	}
	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("reload default config: %v", err)
	}
	def := DefaultYAMLConfig()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("port = %d, want %d", cfg.Server.Port, def.Server.Port)
	}
	if cfg.Threat.RateLimit != def.Threat.RateLimit {
		t.Errorf("rate limit = %d, want %d", cfg.Threat.RateLimit, def.Threat.RateLimit)
	}
}

func TestLoadYAMLConfigMissingFile(t *testing.T) {
	if _, err := LoadYAMLConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "govee:\n  api_key: secret\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Govee.APIKey != "secret" {
		t.Errorf("api_key = %q", cfg.Govee.APIKey)
	}
	if cfg.Govee.Timeout.Duration() != 30*time.Second {
		t.Errorf("timeout = %v", cfg.Govee.Timeout.Duration())
	}
	if cfg.Poll.Interval.Duration() != 30*time.Second {
		t.Errorf("poll interval = %v", cfg.Poll.Interval.Duration())
	}
	if cfg.Learning.Storage != "sqlite" {
		t.Errorf("learning storage = %q", cfg.Learning.Storage)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Govee.OfflineIsOff != nil {
		t.Error("offline_is_off should stay unset")
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	if _, err := Load(writeConfig(t, "log:\n  level: debug\n")); err == nil {
		t.Fatal("missing api_key must fail")
	}
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	body := "govee:\n  api_key: secret\nlearning:\n  storage: etcd\n"
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("unknown storage must fail")
	}
}

func TestLoadParsesDurationsAndFlags(t *testing.T) {
	body := `
govee:
  api_key: secret
  timeout: 5s
  offline_is_off: true
  ignore_attributes: "HISTORY:brightness"
poll:
  interval: 90s
learning:
  storage: json
  path: /tmp/learning.json
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Govee.Timeout.Duration() != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Govee.Timeout.Duration())
	}
	if cfg.Poll.Interval.Duration() != 90*time.Second {
		t.Errorf("poll interval = %v", cfg.Poll.Interval.Duration())
	}
	if cfg.Govee.OfflineIsOff == nil || !*cfg.Govee.OfflineIsOff {
		t.Error("offline_is_off not parsed")
	}
	if cfg.Govee.IgnoreAttributes != "HISTORY:brightness" {
		t.Errorf("ignore_attributes = %q", cfg.Govee.IgnoreAttributes)
	}
	if cfg.Learning.Storage != "json" || cfg.Learning.Path != "/tmp/learning.json" {
		t.Errorf("learning = %+v", cfg.Learning)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("GOVEE_TEST_KEY", "from-env")
	body := "govee:\n  api_key: ${GOVEE_TEST_KEY}\nlog:\n  level: ${GOVEE_TEST_LEVEL:debug}\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Govee.APIKey != "from-env" {
		t.Errorf("api_key = %q", cfg.Govee.APIKey)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("default expansion failed, level = %q", cfg.Log.Level)
	}
}

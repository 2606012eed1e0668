package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func resetViper(t *testing.T, workspace string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("workspace", workspace)
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	resetViper(t, dir)
	cfgYAML := "engine:\n  base_url: https://file.test\n  templates: \"1,2\"\n"
	if err := os.WriteFile(filepath.Join(dir, "taskrelay.yml"), []byte(cfgYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKRELAY_ENGINE_BASE_URL", "https://env.test")
	t.Setenv("TASKRELAY_REALTIME_SETTLE_MS", "250")
	initConfig()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.BaseURL != "https://env.test" {
		t.Fatalf("expected env base url, got %q", cfg.Engine.BaseURL)
	}
	if cfg.Engine.Templates != "1,2" {
		t.Fatalf("expected file templates kept, got %q", cfg.Engine.Templates)
	}
	if cfg.Realtime.SettleMS != 250 {
		t.Fatalf("expected settle 250, got %d", cfg.Realtime.SettleMS)
	}
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	resetViper(t, dir)
	t.Setenv("TASKRELAY_AUTH_JWT_SECRET", "")
	os.Unsetenv("TASKRELAY_AUTH_JWT_SECRET")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TASKRELAY_AUTH_JWT_SECRET=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	initConfig()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-dotenv" {
		t.Fatalf("expected secret from .env, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadConfigRejectsInvalidOverride(t *testing.T) {
	resetViper(t, t.TempDir())
	t.Setenv("TASKRELAY_LOG_LEVEL", "loud")
	initConfig()
	if _, err := loadConfig(); err == nil {
		t.Fatalf("expected validation error for log level")
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line one\nline two", 40, "line one line two"},
		{"abcdefghij", 5, "abcd…"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

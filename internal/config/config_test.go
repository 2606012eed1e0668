package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
	if cfg.SettleDelay() != 100*time.Millisecond {
		t.Fatalf("unexpected settle delay %s", cfg.SettleDelay())
	}
	if cfg.Workflow().Configured() {
		t.Fatalf("default engine config should be unconfigured")
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
engine:
  base_url: https://engine.example.com/api
  api_key: k
  templates: "3, 4,5"
vault:
  key_id: k2
  previous_keys:
    k1: abc
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	wf := cfg.Workflow()
	if !wf.Configured() || len(wf.Templates) != 3 || wf.Templates[2] != 5 {
		t.Fatalf("unexpected workflow config %+v", wf)
	}
	if wf.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout to survive, got %s", wf.Timeout)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("expected default addr, got %q", cfg.Server.Addr)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"templates":   "engine:\n  templates: \"1,x\"\n",
		"log level":   "log_level: loud\n",
		"base path":   "server:\n  base_path: v1\n",
		"kafka topic": "realtime:\n  kafka_brokers: localhost:9092\n  kafka_topic: \"\"\n",
		"rotation":    "vault:\n  key_id: a\n  previous_keys:\n    a: x\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(Path(dir))
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}
	path := filepath.Join(dir, "custom.yml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Fatalf("unexpected level %s", cfg.SlogLevel())
	}
	if !strings.Contains(GenerateDefault(), "templates:") {
		t.Fatalf("default template missing engine section")
	}
}

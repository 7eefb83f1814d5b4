package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "novaadapt.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8787 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Storage.IdempotencyTTLHours != 168 || cfg.Storage.AuditTTLHours != 720 {
		t.Fatalf("unexpected TTL defaults: %+v", cfg.Storage)
	}
	if cfg.Jobs.Workers != 4 || cfg.Jobs.QueueDepth != 64 {
		t.Fatalf("unexpected jobs defaults: %+v", cfg.Jobs)
	}
	if cfg.Agent.MaxActions != 20 {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
models:
  default: alpha
  endpoints:
    - name: alpha
      provider: openai_compat
      base_url: http://localhost:11434
      model: llama3
storage:
  data_dir: /tmp/nova-test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if len(cfg.Models.Endpoints) != 1 || cfg.Models.Endpoints[0].Name != "alpha" {
		t.Fatalf("endpoints not parsed: %+v", cfg.Models.Endpoints)
	}
	// Unset fields keep defaults.
	if cfg.Server.MaxBodyBytes != 1<<20 {
		t.Fatalf("default max_body_bytes lost: %d", cfg.Server.MaxBodyBytes)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  host: 127.0.0.1\n  port: 9000\n")
	t.Setenv("NOVAADAPT_PORT", "9999")
	t.Setenv("NOVAADAPT_API_TOKEN", "secret")
	t.Setenv("NOVAADAPT_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.0.0/16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("env port not applied: %d", cfg.Server.Port)
	}
	if cfg.Server.APIToken != "secret" {
		t.Fatal("env token not applied")
	}
	if len(cfg.Server.TrustedProxies) != 2 {
		t.Fatalf("proxy list not split: %v", cfg.Server.TrustedProxies)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, "server:\n  host: 127.0.0.1\n  port: 8787\n  banana: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidate_SchemaViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"bad transport type", func(c *Config) { c.Transport.Type = "carrier-pigeon" }},
		{"bad log level", func(c *Config) { c.Telemetry.LogLevel = "loud" }},
		{"negative rate limit", func(c *Config) { c.Server.RateLimitRPS = -1 }},
		{"zero workers", func(c *Config) { c.Jobs.Workers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidate_EndpointMissingModel(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8787
models:
  endpoints:
    - name: alpha
      base_url: http://localhost:11434
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for endpoint without model")
	}
}

func TestStorePaths(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = "/srv/nova"
	paths := cfg.StorePaths()
	if len(paths) != 5 {
		t.Fatalf("expected 5 stores, got %d", len(paths))
	}
	if paths["plans"] != filepath.Join("/srv/nova", "plans.db") {
		t.Fatalf("unexpected plans path: %s", paths["plans"])
	}
}

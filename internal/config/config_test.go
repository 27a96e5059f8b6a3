package config

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := write(t, "fieldsync.json", `{
		"remote": {"baseUrl": "https://api.example.com", "authToken": "tok"},
		"connectivity": {"mode": "probe", "probeUrl": "https://api.example.com/healthz"},
		"cache": {"ttlDays": 3, "maxRecords": 100, "pruneSchedule": "@hourly"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.TTLDays != 3 {
		t.Errorf("ttlDays: got %d, want 3", cfg.Cache.TTLDays)
	}
	// Defaults fill gaps.
	if cfg.Server.Port != 8099 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Usage.WarnThreshold != 50000 {
		t.Errorf("default warn threshold: got %d", cfg.Usage.WarnThreshold)
	}
}

func TestLoadTOML(t *testing.T) {
	path := write(t, "fieldsync.toml", `
[remote]
base_url = "https://api.example.com"
auth_token = "tok"

[connectivity]
mode = "mqtt"
broker = "mq.example.com"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Connectivity.Broker != "mq.example.com" {
		t.Errorf("broker: %q", cfg.Connectivity.Broker)
	}
	if cfg.Connectivity.Port != 1883 {
		t.Errorf("default broker port: %d", cfg.Connectivity.Port)
	}
}

func TestLoadYAML(t *testing.T) {
	path := write(t, "fieldsync.yaml", `
remote:
  base_url: https://api.example.com
  auth_token: tok
connectivity:
  mode: probe
  probe_url: https://api.example.com/healthz
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Connectivity.ProbeURL == "" {
		t.Error("probe url not parsed")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.Remote.BaseURL = "" }},
		{"missing token", func(c *Config) { c.Remote.AuthToken = "" }},
		{"mqtt without broker", func(c *Config) { c.Connectivity.Broker = "" }},
		{"unknown mode", func(c *Config) { c.Connectivity.Mode = "carrier-pigeon" }},
		{"zero ttl", func(c *Config) { c.Cache.TTLDays = 0 }},
		{"zero record bound", func(c *Config) { c.Cache.MaxRecords = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Remote = RemoteConfig{BaseURL: "https://api.example.com", AuthToken: "tok"}
			cfg.Connectivity.Broker = "mq.example.com"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

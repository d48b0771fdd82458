package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetform.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Runtime.Type != RuntimeDocker {
		t.Errorf("default runtime = %q, want %q", cfg.Runtime.Type, RuntimeDocker)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("default addr = %q", cfg.HTTPAddr)
	}
}

func TestLoad_ParsesCompanionsAndApplications(t *testing.T) {
	path := writeTempConfig(t, `
[applications]
max = 20
replicationCondition = "always-from-default-app"

[companions.openid]
type = "application"
image = "oidc:1"

[companions.openid.env]
CLIENT_ID = "abc"

[companions.bootstrapping]
containers = [{ image = "bootstrap:1", args = ["--flag"] }]
`)
	cfg, err := Load(path, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Applications.Max != 20 {
		t.Errorf("Applications.Max = %d, want 20", cfg.Applications.Max)
	}
	def, ok := cfg.Companions.Definitions["openid"]
	if !ok {
		t.Fatal("expected companions.openid to be parsed")
	}
	if def.Type != CompanionApplication || def.Image != "oidc:1" {
		t.Errorf("unexpected companion definition: %+v", def)
	}
	if def.Env["CLIENT_ID"] != "abc" {
		t.Errorf("companion env not parsed: %+v", def.Env)
	}
	if len(cfg.Companions.Bootstrapping.Containers) != 1 {
		t.Fatalf("expected one bootstrap container, got %d", len(cfg.Companions.Bootstrapping.Containers))
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `
[runtime]
type = "Docker"
`)
	t.Setenv("FLEETFORM_RUNTIME_TYPE", "Kubernetes")

	cfg, err := Load(path, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Runtime.Type != RuntimeKubernetes {
		t.Errorf("runtime type = %q, want Kubernetes (env should win over file)", cfg.Runtime.Type)
	}
}

func TestLoad_FlagOverridesEnvAndFile(t *testing.T) {
	path := writeTempConfig(t, `
[runtime]
type = "Docker"
`)
	t.Setenv("FLEETFORM_RUNTIME_TYPE", "Kubernetes")

	cfg, err := Load(path, RuntimeDocker, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Runtime.Type != RuntimeDocker {
		t.Errorf("runtime type = %q, want Docker (flag should win)", cfg.Runtime.Type)
	}
}

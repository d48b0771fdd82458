package docker

import (
	"os"
	"testing"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

func TestContainerName_SanitizesUnderscoresAndCase(t *testing.T) {
	if got := containerName("My_App", "Web_UI"); got != "ff-my-app-web-ui" {
		t.Errorf("containerName = %q", got)
	}
}

func TestBuildSpec_SetsTraefikLabelsWhenRoutingDeclared(t *testing.T) {
	d := &Deployer{network: "fleetform", dataDir: t.TempDir(), secretsDir: t.TempDir()}
	cfg := domain.ServiceConfig{
		ServiceName: "web",
		Image:       "nginx:1",
		Routing: &domain.Routing{
			Rule:                  "Host(`myapp.example.com`)",
			AdditionalMiddlewares: []domain.Middleware{{Name: "compress", Value: true}},
		},
	}

	config, _, netConfig := d.buildSpec("myapp", cfg)

	if config.Labels["traefik.enable"] != "true" {
		t.Errorf("traefik.enable = %q", config.Labels["traefik.enable"])
	}
	if config.Labels["traefik.http.routers.web.rule"] != cfg.Routing.Rule {
		t.Errorf("router rule label = %q", config.Labels["traefik.http.routers.web.rule"])
	}
	if config.Labels["traefik.http.routers.web.middlewares"] != "web-compress" {
		t.Errorf("router middlewares label = %q", config.Labels["traefik.http.routers.web.middlewares"])
	}
	if _, ok := netConfig.EndpointsConfig["fleetform"]; !ok {
		t.Errorf("expected endpoint on network fleetform, got %+v", netConfig.EndpointsConfig)
	}
}

func TestBuildSpec_AppliesMemoryLimitInMiB(t *testing.T) {
	d := &Deployer{network: "fleetform", dataDir: t.TempDir(), secretsDir: t.TempDir()}
	limit := int64(256)
	cfg := domain.ServiceConfig{ServiceName: "web", Image: "nginx:1", MemoryLimit: &limit}

	_, hostConfig, _ := d.buildSpec("myapp", cfg)

	if hostConfig.Resources.Memory != 256*1024*1024 {
		t.Errorf("memory limit = %d, want %d", hostConfig.Resources.Memory, 256*1024*1024)
	}
}

func TestMaterializeFiles_WritesUnderDataDir(t *testing.T) {
	d := &Deployer{network: "fleetform", dataDir: t.TempDir(), secretsDir: t.TempDir()}
	cfg := domain.ServiceConfig{
		ServiceName: "web",
		Files:       map[string]string{"/etc/app/config.yaml": "key: value\n"},
	}

	if err := d.materializeFiles("myapp", cfg); err != nil {
		t.Fatalf("materializeFiles: %v", err)
	}

	hostPath := d.fileHostPath("myapp", "web", "/etc/app/config.yaml")
	data, err := os.ReadFile(hostPath)
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(data) != "key: value\n" {
		t.Errorf("file contents = %q", data)
	}
}

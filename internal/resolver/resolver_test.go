package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chiwei-platform/fleetform/internal/config"
	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/hook"
)

type stubDigestResolver struct {
	digest string
	err    error
}

func (s *stubDigestResolver) ResolveDigest(_ context.Context, _ string) (string, error) {
	return s.digest, s.err
}

type stubBootstrapRunner struct {
	configs []domain.ServiceConfig
	err     error
}

func (s *stubBootstrapRunner) Run(_ context.Context, _ string, _ []config.BootstrapContainer, _ domain.DeploymentContext) ([]domain.ServiceConfig, error) {
	return s.configs, s.err
}

func newTestConfig() *config.Config {
	return &config.Config{
		Applications: config.ApplicationsConfig{ReplicationCondition: config.ReplicateOnlyWhenRequested},
	}
}

func TestResolve_InstanceOnly(t *testing.T) {
	cfg := newTestConfig()
	r, err := New(cfg, &stubDigestResolver{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Resolve(context.Background(), Input{
		AppName:   "myapp",
		Requested: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Services) != 1 {
		t.Fatalf("got %d services, want 1", len(res.Services))
	}
	if res.Services[0].Type != domain.ServiceTypeInstance {
		t.Errorf("Type = %q, want instance", res.Services[0].Type)
	}
}

func TestResolve_RejectsDuplicateServiceNames(t *testing.T) {
	cfg := newTestConfig()
	r, _ := New(cfg, &stubDigestResolver{}, nil, nil)

	_, err := r.Resolve(context.Background(), Input{
		AppName: "myapp",
		Requested: []domain.ServiceConfig{
			{ServiceName: "web", Image: "nginx:1"},
			{ServiceName: "web", Image: "nginx:2"},
		},
	})
	if err == nil {
		t.Fatal("expected error for duplicate service names")
	}
}

func TestResolve_ReplicationOnlyWhenRequested(t *testing.T) {
	cfg := newTestConfig()
	r, _ := New(cfg, &stubDigestResolver{}, nil, nil)

	res, err := r.Resolve(context.Background(), Input{
		AppName:   "myapp-pr-1",
		Requested: nil,
		CurrentlyDeployedOfSrc: []domain.ServiceConfig{
			{ServiceName: "web", Image: "nginx:1", Env: map[string]domain.EnvValue{
				"KEEP": {Value: "1", Replicate: true},
				"DROP": {Value: "2"},
			}},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Services) != 0 {
		t.Fatalf("expected no replication without replicateFrom, got %d services", len(res.Services))
	}

	res, err = r.Resolve(context.Background(), Input{
		AppName:       "myapp-pr-1",
		ReplicateFrom: "myapp",
		CurrentlyDeployedOfSrc: []domain.ServiceConfig{
			{ServiceName: "web", Image: "nginx:1", Env: map[string]domain.EnvValue{
				"KEEP": {Value: "1", Replicate: true},
				"DROP": {Value: "2"},
			}},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Services) != 1 || res.Services[0].Type != domain.ServiceTypeReplica {
		t.Fatalf("expected one replica, got %+v", res.Services)
	}
	if _, ok := res.Services[0].Env["DROP"]; ok {
		t.Errorf("non-replicated env var carried over")
	}
	if _, ok := res.Services[0].Env["KEEP"]; !ok {
		t.Errorf("replicated env var dropped")
	}
}

func TestResolve_AppCompanionAdded(t *testing.T) {
	cfg := newTestConfig()
	cfg.Companions.Definitions = map[string]config.CompanionDefinition{
		"db": {Type: config.CompanionApplication, ServiceName: "db", Image: "postgres:15"},
	}
	r, _ := New(cfg, &stubDigestResolver{}, nil, nil)

	res, err := r.Resolve(context.Background(), Input{
		AppName:   "myapp",
		Requested: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Services) != 2 {
		t.Fatalf("got %d services, want 2", len(res.Services))
	}
	// step 10: instance before companion.
	if res.Services[0].ServiceName != "web" || res.Services[1].ServiceName != "db" {
		t.Errorf("unexpected order: %+v", res.Services)
	}
	if res.Services[1].Type != domain.ServiceTypeAppCompanion {
		t.Errorf("Type = %q, want app-companion", res.Services[1].Type)
	}
}

func TestResolve_DeploymentStrategyNeverPreservesExisting(t *testing.T) {
	cfg := newTestConfig()
	cfg.Companions.Definitions = map[string]config.CompanionDefinition{
		"db": {Type: config.CompanionApplication, ServiceName: "db", Image: "postgres:15", DeploymentStrategy: string(domain.DeployNever)},
	}
	r, _ := New(cfg, &stubDigestResolver{}, nil, nil)

	res, err := r.Resolve(context.Background(), Input{
		AppName:   "myapp",
		Requested: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
		CurrentlyDeployedOfDst: []domain.ServiceConfig{
			{ServiceName: "db", Type: domain.ServiceTypeAppCompanion, Image: "postgres:14"},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, s := range res.Services {
		if s.ServiceName == "db" {
			t.Fatalf("redeploy-never companion should not be in desired list: %+v", res.Services)
		}
	}
	if len(res.Preserve) != 1 || res.Preserve[0] != "db" {
		t.Errorf("Preserve = %+v, want [db]", res.Preserve)
	}
}

func TestResolve_DeploymentStrategyOnImageUpdate(t *testing.T) {
	cfg := newTestConfig()
	cfg.Companions.Definitions = map[string]config.CompanionDefinition{
		"db": {Type: config.CompanionApplication, ServiceName: "db", Image: "postgres:15", DeploymentStrategy: string(domain.DeployOnImageUpdate)},
	}

	deployed := []domain.ServiceConfig{{ServiceName: "db", Type: domain.ServiceTypeAppCompanion, Image: "sha256:same"}}

	unchanged, _ := New(cfg, &stubDigestResolver{digest: "sha256:same"}, nil, nil)
	res, err := unchanged.Resolve(context.Background(), Input{
		AppName:                "myapp",
		Requested:              []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
		CurrentlyDeployedOfDst: deployed,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Preserve) != 1 {
		t.Fatalf("expected db preserved when digest unchanged, got %+v", res)
	}

	changed, _ := New(cfg, &stubDigestResolver{digest: "sha256:new"}, nil, nil)
	res, err = changed.Resolve(context.Background(), Input{
		AppName:                "myapp",
		Requested:              []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
		CurrentlyDeployedOfDst: deployed,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	found := false
	for _, s := range res.Services {
		if s.ServiceName == "db" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected db redeployed when digest changed, got %+v", res.Services)
	}
}

func TestResolve_SecretsMergedBySelector(t *testing.T) {
	cfg := newTestConfig()
	cfg.Services = map[string]config.ServiceConfig{
		"web": {Secrets: map[string]config.SecretConfig{
			"tls-cert": {AppSelector: "^myapp$", Path: "/etc/tls"},
			"other":    {AppSelector: "^unrelated$", Path: "/etc/other"},
		}},
	}
	r, _ := New(cfg, &stubDigestResolver{}, nil, nil)

	res, err := r.Resolve(context.Background(), Input{
		AppName:   "myapp",
		Requested: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Services[0].Secrets) != 1 || res.Services[0].Secrets[0].Name != "tls-cert" {
		t.Errorf("Secrets = %+v, want only tls-cert", res.Services[0].Secrets)
	}
}

func TestResolve_UserDefinedSchemaRejectsInvalidPayload(t *testing.T) {
	cfg := newTestConfig()
	cfg.Companions.Templating.UserDefinedSchema = map[string]any{
		"type":     "object",
		"required": []any{"replicas"},
		"properties": map[string]any{
			"replicas": map[string]any{"type": "integer"},
		},
	}
	r, err := New(cfg, &stubDigestResolver{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Resolve(context.Background(), Input{
		AppName:   "myapp",
		Requested: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
		UserDefined: map[string]any{
			"replicas": "not-an-integer",
		},
	})
	if !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestResolve_BootstrapContributesAppCompanion(t *testing.T) {
	cfg := newTestConfig()
	cfg.Companions.Bootstrapping.Containers = []config.BootstrapContainer{{Image: "bootstrapper:1"}}
	runner := &stubBootstrapRunner{configs: []domain.ServiceConfig{
		{ServiceName: "migrator", Image: "migrator:1", Type: domain.ServiceTypeAppCompanion},
	}}
	r, _ := New(cfg, &stubDigestResolver{}, nil, runner)

	res, err := r.Resolve(context.Background(), Input{
		AppName:   "myapp",
		Requested: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	found := false
	for _, s := range res.Services {
		if s.ServiceName == "migrator" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bootstrap-contributed companion in result, got %+v", res.Services)
	}
}

func TestResolve_DeterministicOrdering(t *testing.T) {
	cfg := newTestConfig()
	cfg.Companions.Definitions = map[string]config.CompanionDefinition{
		"z-sidecar": {Type: config.CompanionApplication, ServiceName: "z-sidecar", Image: "sidecar:1"},
	}
	r, _ := New(cfg, &stubDigestResolver{}, nil, nil)

	in := Input{
		AppName: "myapp",
		Requested: []domain.ServiceConfig{
			{ServiceName: "b-service", Image: "img:1"},
			{ServiceName: "a-service", Image: "img:2"},
		},
	}
	var lastNames []string
	for i := 0; i < 3; i++ {
		res, err := r.Resolve(context.Background(), in)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		names := make([]string, len(res.Services))
		for j, s := range res.Services {
			names[j] = s.ServiceName
		}
		if lastNames != nil {
			if len(names) != len(lastNames) {
				t.Fatalf("nondeterministic length: %v vs %v", names, lastNames)
			}
			for k := range names {
				if names[k] != lastNames[k] {
					t.Fatalf("nondeterministic ordering: %v vs %v", names, lastNames)
				}
			}
		}
		lastNames = names
	}
	want := []string{"a-service", "b-service", "z-sidecar"}
	for i, w := range want {
		if lastNames[i] != w {
			t.Fatalf("order = %v, want %v", lastNames, want)
		}
	}
}

func TestResolve_DeploymentHookOverwritesExistingEnv(t *testing.T) {
	cfg := newTestConfig()
	deploymentHook := hook.New(`
		(function(appName, configs) {
			return configs.map(function(c) {
				return Object.assign({}, c, { env: Object.assign({}, c.env, { X: "2" }) });
			});
		})
	`, time.Second)
	r, err := New(cfg, &stubDigestResolver{}, deploymentHook, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Resolve(context.Background(), Input{
		AppName: "myapp",
		Requested: []domain.ServiceConfig{
			{ServiceName: "web", Image: "nginx:1", Env: map[string]domain.EnvValue{"X": {Value: "1"}}},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := res.Services[0].Env["X"].Value; got != "2" {
		t.Errorf("hook-supplied env value should win over the requested one, got %q, want %q", got, "2")
	}
}

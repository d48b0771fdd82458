package hook

import (
	"strings"
	"testing"
	"time"
)

func TestRunDeployment_AddsEnvOnly(t *testing.T) {
	h := New(`
		(function(appName, configs) {
			return configs.map(function(c) {
				return Object.assign({}, c, { env: Object.assign({}, c.env, { X: "1" }), image: "tampered" });
			});
		})
	`, time.Second)

	in := []DeploymentServiceConfig{
		{Name: "web", Image: "web:1", Type: "instance", Env: map[string]string{"A": "1"}},
	}
	out, err := h.RunDeployment("app", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out))
	}
	if out[0].Image != "web:1" {
		t.Errorf("image should be unchanged (read-only), got %q", out[0].Image)
	}
	if out[0].Env["X"] != "1" || out[0].Env["A"] != "1" {
		t.Errorf("env not merged correctly: %+v", out[0].Env)
	}
}

func TestRunDeployment_Timeout(t *testing.T) {
	h := New(`
		(function(appName, configs) {
			while (true) {}
		})
	`, 20*time.Millisecond)

	_, err := h.RunDeployment("app", []DeploymentServiceConfig{{Name: "web"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "hook error") {
		t.Errorf("expected hook error, got %v", err)
	}
}

func TestRunOwnerMapping(t *testing.T) {
	h := New(`
		(function(claims) {
			return { sub: claims.sub, iss: claims.iss, name: claims.name };
		})
	`, time.Second)

	owner, err := h.RunOwnerMapping(map[string]any{
		"sub":  "user-1",
		"iss":  "https://issuer.example.com",
		"name": "Ada",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if owner.Sub != "user-1" || owner.Iss != "https://issuer.example.com" || owner.Name != "Ada" {
		t.Errorf("unexpected owner: %+v", owner)
	}
}

func TestHook_NoHostAccess(t *testing.T) {
	h := New(`
		(function(appName, configs) {
			if (typeof setTimeout !== "undefined") { throw new Error("setTimeout should not exist"); }
			if (typeof fetch !== "undefined") { throw new Error("fetch should not exist"); }
			return configs;
		})
	`, time.Second)

	_, err := h.RunDeployment("app", []DeploymentServiceConfig{{Name: "web"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

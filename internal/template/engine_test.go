package template

import (
	"testing"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

func testCtx() domain.DeploymentContext {
	return domain.DeploymentContext{
		Application: domain.ApplicationContext{Name: "master", BaseURL: "https://example.com"},
		Services: []domain.ServiceRef{
			{Name: "web", Port: 8080, Type: domain.ServiceTypeInstance},
		},
	}
}

func TestRender_VariableSubstitution(t *testing.T) {
	got, err := Render("{{application.name}} at {{application.baseUrl}}", testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "master at https://example.com"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRender_IterationOverServices(t *testing.T) {
	got, err := Render("{{#each services}}{{name}}:{{port}} {{/each}}", testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "web:8080 "
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRender_IsCompanionHelper(t *testing.T) {
	ctx := domain.DeploymentContext{
		Services: []domain.ServiceRef{
			{Name: "web", Type: domain.ServiceTypeInstance},
			{Name: "openid", Type: domain.ServiceTypeAppCompanion},
			{Name: "sidecar", Type: domain.ServiceTypeServiceCompanion},
		},
	}
	tmpl := "{{#each services}}{{#isCompanion type}}[{{name}}]{{else}}{{name}}{{/isCompanion}} {{/each}}"
	got, err := Render(tmpl, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "web [openid] [sidecar] "
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderValue_Determinism(t *testing.T) {
	ctx := testCtx()
	value := map[string]any{
		"greeting": "hello {{application.name}}",
		"nested":   []any{"{{application.name}}", "static"},
	}
	first, err := RenderValue(value, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := RenderValue(value, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstMap := first.(map[string]any)
	secondMap := second.(map[string]any)
	if firstMap["greeting"] != secondMap["greeting"] {
		t.Errorf("renderValue is not deterministic: %v vs %v", firstMap, secondMap)
	}
}

func TestRenderStringMap(t *testing.T) {
	ctx := testCtx()
	out, err := RenderStringMap(map[string]string{"APP": "{{application.name}}"}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["APP"] != "master" {
		t.Errorf("APP = %q, want %q", out["APP"], "master")
	}
}

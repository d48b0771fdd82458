// Package template expands template strings and structured values against a
// per-deployment context, using a Handlebars implementation the way
// original_source uses the Rust handlebars crate.
package template

import (
	"fmt"
	"sync"

	"github.com/aymerick/raymond"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

var registerOnce sync.Once

// register wires the isCompanion/isNotCompanion block helpers exactly once
// on raymond's package-level helper registry.
func register() {
	registerOnce.Do(func() {
		raymond.RegisterHelper("isCompanion", func(serviceType string, options *raymond.Options) string {
			if domain.ServiceType(serviceType).IsCompanion() {
				return options.Fn()
			}
			return options.Inverse()
		})
		raymond.RegisterHelper("isNotCompanion", func(serviceType string, options *raymond.Options) string {
			if !domain.ServiceType(serviceType).IsCompanion() {
				return options.Fn()
			}
			return options.Inverse()
		})
	})
}

// Render expands a single template string against ctx. Unknown variables
// render as empty strings; they are not detected, so only a template
// syntax error yields a TemplateError.
func Render(tmpl string, ctx domain.DeploymentContext) (string, error) {
	register()
	result, err := raymond.Render(tmpl, ctx.ToMap())
	if err != nil {
		return "", &domain.TemplateError{Reason: err.Error(), LocationHint: tmpl}
	}
	return result, nil
}

// RenderValue walks strings, arrays and maps in value, rendering every
// string leaf against ctx. It is a pure function of its inputs: no I/O, no
// hidden state.
func RenderValue(value any, ctx domain.DeploymentContext) (any, error) {
	register()
	switch v := value.(type) {
	case string:
		return Render(v, ctx)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			rendered, err := Render(s, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := RenderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			rendered, err := Render(s, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := RenderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderStringMap is a typed convenience wrapper used by the companion
// resolver to expand a config-declared env/label map.
func RenderStringMap(m map[string]string, ctx domain.DeploymentContext) (map[string]string, error) {
	rendered, err := RenderValue(m, ctx)
	if err != nil {
		return nil, err
	}
	out, ok := rendered.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("%w: expected string map, got %T", domain.ErrTemplate, rendered)
	}
	return out, nil
}

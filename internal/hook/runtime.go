// Package hook runs the deployment and id-token-claims-to-owner hooks in an
// embedded, single-threaded ECMAScript evaluator, the way original_source
// runs them in the Rust boa_engine. Each invocation gets a fresh
// goja.Runtime: the runtime is a pure function of (script, input), with no
// network, filesystem, or clock access beyond deterministic fakes.
package hook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

const DefaultTimeout = 2 * time.Second

// Hook is a loaded, not-yet-invoked script.
type Hook struct {
	Source  string
	Timeout time.Duration
}

// New wraps a script source with a wall-clock budget; zero timeout defaults
// to DefaultTimeout.
func New(source string, timeout time.Duration) *Hook {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Hook{Source: source, Timeout: timeout}
}

// DeploymentServiceConfig is the read-only-except-{env,files} shape passed
// to the deployment hook.
type DeploymentServiceConfig struct {
	Name  string            `json:"name"`
	Image string            `json:"image"`
	Type  string            `json:"type"`
	Env   map[string]string `json:"env"`
	Files map[string]string `json:"files"`
}

// RunDeployment invokes the deployment hook: (appName, serviceConfigs) ->
// serviceConfigs. Only env and files from the result are honored; changes to
// name/image/type are silently discarded, matching the original request's
// values.
func (h *Hook) RunDeployment(appName string, in []DeploymentServiceConfig) ([]DeploymentServiceConfig, error) {
	var out []DeploymentServiceConfig
	if err := h.run("deployment", func(vm *goja.Runtime) (goja.Value, error) {
		fn, err := loadFunction(vm, h.Source)
		if err != nil {
			return nil, err
		}
		return fn(goja.Undefined(), vm.ToValue(appName), vm.ToValue(in))
	}, &out); err != nil {
		return nil, err
	}

	if len(out) != len(in) {
		// The hook may add/remove entries; only merge writable fields for
		// entries the hook kept. Anything new is appended as returned.
		merged := make([]DeploymentServiceConfig, 0, len(out))
		byName := make(map[string]DeploymentServiceConfig, len(in))
		for _, c := range in {
			byName[c.Name] = c
		}
		for _, o := range out {
			if orig, ok := byName[o.Name]; ok {
				orig.Env = o.Env
				orig.Files = o.Files
				merged = append(merged, orig)
			} else {
				merged = append(merged, o)
			}
		}
		return merged, nil
	}

	merged := make([]DeploymentServiceConfig, len(in))
	for i, orig := range in {
		merged[i] = orig
		merged[i].Env = out[i].Env
		merged[i].Files = out[i].Files
	}
	return merged, nil
}

// OwnerClaims is the id-token-claims-to-owner hook's return shape.
type OwnerClaims struct {
	Sub  string `json:"sub"`
	Iss  string `json:"iss"`
	Name string `json:"name,omitempty"`
}

// RunOwnerMapping invokes the id-token-claims-to-owner hook: claims -> owner.
func (h *Hook) RunOwnerMapping(claims map[string]any) (domain.Owner, error) {
	var out OwnerClaims
	if err := h.run("idTokenClaimsToOwner", func(vm *goja.Runtime) (goja.Value, error) {
		fn, err := loadFunction(vm, h.Source)
		if err != nil {
			return nil, err
		}
		return fn(goja.Undefined(), vm.ToValue(claims))
	}, &out); err != nil {
		return domain.Owner{}, err
	}
	return domain.Owner{Sub: out.Sub, Iss: out.Iss, Name: out.Name}, nil
}

// run executes fn on a fresh, sandboxed runtime under h.Timeout, then decodes
// the returned JS value into dst via JSON round-trip (keeps behavior
// independent of goja's internal object representation).
func (h *Hook) run(phase string, fn func(vm *goja.Runtime) (goja.Value, error), dst any) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	disableHostAccess(vm)

	done := make(chan struct{})
	timer := time.AfterFunc(h.Timeout, func() {
		vm.Interrupt(fmt.Sprintf("hook %s exceeded timeout %s", phase, h.Timeout))
	})
	defer timer.Stop()

	var result goja.Value
	var runErr error
	go func() {
		defer close(done)
		result, runErr = fn(vm)
	}()
	<-done

	if runErr != nil {
		return &domain.HookError{Phase: phase, Err: runErr}
	}

	raw, err := json.Marshal(result.Export())
	if err != nil {
		return &domain.HookError{Phase: phase, Err: fmt.Errorf("marshal hook result: %w", err)}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &domain.HookError{Phase: phase, Err: fmt.Errorf("unmarshal hook result: %w", err)}
	}
	return nil
}

// loadFunction evaluates source and returns its default export/last
// expression as a callable. Scripts are expected to evaluate to a single
// function, e.g. `(appName, configs) => configs.map(...)`.
func loadFunction(vm *goja.Runtime, source string) (goja.Callable, error) {
	v, err := vm.RunString(source)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("script does not evaluate to a function")
	}
	return fn, nil
}

// disableHostAccess strips the globals a hook script must not see: no
// timers, no fetch, no filesystem, no non-deterministic clock.
func disableHostAccess(vm *goja.Runtime) {
	for _, name := range []string{"setTimeout", "setInterval", "setImmediate", "fetch", "require", "process", "global", "globalThis", "Date"} {
		_ = vm.GlobalObject().Delete(name)
	}
}

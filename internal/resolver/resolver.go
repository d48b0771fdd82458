// Package resolver implements the Companion Resolver: the pure(ish)
// transformation from a deploy request plus operator configuration into
// the final, ordered list of ServiceConfigs an Infrastructure backend
// reconciles against. Only the bootstrap step and image digest resolution
// perform I/O; everything else is deterministic given its inputs.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chiwei-platform/fleetform/internal/config"
	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/hook"
	"github.com/chiwei-platform/fleetform/internal/port"
	"github.com/chiwei-platform/fleetform/internal/template"
)

// BootstrapRunner is the subset of internal/bootstrap.Runner the resolver
// depends on, declared locally so bootstrap need not depend on resolver.
type BootstrapRunner interface {
	Run(ctx context.Context, appName string, containers []config.BootstrapContainer, dctx domain.DeploymentContext) ([]domain.ServiceConfig, error)
}

// Input bundles everything the resolver needs to produce a deployment plan
// for one app. CurrentlyDeployedOfSrc/Dst carry ServiceConfigs rebuilt from
// the observed services: name, image and type, plus the declared env and
// files that backends record on their native objects at deploy time. Other
// declared fields (labels, routing, ports, strategies) are not recovered.
type Input struct {
	AppName               string
	Requested             []domain.ServiceConfig
	ReplicateFrom         string
	CurrentlyDeployedOfSrc []domain.ServiceConfig
	CurrentlyDeployedOfDst []domain.ServiceConfig
	UserDefined           map[string]any
	BaseURL               string
}

// Result is the resolver's output: the ordered ServiceConfigs to reconcile,
// plus the names of already-deployed services that must survive the
// backend's remove phase untouched even though they are absent from
// Services (redeploy-never companions with no changes to apply).
type Result struct {
	Services []domain.ServiceConfig
	Preserve []string
}

// Resolver holds the operator configuration and collaborators the resolve
// pipeline needs.
type Resolver struct {
	cfg      *config.Config
	digest   port.DigestResolver
	hooks    *hook.Hook
	bootstrap BootstrapRunner
	schema   *jsonschema.Schema
}

// New compiles the configured userDefined JSON Schema (if any) once at
// startup and returns a ready-to-use Resolver.
func New(cfg *config.Config, digest port.DigestResolver, deploymentHook *hook.Hook, bootstrapRunner BootstrapRunner) (*Resolver, error) {
	r := &Resolver{cfg: cfg, digest: digest, hooks: deploymentHook, bootstrap: bootstrapRunner}
	if cfg.Companions.Templating.UserDefinedSchema != nil {
		raw, err := json.Marshal(cfg.Companions.Templating.UserDefinedSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal userDefined schema: %w", err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("userDefined.json", bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("compile userDefined schema: %w", err)
		}
		schema, err := compiler.Compile("userDefined.json")
		if err != nil {
			return nil, fmt.Errorf("compile userDefined schema: %w", err)
		}
		r.schema = schema
	}
	return r, nil
}

// Resolve runs the ten-step companion resolution algorithm.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Result, error) {
	if r.schema != nil {
		if err := r.schema.Validate(in.UserDefined); err != nil {
			return Result{}, fmt.Errorf("%w: userDefined: %v", domain.ErrInvalidPayload, err)
		}
	}

	if err := domain.ValidateUniqueServiceNames(in.Requested); err != nil {
		return Result{}, err
	}

	byName := make(map[string]domain.ServiceConfig)

	// Step 2: instances.
	for _, req := range in.Requested {
		c := req.Clone()
		c.Type = domain.ServiceTypeInstance
		byName[c.ServiceName] = c
	}

	// Step 3: replication.
	replicateFrom := in.ReplicateFrom
	if replicateFrom == "" && r.cfg.Applications.ReplicationCondition == config.ReplicateAlwaysFromDefault {
		if def := r.cfg.Applications.DefaultApp; def != "" && def != in.AppName {
			replicateFrom = def
		}
	}
	if replicateFrom != "" {
		for _, src := range in.CurrentlyDeployedOfSrc {
			if _, claimed := byName[src.ServiceName]; claimed {
				continue
			}
			c := src.Clone()
			c.Type = domain.ServiceTypeReplica
			c.Env = filterReplicatedEnv(c.Env)
			byName[c.ServiceName] = c
		}
	}

	dctx := buildContext(in, byName)

	// Step 4: application companions.
	appCompanions, err := r.expandCompanions(config.CompanionApplication, dctx, byName)
	if err != nil {
		return Result{}, err
	}
	for _, c := range appCompanions {
		byName[c.ServiceName] = c
	}

	// Step 5: service companions, one instantiation per non-companion
	// service currently in byName.
	base := snapshot(byName)
	svcCompanions, err := r.expandServiceCompanions(dctx, base)
	if err != nil {
		return Result{}, err
	}
	for _, c := range svcCompanions {
		if _, claimed := byName[c.ServiceName]; !claimed {
			byName[c.ServiceName] = c
		}
	}

	// Step 6: bootstrap containers contribute further application
	// companion candidates, subject to the same collision rules as step 4.
	if r.bootstrap != nil && len(r.cfg.Companions.Bootstrapping.Containers) > 0 {
		candidates, err := r.bootstrap.Run(ctx, in.AppName, r.cfg.Companions.Bootstrapping.Containers, dctx)
		if err != nil {
			return Result{}, err
		}
		for _, cand := range candidates {
			cand.Type = domain.ServiceTypeAppCompanion
			merged, upgraded := mergeCompanion(byName[cand.ServiceName], cand, hasClaim(byName, cand.ServiceName))
			byName[cand.ServiceName] = merged
			_ = upgraded
		}
	}

	// Step 7: deployment-strategy filter, applied only to companions.
	deployedByName := make(map[string]domain.ServiceConfig, len(in.CurrentlyDeployedOfDst))
	for _, s := range in.CurrentlyDeployedOfDst {
		deployedByName[s.ServiceName] = s
	}
	var preserve []string
	for name, c := range byName {
		if !c.Type.IsCompanion() {
			continue
		}
		existing, exists := deployedByName[name]
		if !exists {
			continue
		}
		switch c.EffectiveDeploymentStrategy() {
		case domain.DeployNever:
			delete(byName, name)
			preserve = append(preserve, name)
		case domain.DeployOnImageUpdate:
			digest, err := r.digest.ResolveDigest(ctx, c.Image)
			if err != nil {
				return Result{}, fmt.Errorf("resolve digest for %s: %w", c.Image, err)
			}
			if digest == existing.Image {
				delete(byName, name)
				preserve = append(preserve, name)
			}
		}
	}

	// Step 8: secrets merge.
	for name, c := range byName {
		secrets := r.cfg.Services[name].Secrets
		if len(secrets) == 0 {
			continue
		}
		for secretName, spec := range secrets {
			matched, err := regexp.MatchString(spec.AppSelector, in.AppName)
			if err != nil {
				return Result{}, fmt.Errorf("invalid appSelector for secret %s: %w", secretName, err)
			}
			if matched {
				c.Secrets = append(c.Secrets, domain.SecretMount{Name: secretName, Path: spec.Path})
			}
		}
		byName[name] = c
	}

	// Step 9: deployment hook.
	final := make([]domain.ServiceConfig, 0, len(byName))
	for _, c := range byName {
		final = append(final, c)
	}
	if r.hooks != nil {
		final, err = r.applyDeploymentHook(in.AppName, final)
		if err != nil {
			return Result{}, err
		}
	}

	// Step 10: deterministic ordering.
	domain.SortServiceConfigs(final)

	return Result{Services: final, Preserve: preserve}, nil
}

func hasClaim(byName map[string]domain.ServiceConfig, name string) bool {
	_, ok := byName[name]
	return ok
}

// mergeCompanion implements the app-companion "upgrade" rule of step 4/6: if
// a request or replica already claims the name and the companion's declared
// fields differ from it, the companion is merged under the existing entry
// (request/replica wins on Env/Files, Labels union); otherwise it is
// emitted as a plain app-companion.
func mergeCompanion(existing domain.ServiceConfig, companion domain.ServiceConfig, claimed bool) (domain.ServiceConfig, bool) {
	if !claimed {
		return companion, false
	}
	if companionEquivalent(existing, companion) {
		return companion, false
	}
	merged := existing.Clone()
	if merged.Env == nil {
		merged.Env = map[string]domain.EnvValue{}
	}
	for k, v := range companion.Env {
		if _, ok := merged.Env[k]; !ok {
			merged.Env[k] = v
		}
	}
	if merged.Files == nil {
		merged.Files = map[string]string{}
	}
	for k, v := range companion.Files {
		if _, ok := merged.Files[k]; !ok {
			merged.Files[k] = v
		}
	}
	if merged.Labels == nil {
		merged.Labels = map[string]string{}
	}
	for k, v := range companion.Labels {
		merged.Labels[k] = v
	}
	if merged.Image == "" {
		merged.Image = companion.Image
	}
	return merged, true
}

func companionEquivalent(a, b domain.ServiceConfig) bool {
	return a.Image == b.Image && len(a.Env) == len(b.Env) && len(a.Files) == len(b.Files)
}

// expandCompanions renders every configured companion definition of kind
// against dctx and applies the collision/upgrade rule against byName.
func (r *Resolver) expandCompanions(kind config.CompanionKind, dctx domain.DeploymentContext, byName map[string]domain.ServiceConfig) ([]domain.ServiceConfig, error) {
	var out []domain.ServiceConfig
	for _, def := range r.cfg.Companions.Definitions {
		if def.Type != kind {
			continue
		}
		c, err := renderCompanion(def, dctx)
		if err != nil {
			return nil, err
		}
		existing, claimed := byName[c.ServiceName]
		merged, _ := mergeCompanion(existing, c, claimed)
		out = append(out, merged)
	}
	return out, nil
}

// expandServiceCompanions instantiates every service-kind companion once
// per non-companion service already resolved.
func (r *Resolver) expandServiceCompanions(dctx domain.DeploymentContext, base map[string]domain.ServiceConfig) ([]domain.ServiceConfig, error) {
	var out []domain.ServiceConfig
	for _, def := range r.cfg.Companions.Definitions {
		if def.Type != config.CompanionService {
			continue
		}
		for _, owner := range base {
			if owner.Type.IsCompanion() {
				continue
			}
			perServiceCtx := dctx
			perServiceCtx.Services = append(append([]domain.ServiceRef{}, dctx.Services...), domain.ServiceRef{
				Name: owner.ServiceName,
				Type: owner.Type,
			})
			scoped := def
			scoped.ServiceName = def.ServiceName + "-" + owner.ServiceName
			c, err := renderCompanion(scoped, perServiceCtx)
			if err != nil {
				return nil, err
			}
			c.Type = domain.ServiceTypeServiceCompanion
			out = append(out, c)
		}
	}
	return out, nil
}

func renderCompanion(def config.CompanionDefinition, dctx domain.DeploymentContext) (domain.ServiceConfig, error) {
	name, err := template.Render(def.ServiceName, dctx)
	if err != nil {
		return domain.ServiceConfig{}, err
	}
	image, err := template.Render(def.Image, dctx)
	if err != nil {
		return domain.ServiceConfig{}, err
	}
	env, err := template.RenderStringMap(def.Env, dctx)
	if err != nil {
		return domain.ServiceConfig{}, err
	}
	files, err := template.RenderStringMap(def.Files, dctx)
	if err != nil {
		return domain.ServiceConfig{}, err
	}
	labels, err := template.RenderStringMap(def.Labels, dctx)
	if err != nil {
		return domain.ServiceConfig{}, err
	}
	c := domain.ServiceConfig{
		ServiceName:        name,
		Image:              image,
		Type:               domain.ServiceTypeAppCompanion,
		Files:              files,
		Labels:             labels,
		DeploymentStrategy: domain.DeploymentStrategy(def.DeploymentStrategy),
		StorageStrategy:    domain.StorageStrategy(def.StorageStrategy),
	}
	if len(env) > 0 {
		c.Env = make(map[string]domain.EnvValue, len(env))
		for k, v := range env {
			c.Env[k] = domain.EnvValue{Value: v}
		}
	}
	if def.RoutingRule != "" {
		rule, err := template.Render(def.RoutingRule, dctx)
		if err != nil {
			return domain.ServiceConfig{}, err
		}
		c.Routing = &domain.Routing{Rule: rule}
	}
	return c, nil
}

func buildContext(in Input, byName map[string]domain.ServiceConfig) domain.DeploymentContext {
	refs := make([]domain.ServiceRef, 0, len(byName))
	for _, c := range byName {
		var portNum int
		if len(c.Ports) > 0 {
			portNum = c.Ports[0].Number
		}
		refs = append(refs, domain.ServiceRef{Name: c.ServiceName, Port: portNum, Type: c.Type})
	}
	raw, _ := json.Marshal(in.UserDefined)
	return domain.DeploymentContext{
		Application: domain.ApplicationContext{Name: in.AppName, BaseURL: in.BaseURL},
		Services:    refs,
		UserDefined: raw,
	}
}

func filterReplicatedEnv(env map[string]domain.EnvValue) map[string]domain.EnvValue {
	if env == nil {
		return nil
	}
	out := make(map[string]domain.EnvValue, len(env))
	for k, v := range env {
		if v.Replicate {
			out[k] = v
		}
	}
	return out
}

func snapshot(byName map[string]domain.ServiceConfig) map[string]domain.ServiceConfig {
	out := make(map[string]domain.ServiceConfig, len(byName))
	for k, v := range byName {
		out[k] = v
	}
	return out
}

// applyDeploymentHook runs the operator's deployment hook (if configured)
// over the resolved services. Env keys the hook returns overwrite the
// service's values (keys it leaves out are kept), the files it returns
// replace the service's files, and name, image and type are not changed.
func (r *Resolver) applyDeploymentHook(appName string, services []domain.ServiceConfig) ([]domain.ServiceConfig, error) {
	in := make([]hook.DeploymentServiceConfig, len(services))
	for i, c := range services {
		in[i] = hook.DeploymentServiceConfig{
			Name:  c.ServiceName,
			Image: c.Image,
			Type:  string(c.Type),
			Env:   flattenEnv(c.Env),
			Files: c.Files,
		}
	}
	out, err := r.hooks.RunDeployment(appName, in)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]hook.DeploymentServiceConfig, len(out))
	for _, o := range out {
		byName[o.Name] = o
	}
	result := make([]domain.ServiceConfig, len(services))
	for i, c := range services {
		hooked, ok := byName[c.ServiceName]
		if !ok {
			result[i] = c
			continue
		}
		c.Files = hooked.Files
		if c.Env == nil && len(hooked.Env) > 0 {
			c.Env = map[string]domain.EnvValue{}
		}
		for k, v := range hooked.Env {
			c.Env[k] = domain.EnvValue{Value: v}
		}
		result[i] = c
	}
	return result, nil
}

func flattenEnv(env map[string]domain.EnvValue) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v.Value
	}
	return out
}

// Package bootstrap runs the operator-configured bootstrap containers ahead
// of the companion resolver's own steps: each container is expected to
// print a stream of YAML documents describing the application companions
// it wants deployed alongside the app being created.
package bootstrap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"sigs.k8s.io/yaml"

	"github.com/chiwei-platform/fleetform/internal/config"
	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/port"
	"github.com/chiwei-platform/fleetform/internal/template"
)

// Runner executes bootstrap containers through the Infrastructure port and
// parses their stdout into ServiceConfigs.
type Runner struct {
	infra port.Infrastructure
}

func New(infra port.Infrastructure) *Runner {
	return &Runner{infra: infra}
}

// manifest is the shape a bootstrap container is expected to emit, one per
// YAML document, separated by "---".
type manifest struct {
	ServiceName        string              `json:"serviceName"`
	Image               string              `json:"image"`
	Env                 map[string]string   `json:"env"`
	Files               map[string]string   `json:"files"`
	Labels              map[string]string   `json:"labels"`
	RoutingRule         string              `json:"routingRule"`
	DeploymentStrategy  string              `json:"deploymentStrategy"`
	StorageStrategy     string              `json:"storageStrategy"`
}

// Run templates each configured container's args against dctx, runs it, and
// parses its stdout into application-companion candidates. A nonzero exit
// from any container is fatal to the whole bootstrap phase.
func (r *Runner) Run(ctx context.Context, appName string, containers []config.BootstrapContainer, dctx domain.DeploymentContext) ([]domain.ServiceConfig, error) {
	var out []domain.ServiceConfig
	for _, c := range containers {
		args, err := renderArgs(c.Args, dctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %s: %w", c.Image, err)
		}
		stdout, err := r.infra.RunBootstrapContainer(ctx, appName, c.Image, args)
		if err != nil {
			return nil, err
		}
		cfgs, err := parseManifests(stdout)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %s produced invalid manifest: %w", c.Image, err)
		}
		out = append(out, cfgs...)
	}
	return out, nil
}

func renderArgs(args []string, dctx domain.DeploymentContext) ([]string, error) {
	rendered := make([]string, len(args))
	for i, a := range args {
		v, err := template.Render(a, dctx)
		if err != nil {
			return nil, err
		}
		rendered[i] = v
	}
	return rendered, nil
}

// parseManifests splits stdout on YAML document separators and decodes each
// non-empty document into a ServiceConfig tagged as an app companion.
func parseManifests(stdout string) ([]domain.ServiceConfig, error) {
	var cfgs []domain.ServiceConfig
	scanner := bufio.NewScanner(bytes.NewReader([]byte(stdout)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var doc bytes.Buffer
	flush := func() error {
		if doc.Len() == 0 {
			return nil
		}
		var m manifest
		if err := yaml.Unmarshal(doc.Bytes(), &m); err != nil {
			return err
		}
		doc.Reset()
		if m.ServiceName == "" {
			return nil
		}
		cfgs = append(cfgs, toServiceConfig(m))
		return nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "---" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		doc.WriteString(line)
		doc.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cfgs, nil
}

func toServiceConfig(m manifest) domain.ServiceConfig {
	cfg := domain.ServiceConfig{
		ServiceName:        m.ServiceName,
		Image:              m.Image,
		Type:               domain.ServiceTypeAppCompanion,
		Files:              m.Files,
		Labels:             m.Labels,
		DeploymentStrategy: domain.DeploymentStrategy(m.DeploymentStrategy),
		StorageStrategy:    domain.StorageStrategy(m.StorageStrategy),
	}
	if len(m.Env) > 0 {
		cfg.Env = make(map[string]domain.EnvValue, len(m.Env))
		for k, v := range m.Env {
			cfg.Env[k] = domain.EnvValue{Value: v}
		}
	}
	if m.RoutingRule != "" {
		cfg.Routing = &domain.Routing{Rule: m.RoutingRule}
	}
	return cfg
}

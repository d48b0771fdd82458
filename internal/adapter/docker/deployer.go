// Package docker implements port.Infrastructure against a single Docker
// Engine: one container per ServiceConfig on a shared user-defined bridge
// network, routed by Traefik's Docker provider through container labels
// instead of the Kubernetes backend's IngressRoute/Middleware CRDs. Backup
// and restore have no snapshot-friendly equivalent to a Kubernetes
// Namespace here, so both return domain.ErrNotSupported.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/port"
)

const (
	labelManaged    = "fleetform.io.managed"
	labelApp        = "fleetform.io.app"
	labelService    = "fleetform.io.service"
	labelType       = "fleetform.io.type"
	labelConfig     = "fleetform.io.config"
	labelBootstrap  = "fleetform.io.bootstrap"

	stopTimeoutSeconds = 10
)

// Deployer implements port.Infrastructure against a Docker Engine socket.
type Deployer struct {
	cli        *client.Client
	network    string
	dataDir    string
	secretsDir string
}

func NewDeployer(cli *client.Client, network, dataDir, secretsDir string) *Deployer {
	if network == "" {
		network = "fleetform"
	}
	return &Deployer{cli: cli, network: network, dataDir: dataDir, secretsDir: secretsDir}
}

var _ port.Infrastructure = (*Deployer)(nil)

// containerName is deliberately app-prefixed, unlike the Kubernetes
// backend's per-namespace naming, since every app shares one Docker Engine
// with no isolation boundary between container names.
func containerName(appName, serviceName string) string {
	return fmt.Sprintf("ff-%s-%s", dockerSafe(appName), dockerSafe(serviceName))
}

func dockerSafe(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}

func (d *Deployer) FetchApps(ctx context.Context) (map[string][]domain.Service, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make(map[string][]domain.Service)
	for _, c := range containers {
		appName := c.Labels[labelApp]
		if appName == "" {
			continue
		}
		out[appName] = append(out[appName], containerToService(c))
	}
	return out, nil
}

func containerToService(c container.Summary) domain.Service {
	svc := domain.Service{
		Name:  c.Labels[labelService],
		Type:  domain.ServiceType(c.Labels[labelType]),
		Image: c.Image,
		State: containerState(c.State),
	}
	if raw, ok := c.Labels[labelConfig]; ok {
		var cfg domain.ServiceConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			svc.DeclaredEnv = cfg.Env
			svc.DeclaredFiles = cfg.Files
		}
	}
	return svc
}

func containerState(state string) domain.ServiceState {
	switch state {
	case "running":
		return domain.ServiceRunning
	case "created", "restarting":
		return domain.ServiceStarting
	case "exited", "dead", "removing":
		return domain.ServicePaused
	default:
		return domain.ServiceUnknown
	}
}

// FetchAppOwners is not tracked by the Docker backend: there is no
// namespace-like object to carry an annotation on, so owner tracking is a
// Kubernetes-only capability here.
func (d *Deployer) FetchAppOwners(_ context.Context, _ string) ([]domain.Owner, error) {
	return nil, nil
}

func (d *Deployer) DeployServices(ctx context.Context, appName, _ string, desired []domain.ServiceConfig, preserve []string, _ port.RequestContext) ([]domain.Service, error) {
	if err := d.ensureNetwork(ctx); err != nil {
		return nil, fmt.Errorf("ensure network: %w", err)
	}

	wanted := make(map[string]bool, len(desired))
	for _, cfg := range desired {
		wanted[cfg.ServiceName] = true
		if err := d.applyContainer(ctx, appName, cfg); err != nil {
			return nil, fmt.Errorf("apply %s: %w", cfg.ServiceName, err)
		}
	}
	for _, name := range preserve {
		wanted[name] = true
	}
	if err := d.pruneContainers(ctx, appName, wanted); err != nil {
		return nil, fmt.Errorf("prune removed services: %w", err)
	}

	all, err := d.FetchApps(ctx)
	if err != nil {
		return nil, err
	}
	return all[appName], nil
}

// applyContainer creates or replaces the container for cfg. redeploy-never
// leaves an already-running container untouched; redeploy-on-image-update
// only replaces it when the declared image changed.
func (d *Deployer) applyContainer(ctx context.Context, appName string, cfg domain.ServiceConfig) error {
	name := containerName(appName, cfg.ServiceName)
	existing, found, err := d.inspectByName(ctx, name)
	if err != nil {
		return err
	}

	if found {
		switch cfg.EffectiveDeploymentStrategy() {
		case domain.DeployNever:
			return nil
		case domain.DeployOnImageUpdate:
			if existing.Config.Image == cfg.Image {
				return nil
			}
		}
		if err := d.removeContainer(ctx, name); err != nil {
			return err
		}
	}

	if err := d.materializeFiles(appName, cfg); err != nil {
		return fmt.Errorf("materialize declared files: %w", err)
	}

	config, hostConfig, netConfig := d.buildSpec(appName, cfg)
	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	return d.cli.ContainerStart(ctx, created.ID, container.StartOptions{})
}

func (d *Deployer) buildSpec(appName string, cfg domain.ServiceConfig) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	labels := map[string]string{
		labelManaged: "true",
		labelApp:     appName,
		labelService: cfg.ServiceName,
		labelType:    string(cfg.Type),
	}
	if raw, err := json.Marshal(cfg); err == nil {
		labels[labelConfig] = string(raw)
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if cfg.Routing != nil && cfg.Routing.Rule != "" {
		labels["traefik.enable"] = "true"
		router := dockerSafe(cfg.ServiceName)
		labels[fmt.Sprintf("traefik.http.routers.%s.rule", router)] = cfg.Routing.Rule
		if len(cfg.Routing.AdditionalMiddlewares) > 0 {
			names := make([]string, len(cfg.Routing.AdditionalMiddlewares))
			for i, mw := range cfg.Routing.AdditionalMiddlewares {
				mwName := fmt.Sprintf("%s-%s", router, dockerSafe(mw.Name))
				names[i] = mwName
				labels[fmt.Sprintf("traefik.http.middlewares.%s.%s", mwName, mw.Name)] = fmt.Sprint(mw.Value)
			}
			labels[fmt.Sprintf("traefik.http.routers.%s.middlewares", router)] = strings.Join(names, ",")
		}
	}

	exposed := nat.PortSet{}
	for _, p := range cfg.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.Number))
		if err == nil {
			exposed[port] = struct{}{}
		}
	}

	config := &container.Config{
		Image:        cfg.Image,
		Env:          envToDocker(cfg.Env),
		Labels:       labels,
		ExposedPorts: exposed,
	}

	hostConfig := &container.HostConfig{
		Mounts:      d.mountsFor(appName, cfg),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if cfg.MemoryLimit != nil {
		hostConfig.Resources.Memory = *cfg.MemoryLimit * 1024 * 1024
	}

	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			d.network: {},
		},
	}
	return config, hostConfig, netConfig
}

func envToDocker(env map[string]domain.EnvValue) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v.Value))
	}
	return out
}

// mountsFor binds declared files and secrets from the host filesystem into
// the container. Secret bytes are never handled by fleetform itself: the
// secretsDir tree is populated out-of-band by the operator.
func (d *Deployer) mountsFor(appName string, cfg domain.ServiceConfig) []mount.Mount {
	var mounts []mount.Mount
	for path := range cfg.Files {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: d.fileHostPath(appName, cfg.ServiceName, path),
			Target: path,
		})
	}
	for _, s := range cfg.Secrets {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   filepath.Join(d.secretsDir, s.Name),
			Target:   s.Path,
			ReadOnly: true,
		})
	}
	return mounts
}

func (d *Deployer) fileHostPath(appName, serviceName, containerPath string) string {
	key := strings.ReplaceAll(strings.TrimPrefix(containerPath, "/"), "/", "_")
	return filepath.Join(d.dataDir, dockerSafe(appName), dockerSafe(serviceName), key)
}

// materializeFiles writes cfg.Files to the host paths mountsFor will bind,
// standing in for the Kubernetes backend's ConfigMap since Docker has no
// equivalent object to mount from.
func (d *Deployer) materializeFiles(appName string, cfg domain.ServiceConfig) error {
	for path, content := range cfg.Files {
		hostPath := d.fileHostPath(appName, cfg.ServiceName, path)
		if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deployer) inspectByName(ctx context.Context, name string) (container.InspectResponse, bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if client.IsErrNotFound(err) {
		return container.InspectResponse{}, false, nil
	}
	if err != nil {
		return container.InspectResponse{}, false, err
	}
	return inspect, true, nil
}

func (d *Deployer) removeContainer(ctx context.Context, name string) error {
	timeout := stopTimeoutSeconds
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return err
	}
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (d *Deployer) pruneContainers(ctx context.Context, appName string, wanted map[string]bool) error {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
			filters.Arg("label", labelApp+"="+appName),
		),
	})
	if err != nil {
		return err
	}
	for _, c := range containers {
		name := c.Labels[labelService]
		if wanted[name] {
			continue
		}
		if err := d.removeContainer(ctx, strings.TrimPrefix(c.Names[0], "/")); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deployer) DeleteApp(ctx context.Context, appName string, statusID string) ([]domain.Service, error) {
	all, err := d.FetchApps(ctx)
	if err != nil {
		return nil, err
	}
	services := all[appName]
	if err := d.pruneContainers(ctx, appName, map[string]bool{}); err != nil {
		return nil, err
	}
	_ = os.RemoveAll(filepath.Join(d.dataDir, dockerSafe(appName)))
	return services, nil
}

func (d *Deployer) ChangeServiceStatus(ctx context.Context, appName, serviceName string, target domain.ServiceState) error {
	name := containerName(appName, serviceName)
	switch target {
	case domain.ServiceRunning:
		return d.cli.ContainerStart(ctx, name, container.StartOptions{})
	case domain.ServicePaused:
		timeout := stopTimeoutSeconds
		return d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	default:
		return fmt.Errorf("%w: cannot set service state to %q", domain.ErrInvalidPayload, target)
	}
}

func (d *Deployer) StreamLogs(ctx context.Context, appName, serviceName string, since *time.Time, follow bool) (<-chan port.LogLine, error) {
	name := containerName(appName, serviceName)
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow, Timestamps: true}
	if since != nil {
		opts.Since = since.Format(time.RFC3339Nano)
	}
	reader, err := d.cli.ContainerLogs(ctx, name, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan port.LogLine)
	go func() {
		defer close(out)
		defer reader.Close()
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			select {
			case out <- port.LogLine{Timestamp: time.Now(), Line: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// BackupApp and RestoreApp are Kubernetes-only: a single Docker Engine has
// no snapshot-friendly object equivalent to a Namespace, so the operator
// is expected to handle host-level backups.
func (d *Deployer) BackupApp(_ context.Context, _ string) (*domain.Backup, error) {
	return nil, domain.ErrNotSupported
}

func (d *Deployer) RestoreApp(_ context.Context, _ string, _ *domain.Backup) ([]domain.Service, error) {
	return nil, domain.ErrNotSupported
}

// RunBootstrapContainer runs a throwaway container to completion and
// returns its captured stdout+stderr.
func (d *Deployer) RunBootstrapContainer(ctx context.Context, appName, image string, args []string) (string, error) {
	name := fmt.Sprintf("ff-bootstrap-%s-%d", dockerSafe(appName), time.Now().UnixNano())
	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Cmd:    args,
		Labels: map[string]string{labelManaged: "true", labelBootstrap: "true", labelApp: appName},
	}, nil, nil, nil, name)
	if err != nil {
		return "", err
	}
	defer d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", err
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return "", err
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	logs, err := d.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer logs.Close()
	body, err := io.ReadAll(logs)
	if err != nil {
		return "", err
	}

	if exitCode != 0 {
		return "", &domain.BootstrapError{Image: image, Exit: int(exitCode), StderrSnippet: string(body)}
	}
	return string(body), nil
}

func (d *Deployer) ensureNetwork(ctx context.Context) error {
	list, err := d.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.network)),
	})
	if err != nil {
		return err
	}
	for _, n := range list {
		if n.Name == d.network {
			return nil
		}
	}
	_, err = d.cli.NetworkCreate(ctx, d.network, network.CreateOptions{
		Labels: map[string]string{labelManaged: "true"},
	})
	return err
}

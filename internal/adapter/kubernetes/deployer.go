package kubernetes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/owner"
	"github.com/chiwei-platform/fleetform/internal/port"
)

const (
	managedLabel        = "fleetform.io/managed"
	appNameAnnotation   = "fleetform.io/app-name"
	serviceLabel        = "fleetform.io/service"
	typeLabel           = "fleetform.io/type"
	declaredConfigAnnot = "fleetform.io/service-config"

	rolloutTimeout  = 5 * time.Minute
	rolloutInterval = 3 * time.Second
)

// Deployer implements port.Infrastructure against the Kubernetes API,
// giving every app its own Namespace: one Deployment/Service/ConfigMap per
// ServiceConfig, plus a Traefik IngressRoute/Middleware pair per routed
// service, reconciled with a get-then-create-or-update pattern and a poll
// for rollout completion.
type Deployer struct {
	client  kubernetes.Interface
	routing *RoutingReconciler
}

func NewDeployer(client kubernetes.Interface, dyn dynamic.Interface) *Deployer {
	return &Deployer{client: client, routing: NewRoutingReconciler(dyn)}
}

var _ port.Infrastructure = (*Deployer)(nil)

// FetchApps lists every fleetform-managed namespace and, within each, the
// Deployments it owns.
func (d *Deployer) FetchApps(ctx context.Context) (map[string][]domain.Service, error) {
	namespaces, err := d.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: managedLabel + "=true",
	})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	out := make(map[string][]domain.Service, len(namespaces.Items))
	for _, ns := range namespaces.Items {
		appName := ns.Annotations[appNameAnnotation]
		if appName == "" {
			continue
		}
		services, err := d.fetchServices(ctx, ns.Name)
		if err != nil {
			return nil, fmt.Errorf("fetch services for %s: %w", appName, err)
		}
		out[appName] = services
	}
	return out, nil
}

func (d *Deployer) fetchServices(ctx context.Context, namespace string) ([]domain.Service, error) {
	deployments, err := d.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	services := make([]domain.Service, 0, len(deployments.Items))
	for _, dep := range deployments.Items {
		services = append(services, deploymentToService(dep))
	}
	return services, nil
}

func deploymentToService(dep appsv1.Deployment) domain.Service {
	svc := domain.Service{
		Name:  dep.Labels[serviceLabel],
		Type:  domain.ServiceType(dep.Labels[typeLabel]),
		State: deploymentState(dep),
	}
	if len(dep.Spec.Template.Spec.Containers) > 0 {
		svc.Image = dep.Spec.Template.Spec.Containers[0].Image
	}
	if raw, ok := dep.Annotations[declaredConfigAnnot]; ok {
		var cfg domain.ServiceConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			svc.DeclaredEnv = cfg.Env
			svc.DeclaredFiles = cfg.Files
		}
	}
	return svc
}

func deploymentState(dep appsv1.Deployment) domain.ServiceState {
	replicas := int32(1)
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}
	if replicas == 0 {
		return domain.ServicePaused
	}
	if dep.Status.AvailableReplicas >= replicas {
		return domain.ServiceRunning
	}
	if dep.Status.Replicas > 0 {
		return domain.ServiceStarting
	}
	return domain.ServiceUnknown
}

// FetchAppOwners reads the owner set encoded on the app's namespace
// annotation.
func (d *Deployer) FetchAppOwners(ctx context.Context, appName string) ([]domain.Owner, error) {
	ns, err := d.client.CoreV1().Namespaces().Get(ctx, namespaceName(appName), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return owner.Decode(ns.Annotations[owner.AnnotationKey]), nil
}

// DeployServices ensures the namespace exists, reconciles a Deployment,
// Service, and (when the config declares files) ConfigMap per entry of
// desired, deletes anything no longer wanted except services named in
// preserve, reconciles routing, and returns the resulting observation.
func (d *Deployer) DeployServices(ctx context.Context, appName, statusID string, desired []domain.ServiceConfig, preserve []string, reqCtx port.RequestContext) ([]domain.Service, error) {
	ns := namespaceName(appName)
	if err := d.ensureNamespace(ctx, ns, appName); err != nil {
		return nil, fmt.Errorf("ensure namespace: %w", err)
	}
	if err := d.stampOwners(ctx, ns, reqCtx.Owners); err != nil {
		return nil, fmt.Errorf("stamp owners: %w", err)
	}

	// Order: removes -> adds -> updates, so a service being replaced by one
	// under a different name is never briefly deployed twice at once.
	wanted := make(map[string]bool, len(desired))
	for _, cfg := range desired {
		wanted[cfg.ServiceName] = true
	}
	for _, name := range preserve {
		wanted[name] = true
	}
	if err := d.pruneServices(ctx, ns, wanted); err != nil {
		return nil, fmt.Errorf("prune removed services: %w", err)
	}

	for _, cfg := range desired {
		if err := d.applyConfigMap(ctx, ns, cfg); err != nil {
			return nil, fmt.Errorf("apply configmap for %s: %w", cfg.ServiceName, err)
		}
		if err := d.applyDeployment(ctx, ns, cfg); err != nil {
			return nil, fmt.Errorf("apply deployment for %s: %w", cfg.ServiceName, err)
		}
		if err := d.applyService(ctx, ns, cfg); err != nil {
			return nil, fmt.Errorf("apply service for %s: %w", cfg.ServiceName, err)
		}
	}

	for _, cfg := range desired {
		if err := d.waitForRollout(ctx, ns, serviceObjectName(cfg.ServiceName)); err != nil {
			return nil, fmt.Errorf("wait for rollout of %s: %w", cfg.ServiceName, err)
		}
	}

	if err := d.routing.Reconcile(ctx, ns, desired); err != nil {
		return nil, fmt.Errorf("reconcile routing: %w", err)
	}

	return d.fetchServices(ctx, ns)
}

func (d *Deployer) ensureNamespace(ctx context.Context, ns, appName string) error {
	_, err := d.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}
	_, err = d.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        ns,
			Labels:      map[string]string{managedLabel: "true"},
			Annotations: map[string]string{appNameAnnotation: appName},
		},
	}, metav1.CreateOptions{})
	return err
}

// stampOwners writes owners onto the namespace annotation, a no-op when
// owners is empty (a restore or a call with no requester context).
func (d *Deployer) stampOwners(ctx context.Context, ns string, owners []domain.Owner) error {
	if len(owners) == 0 {
		return nil
	}
	nsObj, err := d.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err != nil {
		return err
	}
	encoded, err := owner.Encode(owners)
	if err != nil {
		return err
	}
	if nsObj.Annotations == nil {
		nsObj.Annotations = make(map[string]string)
	}
	nsObj.Annotations[owner.AnnotationKey] = encoded
	_, err = d.client.CoreV1().Namespaces().Update(ctx, nsObj, metav1.UpdateOptions{})
	return err
}

func (d *Deployer) applyDeployment(ctx context.Context, ns string, cfg domain.ServiceConfig) error {
	name := serviceObjectName(cfg.ServiceName)
	labels := map[string]string{serviceLabel: cfg.ServiceName, typeLabel: string(cfg.Type)}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	declared, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	replicas := int32(1)
	revisionHistoryLimit := int32(2)
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   ns,
			Labels:      labels,
			Annotations: map[string]string{declaredConfigAnnot: string(declared)},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             &replicas,
			RevisionHistoryLimit: &revisionHistoryLimit,
			Selector:             &metav1.LabelSelector{MatchLabels: map[string]string{serviceLabel: cfg.ServiceName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{serviceLabel: cfg.ServiceName}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{containerSpec(cfg)},
				},
			},
		},
	}
	if vols, mounts := volumesForConfig(cfg); len(vols) > 0 {
		deploy.Spec.Template.Spec.Volumes = vols
		deploy.Spec.Template.Spec.Containers[0].VolumeMounts = mounts
	}

	existing, err := d.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = d.client.AppsV1().Deployments(ns).Create(ctx, deploy, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	// redeploy-never leaves an already-running companion's Spec untouched
	// except for its bookkeeping annotation, so an unrelated resolve does
	// not restart it.
	if cfg.EffectiveDeploymentStrategy() == domain.DeployNever {
		existing.Annotations[declaredConfigAnnot] = string(declared)
		_, err = d.client.AppsV1().Deployments(ns).Update(ctx, existing, metav1.UpdateOptions{})
		return err
	}
	existing.Spec = deploy.Spec
	existing.Labels = labels
	existing.Annotations = deploy.Annotations
	_, err = d.client.AppsV1().Deployments(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func containerSpec(cfg domain.ServiceConfig) corev1.Container {
	c := corev1.Container{
		Name:  serviceObjectName(cfg.ServiceName),
		Image: cfg.Image,
		Env:   envToK8s(cfg.Env),
	}
	for _, p := range cfg.Ports {
		c.Ports = append(c.Ports, corev1.ContainerPort{ContainerPort: int32(p.Number)})
	}
	if cfg.MemoryLimit != nil {
		qty := resource.NewQuantity(*cfg.MemoryLimit*1024*1024, resource.BinarySI)
		c.Resources.Limits = corev1.ResourceList{corev1.ResourceMemory: *qty}
	}
	return c
}

func envToK8s(env map[string]domain.EnvValue) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	out := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v.Value})
	}
	return out
}

// volumesForConfig mounts declared files from the service's ConfigMap and
// declared secrets from their pre-existing native Secret objects: fleetform
// never handles secret bytes directly, only the Name/Path pointing at them.
func volumesForConfig(cfg domain.ServiceConfig) ([]corev1.Volume, []corev1.VolumeMount) {
	var vols []corev1.Volume
	var mounts []corev1.VolumeMount

	if len(cfg.Files) > 0 {
		cmName := configMapName(cfg.ServiceName)
		vols = append(vols, corev1.Volume{
			Name:         "files",
			VolumeSource: corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: cmName}}},
		})
		for path := range cfg.Files {
			mounts = append(mounts, corev1.VolumeMount{Name: "files", MountPath: path, SubPath: fileKey(path)})
		}
	}
	for i, s := range cfg.Secrets {
		volName := fmt.Sprintf("secret-%d", i)
		vols = append(vols, corev1.Volume{
			Name:         volName,
			VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: s.Name}},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: volName, MountPath: s.Path, ReadOnly: true})
	}
	if len(cfg.Volumes) > 0 && cfg.StorageStrategy == domain.StorageMountDeclaredImageVolumes {
		for i, v := range cfg.Volumes {
			volName := fmt.Sprintf("data-%d", i)
			vols = append(vols, corev1.Volume{Name: volName, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}})
			mounts = append(mounts, corev1.VolumeMount{Name: volName, MountPath: v.Path, ReadOnly: v.ReadOnly})
		}
	}
	return vols, mounts
}

// fileKey turns a mount path into a ConfigMap data key: subPath mounts
// cannot themselves contain slashes.
func fileKey(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
}

func configMapName(serviceName string) string {
	return serviceObjectName(serviceName) + "-files"
}

func (d *Deployer) applyConfigMap(ctx context.Context, ns string, cfg domain.ServiceConfig) error {
	if len(cfg.Files) == 0 {
		return d.deleteConfigMapIfExists(ctx, ns, cfg.ServiceName)
	}
	name := configMapName(cfg.ServiceName)
	data := make(map[string]string, len(cfg.Files))
	for path, content := range cfg.Files {
		data[fileKey(path)] = content
	}
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{serviceLabel: cfg.ServiceName}},
		Data:       data,
	}
	existing, err := d.client.CoreV1().ConfigMaps(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = d.client.CoreV1().ConfigMaps(ns).Create(ctx, cm, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Data = data
	_, err = d.client.CoreV1().ConfigMaps(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func (d *Deployer) deleteConfigMapIfExists(ctx context.Context, ns, serviceName string) error {
	err := d.client.CoreV1().ConfigMaps(ns).Delete(ctx, configMapName(serviceName), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

func (d *Deployer) applyService(ctx context.Context, ns string, cfg domain.ServiceConfig) error {
	if len(cfg.Ports) == 0 {
		return nil
	}
	name := serviceObjectName(cfg.ServiceName)
	var ports []corev1.ServicePort
	for _, p := range cfg.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       fmt.Sprintf("p%d", p.Number),
			Port:       int32(p.Number),
			TargetPort: intstr.FromInt(p.Number),
		})
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{serviceLabel: cfg.ServiceName}},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{serviceLabel: cfg.ServiceName},
			Ports:    ports,
		},
	}
	existing, err := d.client.CoreV1().Services(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = d.client.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Spec.Ports = ports
	existing.Spec.Selector = svc.Spec.Selector
	_, err = d.client.CoreV1().Services(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

// pruneServices deletes Deployment/Service/ConfigMap objects for services
// no longer in wanted.
func (d *Deployer) pruneServices(ctx context.Context, ns string, wanted map[string]bool) error {
	deployments, err := d.client.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}
	for _, dep := range deployments.Items {
		name := dep.Labels[serviceLabel]
		if wanted[name] {
			continue
		}
		if err := d.client.AppsV1().Deployments(ns).Delete(ctx, dep.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		if err := d.client.CoreV1().Services(ns).Delete(ctx, dep.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		if err := d.deleteConfigMapIfExists(ctx, ns, name); err != nil {
			return err
		}
	}
	return nil
}

// waitForRollout polls a Deployment until every replica is available or
// timeout elapses.
func (d *Deployer) waitForRollout(ctx context.Context, ns, name string) error {
	ctx, cancel := context.WithTimeout(ctx, rolloutTimeout)
	defer cancel()

	ticker := time.NewTicker(rolloutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: deployment %s rollout timed out after %s", domain.ErrBackendTransient, name, rolloutTimeout)
		case <-ticker.C:
			dep, err := d.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			for _, cond := range dep.Status.Conditions {
				if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse {
					return fmt.Errorf("%w: deployment %s is not progressing: %s", domain.ErrBackendPermanent, name, cond.Message)
				}
			}
			replicas := int32(1)
			if dep.Spec.Replicas != nil {
				replicas = *dep.Spec.Replicas
			}
			if dep.Status.ObservedGeneration >= dep.Generation &&
				dep.Status.UpdatedReplicas == replicas &&
				dep.Status.AvailableReplicas == replicas {
				return nil
			}
		}
	}
}

// DeleteApp deletes the app's namespace, which cascades to every Deployment/
// Service/ConfigMap/Secret within it, and its routing objects.
func (d *Deployer) DeleteApp(ctx context.Context, appName, _ string) ([]domain.Service, error) {
	ns := namespaceName(appName)
	services, err := d.fetchServices(ctx, ns)
	if err != nil && !apierrors.IsNotFound(err) {
		return nil, err
	}
	if err := d.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return nil, err
	}
	return services, nil
}

// ChangeServiceStatus scales a Deployment to 0 (paused) or 1 (running)
// replicas; it bypasses the resolver and task queue entirely.
func (d *Deployer) ChangeServiceStatus(ctx context.Context, appName, serviceName string, target domain.ServiceState) error {
	ns := namespaceName(appName)
	name := serviceObjectName(serviceName)
	dep, err := d.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	var replicas int32
	switch target {
	case domain.ServiceRunning:
		replicas = 1
	case domain.ServicePaused:
		replicas = 0
	default:
		return fmt.Errorf("%w: cannot set service state to %q", domain.ErrInvalidPayload, target)
	}
	dep.Spec.Replicas = &replicas
	_, err = d.client.AppsV1().Deployments(ns).Update(ctx, dep, metav1.UpdateOptions{})
	return err
}

// StreamLogs tails the logs of the first pod backing serviceName.
func (d *Deployer) StreamLogs(ctx context.Context, appName, serviceName string, since *time.Time, follow bool) (<-chan port.LogLine, error) {
	ns := namespaceName(appName)
	pods, err := d.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", serviceLabel, serviceName),
	})
	if err != nil {
		return nil, err
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("%w: no pod for service %s", domain.ErrNotFound, serviceName)
	}
	opts := &corev1.PodLogOptions{Follow: follow}
	if since != nil {
		t := metav1.NewTime(*since)
		opts.SinceTime = &t
	}
	stream, err := d.client.CoreV1().Pods(ns).GetLogs(pods.Items[0].Name, opts).Stream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan port.LogLine)
	go func() {
		defer close(out)
		defer stream.Close()
		scanner := bufio.NewScanner(stream)
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

// BackupApp captures the declared ServiceConfig of every service in the
// app's namespace, plus the owner annotation, so RestoreApp can recreate
// the namespace from scratch. Kubernetes-only.
func (d *Deployer) BackupApp(ctx context.Context, appName string) (*domain.Backup, error) {
	ns := namespaceName(appName)
	deployments, err := d.client.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	nsObj, err := d.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}

	cfgs := make([]domain.ServiceConfig, 0, len(deployments.Items))
	for _, dep := range deployments.Items {
		raw, ok := dep.Annotations[declaredConfigAnnot]
		if !ok {
			continue
		}
		var cfg domain.ServiceConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("decode declared config for %s: %w", dep.Name, err)
		}
		cfgs = append(cfgs, cfg)
	}

	payload, err := json.Marshal(map[string]string{owner.AnnotationKey: nsObj.Annotations[owner.AnnotationKey]})
	if err != nil {
		return nil, err
	}
	return &domain.Backup{AppName: appName, ServiceConfigs: cfgs, InfrastructurePayload: payload}, nil
}

// RestoreApp recreates the app's namespace from a Backup and redeploys its
// captured ServiceConfigs verbatim, bypassing the resolver: a restore is a
// replay, not a fresh resolution.
func (d *Deployer) RestoreApp(ctx context.Context, appName string, backup *domain.Backup) ([]domain.Service, error) {
	if backup == nil {
		return nil, fmt.Errorf("%w: restore requires a backup", domain.ErrInvalidPayload)
	}
	ns := namespaceName(appName)
	if err := d.ensureNamespace(ctx, ns, appName); err != nil {
		return nil, err
	}
	if len(backup.InfrastructurePayload) > 0 {
		var extra map[string]string
		if err := json.Unmarshal(backup.InfrastructurePayload, &extra); err == nil {
			nsObj, err := d.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
			if err == nil {
				if nsObj.Annotations == nil {
					nsObj.Annotations = map[string]string{}
				}
				nsObj.Annotations[owner.AnnotationKey] = extra[owner.AnnotationKey]
				_, _ = d.client.CoreV1().Namespaces().Update(ctx, nsObj, metav1.UpdateOptions{})
			}
		}
	}
	return d.DeployServices(ctx, appName, "", backup.ServiceConfigs, nil, port.RequestContext{})
}

// RunBootstrapContainer runs image as a short-lived Pod in the app's own
// namespace, waits for it to exit, and returns its captured stdout.
func (d *Deployer) RunBootstrapContainer(ctx context.Context, appName, image string, args []string) (string, error) {
	ns := namespaceName(appName)
	if err := d.ensureNamespace(ctx, ns, appName); err != nil {
		return "", err
	}
	name := fmt.Sprintf("bootstrap-%d", time.Now().UnixNano())
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{"fleetform.io/bootstrap": "true"}},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{Name: "bootstrap", Image: image, Args: args},
			},
		},
	}
	if _, err := d.client.CoreV1().Pods(ns).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", err
	}
	defer func() {
		if err := d.client.CoreV1().Pods(ns).Delete(context.Background(), name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			slog.Warn("cleanup bootstrap pod failed", "pod", name, "error", err)
		}
	}()

	if err := d.waitForPodExit(ctx, ns, name); err != nil {
		return "", err
	}

	logs, err := d.client.CoreV1().Pods(ns).GetLogs(name, &corev1.PodLogOptions{}).Stream(ctx)
	if err != nil {
		return "", err
	}
	defer logs.Close()
	body, err := io.ReadAll(logs)
	if err != nil {
		return "", err
	}

	final, err := d.client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", err
	}
	if final.Status.Phase == corev1.PodFailed {
		exitCode := 1
		if len(final.Status.ContainerStatuses) > 0 && final.Status.ContainerStatuses[0].State.Terminated != nil {
			exitCode = int(final.Status.ContainerStatuses[0].State.Terminated.ExitCode)
		}
		return "", &domain.BootstrapError{Image: image, Exit: exitCode, StderrSnippet: string(body)}
	}
	return string(body), nil
}

func (d *Deployer) waitForPodExit(ctx context.Context, ns, name string) error {
	ctx, cancel := context.WithTimeout(ctx, rolloutTimeout)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: bootstrap pod %s timed out", domain.ErrBootstrap, name)
		case <-ticker.C:
			pod, err := d.client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
				return nil
			}
		}
	}
}

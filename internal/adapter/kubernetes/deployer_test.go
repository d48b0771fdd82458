package kubernetes

import (
	"context"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakedynamic "k8s.io/client-go/dynamic/fake"
	fakeclient "k8s.io/client-go/kubernetes/fake"

	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/port"
)

func newTestDeployer() *Deployer {
	client := fakeclient.NewSimpleClientset()
	dyn := fakedynamic.NewSimpleDynamicClient(runtime.NewScheme())
	return NewDeployer(client, dyn)
}

func TestDeployServices_CreatesNamespaceDeploymentAndService(t *testing.T) {
	d := newTestDeployer()
	ctx := context.Background()

	desired := []domain.ServiceConfig{
		{ServiceName: "web", Image: "nginx:1", Type: domain.ServiceTypeInstance, Ports: []domain.PortMapping{{Number: 80}}},
	}
	observed, err := d.DeployServices(ctx, "myapp", "", desired, nil, port.RequestContext{})
	if err != nil {
		t.Fatalf("DeployServices: %v", err)
	}
	if len(observed) != 1 || observed[0].Name != "web" {
		t.Fatalf("observed = %+v", observed)
	}

	ns, err := d.client.CoreV1().Namespaces().Get(ctx, namespaceName("myapp"), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("namespace not created: %v", err)
	}
	if ns.Annotations[appNameAnnotation] != "myapp" {
		t.Errorf("app-name annotation = %q", ns.Annotations[appNameAnnotation])
	}

	svc, err := d.client.CoreV1().Services(namespaceName("myapp")).Get(ctx, serviceObjectName("web"), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("service not created: %v", err)
	}
	if len(svc.Spec.Ports) != 1 || svc.Spec.Ports[0].Port != 80 {
		t.Errorf("service ports = %+v", svc.Spec.Ports)
	}
}

func TestDeployServices_PrunesRemovedServiceUnlessPreserved(t *testing.T) {
	d := newTestDeployer()
	ctx := context.Background()

	first := []domain.ServiceConfig{
		{ServiceName: "web", Image: "nginx:1", Type: domain.ServiceTypeInstance},
		{ServiceName: "sidecar", Image: "sidecar:1", Type: domain.ServiceTypeAppCompanion, DeploymentStrategy: domain.DeployNever},
	}
	if _, err := d.DeployServices(ctx, "myapp", "", first, nil, port.RequestContext{}); err != nil {
		t.Fatalf("first deploy: %v", err)
	}

	second := []domain.ServiceConfig{
		{ServiceName: "web", Image: "nginx:2", Type: domain.ServiceTypeInstance},
	}
	observed, err := d.DeployServices(ctx, "myapp", "", second, []string{"sidecar"}, port.RequestContext{})
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}

	names := map[string]bool{}
	for _, s := range observed {
		names[s.Name] = true
	}
	if !names["web"] || !names["sidecar"] {
		t.Fatalf("expected web and preserved sidecar, got %+v", observed)
	}
}

func TestDeployServices_PrunesBeforeApplying(t *testing.T) {
	d := newTestDeployer()
	ctx := context.Background()

	first := []domain.ServiceConfig{{ServiceName: "old", Image: "old:1", Type: domain.ServiceTypeInstance}}
	if _, err := d.DeployServices(ctx, "myapp", "", first, nil, port.RequestContext{}); err != nil {
		t.Fatalf("first deploy: %v", err)
	}

	fake, ok := d.client.(*fakeclient.Clientset)
	if !ok {
		t.Fatalf("expected a fake clientset")
	}
	fake.ClearActions()

	second := []domain.ServiceConfig{{ServiceName: "new", Image: "new:1", Type: domain.ServiceTypeInstance}}
	if _, err := d.DeployServices(ctx, "myapp", "", second, nil, port.RequestContext{}); err != nil {
		t.Fatalf("second deploy: %v", err)
	}

	deleteIdx, applyIdx := -1, -1
	for i, action := range fake.Actions() {
		if action.GetResource().Resource != "deployments" {
			continue
		}
		switch action.GetVerb() {
		case "delete":
			if deleteIdx == -1 {
				deleteIdx = i
			}
		case "create", "update":
			if applyIdx == -1 {
				applyIdx = i
			}
		}
	}
	if deleteIdx == -1 || applyIdx == -1 {
		t.Fatalf("expected both a delete and a create/update deployment action, got %+v", fake.Actions())
	}
	if deleteIdx > applyIdx {
		t.Fatalf("prune (delete at index %d) should happen before apply (create/update at index %d)", deleteIdx, applyIdx)
	}
}

func TestDeleteApp_RemovesNamespace(t *testing.T) {
	d := newTestDeployer()
	ctx := context.Background()

	desired := []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1", Type: domain.ServiceTypeInstance}}
	if _, err := d.DeployServices(ctx, "myapp", "", desired, nil, port.RequestContext{}); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	if _, err := d.DeleteApp(ctx, "myapp", ""); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}

	if _, err := d.client.CoreV1().Namespaces().Get(ctx, namespaceName("myapp"), metav1.GetOptions{}); err == nil {
		t.Fatalf("namespace still present after delete")
	}
}

func TestNamespaceName_SanitizesDNS1123(t *testing.T) {
	if got := namespaceName("My_App"); got != "ff-my-app" {
		t.Errorf("namespaceName(%q) = %q", "My_App", got)
	}
}

package kubernetes

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

var (
	ingressRouteGVR = schema.GroupVersionResource{Group: "traefik.io", Version: "v1alpha1", Resource: "ingressroutes"}
	middlewareGVR   = schema.GroupVersionResource{Group: "traefik.io", Version: "v1alpha1", Resource: "middlewares"}
)

// RoutingReconciler manages the Traefik IngressRoute/Middleware pair for
// each routed service of an app's namespace. Every app lives in its own
// namespace, so objects are named after the service alone.
type RoutingReconciler struct {
	dynamic dynamic.Interface
}

func NewRoutingReconciler(dyn dynamic.Interface) *RoutingReconciler {
	return &RoutingReconciler{dynamic: dyn}
}

// Reconcile creates or updates one IngressRoute and its middlewares per
// service in cfgs that declares a Routing rule, and removes routing objects
// for any service no longer present in namespace.
func (r *RoutingReconciler) Reconcile(ctx context.Context, namespace string, cfgs []domain.ServiceConfig) error {
	wanted := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if c.Routing == nil || c.Routing.Rule == "" {
			continue
		}
		wanted[c.ServiceName] = true
		if err := r.applyMiddlewares(ctx, namespace, c); err != nil {
			return fmt.Errorf("apply middlewares for %s: %w", c.ServiceName, err)
		}
		if err := r.applyIngressRoute(ctx, namespace, c); err != nil {
			return fmt.Errorf("apply ingressroute for %s: %w", c.ServiceName, err)
		}
	}
	return r.pruneUnwanted(ctx, namespace, wanted)
}

func (r *RoutingReconciler) applyIngressRoute(ctx context.Context, namespace string, c domain.ServiceConfig) error {
	name := serviceObjectName(c.ServiceName)
	var middlewareRefs []any
	for _, mw := range c.Routing.AdditionalMiddlewares {
		middlewareRefs = append(middlewareRefs, map[string]any{"name": middlewareName(c.ServiceName, mw.Name)})
	}

	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "traefik.io/v1alpha1",
		"kind":       "IngressRoute",
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
			"labels":    map[string]any{"service": c.ServiceName},
		},
		"spec": map[string]any{
			"entryPoints": []any{"web"},
			"routes": []any{
				map[string]any{
					"kind":        "Rule",
					"match":       c.Routing.Rule,
					"middlewares": middlewareRefs,
					"services": []any{
						map[string]any{"name": serviceObjectName(c.ServiceName), "port": firstPort(c)},
					},
				},
			},
		},
	}}
	return r.applyUnstructured(ctx, ingressRouteGVR, namespace, name, obj)
}

func (r *RoutingReconciler) applyMiddlewares(ctx context.Context, namespace string, c domain.ServiceConfig) error {
	for _, mw := range c.Routing.AdditionalMiddlewares {
		name := middlewareName(c.ServiceName, mw.Name)
		obj := &unstructured.Unstructured{Object: map[string]any{
			"apiVersion": "traefik.io/v1alpha1",
			"kind":       "Middleware",
			"metadata": map[string]any{
				"name":      name,
				"namespace": namespace,
				"labels":    map[string]any{"service": c.ServiceName},
			},
			"spec": map[string]any{mw.Name: mw.Value},
		}}
		if err := r.applyUnstructured(ctx, middlewareGVR, namespace, name, obj); err != nil {
			return err
		}
	}
	return nil
}

func (r *RoutingReconciler) applyUnstructured(ctx context.Context, gvr schema.GroupVersionResource, namespace, name string, obj *unstructured.Unstructured) error {
	client := r.dynamic.Resource(gvr).Namespace(namespace)
	existing, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, obj, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	obj.SetResourceVersion(existing.GetResourceVersion())
	_, err = client.Update(ctx, obj, metav1.UpdateOptions{})
	return err
}

// pruneUnwanted deletes IngressRoutes and Middlewares for services no longer
// declared, since Reconcile only ever creates-or-updates the wanted set.
func (r *RoutingReconciler) pruneUnwanted(ctx context.Context, namespace string, wanted map[string]bool) error {
	for _, gvr := range []schema.GroupVersionResource{ingressRouteGVR, middlewareGVR} {
		list, err := r.dynamic.Resource(gvr).Namespace(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, item := range list.Items {
			serviceLabel := item.GetLabels()["service"]
			if wanted[serviceLabel] {
				continue
			}
			if err := r.dynamic.Resource(gvr).Namespace(namespace).Delete(ctx, item.GetName(), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}

func middlewareName(serviceName, mw string) string {
	return fmt.Sprintf("%s-%s", serviceObjectName(serviceName), k8sObjectName(mw))
}

func firstPort(c domain.ServiceConfig) int64 {
	if len(c.Ports) > 0 {
		return int64(c.Ports[0].Number)
	}
	return 80
}

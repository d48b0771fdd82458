// Package kubernetes implements port.Infrastructure against the Kubernetes
// API: one Deployment, Service and ConfigMap per ServiceConfig (Secrets are
// not created; existing ones are mounted), plus a Traefik IngressRoute/Middleware pair per routed service, all
// reconciled with a get-then-create-or-update pattern, label selectors, and
// a polling rollout wait.
package kubernetes

import (
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClientset builds a typed clientset from an explicit kubeconfig path,
// or from the in-cluster config when kubeconfigPath is empty.
func NewClientset(kubeconfigPath string) (kubernetes.Interface, *rest.Config, error) {
	cfg, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, nil, err
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cs, cfg, nil
}

// NewDynamicClient builds the dynamic.Interface the routing reconciler uses
// to manage Traefik's IngressRoute/Middleware CRDs.
func NewDynamicClient(kubeconfigPath string) (dynamic.Interface, error) {
	cfg, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	return dynamic.NewForConfig(cfg)
}

func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	return rest.InClusterConfig()
}

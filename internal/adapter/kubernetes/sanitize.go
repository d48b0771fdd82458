package kubernetes

import "strings"

// k8sObjectName lowercases and hyphenates name so it satisfies the
// DNS-1123 label rules Kubernetes object names require; fleetform's own
// AppName/ServiceName validation (domain.ValidateAppName) allows characters
// -- uppercase letters, underscores -- that Kubernetes does not.
func k8sObjectName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}

// namespaceName derives the per-app namespace from appName: every app owns
// its own Kubernetes Namespace, so no other object needs an app-scoped
// prefix.
func namespaceName(appName string) string {
	return "ff-" + k8sObjectName(appName)
}

// serviceObjectName is the Kubernetes Service name backing a fleetform
// ServiceConfig. Namespace isolation means it never needs the app name as
// a prefix.
func serviceObjectName(serviceName string) string {
	return k8sObjectName(serviceName)
}

package domain

import (
	"fmt"
	"regexp"
)

// appNameRegex constrains AppName to an opaque string matching
// [A-Za-z0-9_-]+.
var appNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateAppName checks the AppName invariant.
func ValidateAppName(name string) error {
	if name == "" || !appNameRegex.MatchString(name) {
		return fmt.Errorf("%w: app name %q must match [A-Za-z0-9_-]+", ErrInvalidPayload, name)
	}
	return nil
}

// serviceNameRegex is the same character class as AppName; service names
// are used as path segments and label values.
var serviceNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateServiceName checks that a ServiceConfig.ServiceName is safe to use
// as a path segment and label value.
func ValidateServiceName(name string) error {
	if name == "" || !serviceNameRegex.MatchString(name) {
		return fmt.Errorf("%w: service name %q must match [A-Za-z0-9_-]+", ErrInvalidPayload, name)
	}
	return nil
}

// ValidateUniqueServiceNames enforces invariant I: (appName, serviceName) is
// unique within a single deploy request/resolution.
func ValidateUniqueServiceNames(cfgs []ServiceConfig) error {
	seen := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if seen[c.ServiceName] {
			return fmt.Errorf("%w: duplicate service name %q", ErrInvalidPayload, c.ServiceName)
		}
		seen[c.ServiceName] = true
	}
	return nil
}

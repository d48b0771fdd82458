package domain

import "encoding/json"

// ServiceRef is one entry of DeploymentContext.Services: the subset of a
// ServiceConfig the template engine and hook runtime are allowed to see
// while a deployment is being resolved.
type ServiceRef struct {
	Name string      `json:"name"`
	Port int         `json:"port,omitempty"`
	Type ServiceType `json:"type"`
}

// ApplicationContext is DeploymentContext.Application.
type ApplicationContext struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
}

// DeploymentContext is built once per operation and fed to the template
// engine; infrastructure is a backend-specific bag (e.g. {"namespace": ...}
// for Kubernetes).
type DeploymentContext struct {
	Application   ApplicationContext `json:"application"`
	Services      []ServiceRef       `json:"services"`
	UserDefined   json.RawMessage    `json:"userDefined,omitempty"`
	Infrastructure map[string]any    `json:"infrastructure,omitempty"`
}

// ToMap renders the context into the generic map shape the template engine
// walks; struct field names become lowerCamelCase keys.
func (c DeploymentContext) ToMap() map[string]any {
	services := make([]map[string]any, 0, len(c.Services))
	for _, s := range c.Services {
		services = append(services, map[string]any{
			"name": s.Name,
			"port": s.Port,
			"type": string(s.Type),
		})
	}
	m := map[string]any{
		"application": map[string]any{
			"name":    c.Application.Name,
			"baseUrl": c.Application.BaseURL,
		},
		"services": services,
	}
	if len(c.UserDefined) > 0 {
		var ud any
		if err := json.Unmarshal(c.UserDefined, &ud); err == nil {
			m["userDefined"] = ud
		}
	}
	if len(c.Infrastructure) > 0 {
		m["infrastructure"] = c.Infrastructure
	}
	return m
}

// Package config loads fleetform's TOML configuration file and merges it
// with FLEETFORM_-prefixed environment variables and CLI flags, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// RuntimeType selects the infrastructure backend.
type RuntimeType string

const (
	RuntimeDocker     RuntimeType = "Docker"
	RuntimeKubernetes RuntimeType = "Kubernetes"
)

type Config struct {
	Runtime      RuntimeConfig               `toml:"runtime"`
	Applications ApplicationsConfig          `toml:"applications"`
	Containers   ContainersConfig            `toml:"containers"`
	Jira         *JiraConfig                 `toml:"jira"`
	Services     map[string]ServiceConfig    `toml:"services"`
	Companions   CompanionsConfig            `toml:"companions"`
	Hooks        HooksConfig                 `toml:"hooks"`
	Registries   map[string]RegistryConfig   `toml:"registries"`
	APIAccess    APIAccessConfig             `toml:"apiAccess"`
	StaticHostMeta map[string]string         `toml:"staticHostMeta"`
	Frontend     FrontendConfig              `toml:"frontend"`
	Database     *DatabaseConfig             `toml:"database"`

	// HTTPAddr and RuntimeTypeFlag are populated from CLI flags, not TOML.
	HTTPAddr        string      `toml:"-"`
	RuntimeTypeFlag RuntimeType `toml:"-"`
}

type RuntimeConfig struct {
	Type           RuntimeType `toml:"type"`
	KubeconfigPath string      `toml:"kubeconfigPath"`
	Namespace      string      `toml:"namespace"`
	DockerHost     string      `toml:"dockerHost"`
	DockerNetwork  string      `toml:"dockerNetwork"`
	DockerDataDir  string      `toml:"dockerDataDir"`
	DockerSecretsDir string    `toml:"dockerSecretsDir"`
}

type ApplicationsConfig struct {
	Max                  int    `toml:"max"`
	DefaultApp           string `toml:"defaultApp"`
	ReplicationCondition string `toml:"replicationCondition"` // always-from-default-app | replicate-only-when-requested
}

const (
	ReplicateAlwaysFromDefault    = "always-from-default-app"
	ReplicateOnlyWhenRequested    = "replicate-only-when-requested"
)

type ContainersConfig struct {
	DefaultMemoryLimitMiB int64  `toml:"defaultMemoryLimitMiB"`
	WorkerPoolSize        int    `toml:"workerPoolSize"`
	RolloutTimeout        string `toml:"rolloutTimeout"`
}

type JiraConfig struct {
	Host     string `toml:"host"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Project  string `toml:"project"`
}

type ServiceConfig struct {
	Secrets map[string]SecretConfig `toml:"secrets"`
}

type SecretConfig struct {
	AppSelector string `toml:"appSelector"`
	Path        string `toml:"path"`
}

// CompanionKind is the [companions.*].type value.
type CompanionKind string

const (
	CompanionApplication CompanionKind = "application"
	CompanionService     CompanionKind = "service"
)

type CompanionsConfig struct {
	Definitions   map[string]CompanionDefinition `toml:"-"`
	Bootstrapping BootstrappingConfig            `toml:"bootstrapping"`
	Templating    TemplatingConfig               `toml:"templating"`
}

type CompanionDefinition struct {
	Type               CompanionKind      `toml:"type"`
	ServiceName        string             `toml:"serviceName"`
	Image              string             `toml:"image"`
	Env                map[string]string  `toml:"env"`
	Files              map[string]string  `toml:"files"`
	Labels             map[string]string  `toml:"labels"`
	RoutingRule        string             `toml:"routingRule"`
	DeploymentStrategy string             `toml:"deploymentStrategy"`
	StorageStrategy    string             `toml:"storageStrategy"`
}

type BootstrapContainer struct {
	Image string   `toml:"image"`
	Args  []string `toml:"args"`
}

type BootstrappingConfig struct {
	Containers []BootstrapContainer `toml:"containers"`
	Timeout    string                `toml:"timeout"`
}

type TemplatingConfig struct {
	UserDefinedSchema map[string]any `toml:"userDefinedSchema"`
}

type HooksConfig struct {
	Deployment          *ScriptHook `toml:"deployment"`
	IDTokenClaimsToOwner *ScriptHook `toml:"idTokenClaimsToOwner"`
}

type ScriptHook struct {
	Script  string `toml:"script"`
	File    string `toml:"file"`
	Timeout string `toml:"timeout"`
}

type RegistryConfig struct {
	Host              string   `toml:"host"`
	Mirrors           []string `toml:"mirrors"`
	Insecure          bool     `toml:"insecure"`
	UsernameEnv       string   `toml:"usernameEnv"`
	PasswordEnv       string   `toml:"passwordEnv"`
}

type OpenIDProvider struct {
	Issuer   string `toml:"issuer"`
	ClientID string `toml:"clientId"`
}

type APIAccessConfig struct {
	// Token gates every /apps/ route behind a shared X-API-Key; empty
	// disables the check (local/dev runs).
	Token           string                    `toml:"token"`
	OpenIDProviders map[string]OpenIDProvider `toml:"openidProviders"`
}

type FrontendConfig struct {
	Path string `toml:"path"`
}

type DatabaseConfig struct {
	URL             string `toml:"url"`
	MaxOpenConns    int    `toml:"maxOpenConns"`
	LeaseExpirySecs int    `toml:"leaseExpirySeconds"`
}

// Defaults used when the operator leaves the corresponding setting unset.
const (
	DefaultHookTimeout    = "2s"
	DefaultStatusTTL      = "10m"
	DefaultPollInterval   = "30s"
	DefaultCoalesceWindow = "250ms"
	DefaultBackendMaxRetry = "60s"
)

// Load reads a TOML file (if path is non-empty), applies FLEETFORM_-prefixed
// environment overrides, then CLI flag overrides. Precedence: flags > env >
// file > built-in defaults.
func Load(path string, runtimeFlag RuntimeType, httpAddr string) (*Config, error) {
	cfg := &Config{
		Applications: ApplicationsConfig{
			Max:                  0, // 0 = unlimited
			ReplicationCondition: ReplicateOnlyWhenRequested,
		},
		Containers: ContainersConfig{
			DefaultMemoryLimitMiB: 512,
			WorkerPoolSize:        4,
			RolloutTimeout:        "5m",
		},
		Runtime: RuntimeConfig{
			Type:             RuntimeDocker,
			Namespace:        "default",
			DockerNetwork:    "fleetform",
			DockerDataDir:    "/var/lib/fleetform/files",
			DockerSecretsDir: "/var/lib/fleetform/secrets",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := extractCompanionDefinitions(data, cfg); err != nil {
			return nil, fmt.Errorf("parse companions in %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if runtimeFlag != "" {
		cfg.Runtime.Type = runtimeFlag
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	} else if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// extractCompanionDefinitions parses [companions.*] tables that are not the
// reserved bootstrapping/templating keys, since go-toml/v2 cannot merge a
// dynamic-key map alongside fixed sibling fields in one struct tag.
func extractCompanionDefinitions(data []byte, cfg *Config) error {
	var generic map[string]any
	if err := toml.Unmarshal(data, &generic); err != nil {
		return err
	}
	companionsRaw, ok := generic["companions"].(map[string]any)
	if !ok {
		return nil
	}
	defs := make(map[string]CompanionDefinition)
	for key, v := range companionsRaw {
		if key == "bootstrapping" || key == "templating" {
			continue
		}
		table, ok := v.(map[string]any)
		if !ok {
			continue
		}
		def := CompanionDefinition{}
		reencoded, err := toml.Marshal(table)
		if err != nil {
			return err
		}
		if err := toml.Unmarshal(reencoded, &def); err != nil {
			return err
		}
		if def.ServiceName == "" {
			def.ServiceName = key
		}
		defs[key] = def
	}
	cfg.Companions.Definitions = defs
	return nil
}

// applyEnvOverrides applies a fixed set of well-known FLEETFORM_-prefixed
// overrides by hand rather than through a reflection-based merger.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETFORM_RUNTIME_TYPE"); v != "" {
		cfg.Runtime.Type = RuntimeType(v)
	}
	if v := os.Getenv("FLEETFORM_KUBECONFIG"); v != "" {
		cfg.Runtime.KubeconfigPath = v
	}
	if v := os.Getenv("FLEETFORM_NAMESPACE"); v != "" {
		cfg.Runtime.Namespace = v
	}
	if v := os.Getenv("FLEETFORM_DOCKER_HOST"); v != "" {
		cfg.Runtime.DockerHost = v
	}
	if v := os.Getenv("FLEETFORM_DATABASE_URL"); v != "" {
		if cfg.Database == nil {
			cfg.Database = &DatabaseConfig{}
		}
		cfg.Database.URL = v
	}
	if v := os.Getenv("FLEETFORM_APPLICATIONS_MAX"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.Applications.Max = n
		}
	}
	if v := os.Getenv("FLEETFORM_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("FLEETFORM_API_TOKEN"); v != "" {
		cfg.APIAccess.Token = v
	}
}

func parseIntEnv(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	return n, err
}

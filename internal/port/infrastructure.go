// Package port declares the capability interfaces the core is written
// against, so the Apps Service and Companion Resolver never see
// backend-specific (Docker/Kubernetes) types.
package port

import (
	"context"
	"time"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

// RequestContext carries the per-request routing information the backend
// needs to compute a service's baseUrl.
type RequestContext struct {
	Forwarded        string
	XForwardedPrefix string

	// Owners is the full owner set (existing app owners unioned with the
	// requester's hook-transformed id-token claims) a backend should stamp
	// onto the app's native object as of this deploy.
	Owners []domain.Owner
}

// LogLine is one entry of a streamed log.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// Infrastructure is the polymorphic capability contract implemented
// identically by the Docker and Kubernetes backends. Backends are selected
// once at startup.
type Infrastructure interface {
	FetchApps(ctx context.Context) (map[string][]domain.Service, error)
	FetchAppOwners(ctx context.Context, appName string) ([]domain.Owner, error)

	// DeployServices reconciles desired against currently deployed services
	// for appName and returns the resulting observation. preserve lists
	// service names that must survive the remove phase unmodified even
	// though the resolver omitted them from desired (redeploy-never
	// companions that already exist).
	DeployServices(ctx context.Context, appName string, statusID string, desired []domain.ServiceConfig, preserve []string, reqCtx RequestContext) ([]domain.Service, error)

	DeleteApp(ctx context.Context, appName string, statusID string) ([]domain.Service, error)

	ChangeServiceStatus(ctx context.Context, appName, serviceName string, target domain.ServiceState) error

	StreamLogs(ctx context.Context, appName, serviceName string, since *time.Time, follow bool) (<-chan LogLine, error)

	// BackupApp and RestoreApp are Kubernetes-only; the Docker backend
	// returns domain.ErrNotSupported.
	BackupApp(ctx context.Context, appName string) (*domain.Backup, error)
	RestoreApp(ctx context.Context, appName string, backup *domain.Backup) ([]domain.Service, error)

	// RunBootstrapContainer runs a short-lived container with image/args and
	// returns its captured stdout, or a *domain.BootstrapError on nonzero exit.
	RunBootstrapContainer(ctx context.Context, appName, image string, args []string) (stdout string, err error)
}

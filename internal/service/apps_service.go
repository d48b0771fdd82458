// Package service implements the Apps Service: the orchestration layer
// that turns a deploy/delete/state-change request into a resolved plan, a
// queued task, and eventually a call into the Infrastructure port,
// publishing every observed state change to the event stream.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chiwei-platform/fleetform/internal/config"
	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/eventstream"
	"github.com/chiwei-platform/fleetform/internal/owner"
	"github.com/chiwei-platform/fleetform/internal/port"
	"github.com/chiwei-platform/fleetform/internal/resolver"
	"github.com/chiwei-platform/fleetform/internal/statuschange"
)

// jobPayload is the queue task's Payload/ResultSuccess shape: enough to
// replay a resolved deployment plan or a delete/restore request from
// storage, so a durable queue can resume it after a restart.
type jobPayload struct {
	Services []domain.ServiceConfig `json:"services,omitempty"`
	Preserve []string               `json:"preserve,omitempty"`
	ReqCtx   port.RequestContext    `json:"reqCtx"`
	StatusID string                 `json:"statusId"`
	Backup   *domain.Backup         `json:"backup,omitempty"`
}

// AppsService is the core use-case object; every HTTP/CLI entrypoint calls
// into it, never directly into port.Infrastructure.
type AppsService struct {
	cfg      *config.Config
	infra    port.Infrastructure
	resolver *resolver.Resolver
	queue    port.TaskQueue
	status   *statuschange.Registry
	events   *eventstream.Broadcaster

	mu     sync.Mutex
	locked map[string]bool
}

func New(cfg *config.Config, infra port.Infrastructure, res *resolver.Resolver, q port.TaskQueue, status *statuschange.Registry, events *eventstream.Broadcaster) *AppsService {
	return &AppsService{
		cfg: cfg, infra: infra, resolver: res, queue: q, status: status, events: events,
		locked: make(map[string]bool),
	}
}

// DeployRequest is the create-or-update HTTP payload.
type DeployRequest struct {
	AppName       string                  `json:"appName"`
	ReplicateFrom string                  `json:"replicateFrom,omitempty"`
	Services      []domain.ServiceConfig  `json:"services"`
	UserDefined   map[string]any          `json:"userDefined,omitempty"`
	Owners        []domain.Owner          `json:"owners,omitempty"`
}

// CreateOrUpdate validates and resolves req, then enqueues the deployment
// and returns a status-change id the caller can poll.
//
// The per-app guard acquired here is held past this call's return: it is
// only released once the queued task actually finishes in HandleTask, so a
// second concurrent request against the same app is rejected with Conflict
// for as long as the first is genuinely deploying, not just resolving.
func (s *AppsService) CreateOrUpdate(ctx context.Context, req DeployRequest, reqCtx port.RequestContext) (string, error) {
	if err := domain.ValidateAppName(req.AppName); err != nil {
		return "", err
	}
	for _, svc := range req.Services {
		if err := domain.ValidateServiceName(svc.ServiceName); err != nil {
			return "", err
		}
	}

	if err := s.enforceApplicationsMax(ctx, req.AppName); err != nil {
		return "", err
	}

	if !s.tryLock(req.AppName) {
		return "", fmt.Errorf("%w: %s has a deployment already in flight", domain.ErrConflict, req.AppName)
	}
	committed := false
	defer func() {
		if !committed {
			s.unlock(req.AppName)
		}
	}()

	allApps, err := s.infra.FetchApps(ctx)
	if err != nil {
		return "", err
	}

	var srcDeployed []domain.ServiceConfig
	if req.ReplicateFrom != "" {
		srcDeployed = servicesAsConfigs(allApps[req.ReplicateFrom])
	}
	dstDeployed := servicesAsConfigs(allApps[req.AppName])

	if _, exists := allApps[req.AppName]; !exists {
		reqCtx.Owners = req.Owners
	} else {
		existing, err := s.infra.FetchAppOwners(ctx, req.AppName)
		if err != nil {
			return "", err
		}
		reqCtx.Owners = domain.UnionOwners(existing, req.Owners)
	}

	baseURL := s.baseURL(req.AppName, reqCtx)
	result, err := s.resolver.Resolve(ctx, resolver.Input{
		AppName:                req.AppName,
		Requested:              req.Services,
		ReplicateFrom:          req.ReplicateFrom,
		CurrentlyDeployedOfSrc: srcDeployed,
		CurrentlyDeployedOfDst: dstDeployed,
		UserDefined:            req.UserDefined,
		BaseURL:                baseURL,
	})
	if err != nil {
		return "", err
	}

	statusID := s.status.Begin(req.AppName)
	payload, err := json.Marshal(jobPayload{Services: result.Services, Preserve: result.Preserve, ReqCtx: reqCtx, StatusID: statusID})
	if err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, domain.Task{AppName: req.AppName, Kind: domain.TaskCreate, Payload: payload}); err != nil {
		return "", err
	}
	committed = true
	return statusID, nil
}

// Delete enqueues an app's removal. Symmetric with CreateOrUpdate: the
// per-app guard is acquired here and only released once the queued delete
// finishes in HandleTask.
func (s *AppsService) Delete(ctx context.Context, appName string) (string, error) {
	if err := domain.ValidateAppName(appName); err != nil {
		return "", err
	}
	if !s.tryLock(appName) {
		return "", fmt.Errorf("%w: %s has a deployment already in flight", domain.ErrConflict, appName)
	}
	committed := false
	defer func() {
		if !committed {
			s.unlock(appName)
		}
	}()

	statusID := s.status.Begin(appName)
	payload, err := json.Marshal(jobPayload{StatusID: statusID})
	if err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, domain.Task{AppName: appName, Kind: domain.TaskDelete, Payload: payload}); err != nil {
		return "", err
	}
	committed = true
	return statusID, nil
}

// Restore enqueues restoring appName from a previously captured backup
// (Kubernetes only; the Docker backend rejects it with ErrNotSupported).
// Guarded the same way as CreateOrUpdate/Delete since it is processed by the
// same HandleTask critical section against the same app.
func (s *AppsService) Restore(ctx context.Context, appName string, backup *domain.Backup) (string, error) {
	if err := domain.ValidateAppName(appName); err != nil {
		return "", err
	}
	if !s.tryLock(appName) {
		return "", fmt.Errorf("%w: %s has a deployment already in flight", domain.ErrConflict, appName)
	}
	committed := false
	defer func() {
		if !committed {
			s.unlock(appName)
		}
	}()

	statusID := s.status.Begin(appName)
	payload, err := json.Marshal(jobPayload{StatusID: statusID, Backup: backup})
	if err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, domain.Task{AppName: appName, Kind: domain.TaskRestore, Payload: payload}); err != nil {
		return "", err
	}
	committed = true
	return statusID, nil
}

// ChangeServiceState is synchronous: start/stop is fast and does not need
// the resolver or the task queue.
func (s *AppsService) ChangeServiceState(ctx context.Context, appName, serviceName string, target domain.ServiceState) error {
	return s.infra.ChangeServiceStatus(ctx, appName, serviceName, target)
}

// FetchApps returns every known app and its services.
func (s *AppsService) FetchApps(ctx context.Context) (map[string][]domain.Service, error) {
	return s.infra.FetchApps(ctx)
}

// StreamLogs forwards to the active backend; the HTTP layer decides whether
// to render the result as a plain stream or an SSE follow.
func (s *AppsService) StreamLogs(ctx context.Context, appName, serviceName string, since *time.Time, follow bool) (<-chan port.LogLine, error) {
	return s.infra.StreamLogs(ctx, appName, serviceName, since, follow)
}

// StatusChange returns the current state of a previously issued async
// operation.
func (s *AppsService) StatusChange(id string) (domain.StatusChange, bool) {
	return s.status.Get(id)
}

// PublishSnapshot pushes an out-of-band update to the event stream, for the
// periodic reconciliation poll that catches drift no task observed.
func (s *AppsService) PublishSnapshot(appName string, services []domain.Service) {
	s.events.Publish(appName, services)
}

// Subscribe registers a new event-stream subscriber.
func (s *AppsService) Subscribe() chan []byte {
	return s.events.Subscribe()
}

func (s *AppsService) Unsubscribe(ch chan []byte) {
	s.events.Unsubscribe(ch)
}

// HandleTask is the port.TaskHandler wired to the task queue at startup: it
// executes the plan a CreateOrUpdate/Delete/Restore call queued, and is the
// other half of the per-app guard those callers acquire: the app is only
// unlocked once its backend call actually finishes here.
func (s *AppsService) HandleTask(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	defer s.unlock(task.AppName)

	var job jobPayload
	if err := json.Unmarshal(task.Payload, &job); err != nil {
		return nil, err
	}

	var (
		observed []domain.Service
		err      error
	)
	switch task.Kind {
	case domain.TaskCreate:
		observed, err = s.infra.DeployServices(ctx, task.AppName, job.StatusID, job.Services, job.Preserve, job.ReqCtx)
	case domain.TaskDelete:
		observed, err = s.infra.DeleteApp(ctx, task.AppName, job.StatusID)
	case domain.TaskRestore:
		observed, err = s.infra.RestoreApp(ctx, task.AppName, job.Backup)
	default:
		err = fmt.Errorf("%w: unknown task kind %q", domain.ErrInvalidPayload, task.Kind)
	}

	s.status.Complete(job.StatusID, observed, err)
	if err == nil {
		if task.Kind == domain.TaskDelete {
			s.events.Publish(task.AppName, nil)
		} else {
			s.events.Publish(task.AppName, observed)
		}
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(observed)
}

func (s *AppsService) enforceApplicationsMax(ctx context.Context, appName string) error {
	if s.cfg.Applications.Max <= 0 {
		return nil
	}
	apps, err := s.infra.FetchApps(ctx)
	if err != nil {
		return err
	}
	if _, exists := apps[appName]; exists {
		return nil
	}
	if len(apps) >= s.cfg.Applications.Max {
		return fmt.Errorf("%w: applications.max=%d reached", domain.ErrLimitExceeded, s.cfg.Applications.Max)
	}
	return nil
}

func (s *AppsService) baseURL(appName string, reqCtx port.RequestContext) string {
	if reqCtx.Forwarded != "" {
		return reqCtx.Forwarded + "/" + appName
	}
	return "/" + appName
}

func (s *AppsService) tryLock(appName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[appName] {
		return false
	}
	s.locked[appName] = true
	return true
}

func (s *AppsService) unlock(appName string) {
	s.mu.Lock()
	delete(s.locked, appName)
	s.mu.Unlock()
}

func servicesAsConfigs(services []domain.Service) []domain.ServiceConfig {
	out := make([]domain.ServiceConfig, 0, len(services))
	for _, svc := range services {
		out = append(out, domain.ServiceConfig{
			ServiceName: svc.Name,
			Image:       svc.Image,
			Type:        svc.Type,
			Env:         svc.DeclaredEnv,
			Files:       svc.DeclaredFiles,
		})
	}
	return out
}

// FetchAppOwners is exposed for the HTTP layer, which reads owner sets
// independently of a deploy request.
func (s *AppsService) FetchAppOwners(ctx context.Context, appName string) ([]domain.Owner, error) {
	return s.infra.FetchAppOwners(ctx, appName)
}

// EncodeOwners is a thin re-export so callers only need AppsService.
func EncodeOwners(owners []domain.Owner) (string, error) { return owner.Encode(owners) }
